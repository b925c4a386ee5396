package core

import (
	"context"
	"net/http"
	"strings"

	"github.com/hoclab/classchat/pkg/router"
)

const (
	key            sessionKey = "session"
	AuthCookieName            = "auth_token"
)

type sessionKey = string

// Session is the verified identity attached to a request or websocket
// connection for its lifetime.
type Session struct {
	Participant Participant
	Token       string
}

func contextWithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, key, session)
}

func sessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(key).(Session)
	return session, ok
}

// SessionFromRequest extracts the session from the request context.
// It must be called in handlers that are protected by JWTMiddleware.
// It panics if the session is not found in the request context.
func SessionFromRequest(r *http.Request) Session {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		panic("session not found in request context: call this function in handlers that are protected by JWTMiddleware")
	}
	return session
}

// tokenFromRequest looks for the identity token as a bearer header
// first, then as a cookie (the form the browser websocket client can
// send).
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	cookie, err := r.Cookie(AuthCookieName)
	if err != nil || cookie == nil || cookie.Valid() != nil {
		return ""
	}
	return cookie.Value
}

// JWTMiddleware verifies the identity token minted by the external OTP
// service and attaches the session to the request context. The session
// is guaranteed to be present for handlers behind this middleware.
func JWTMiddleware(secret []byte) router.Middleware {

	return func(next http.Handler) router.HandlerFunc {

		authErr := router.NewJsonError(http.StatusUnauthorized, ErrNotAuthenticated.Error())

		return router.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			ctx := r.Context()

			token := tokenFromRequest(r)
			if token == "" {
				return authErr
			}

			claims, err := VerifyIdentityToken(token, secret)
			if err != nil {
				return authErr
			}

			session := Session{Participant: claims.Participant(), Token: token}
			next.ServeHTTP(w, r.WithContext(contextWithSession(ctx, session)))

			return nil
		})
	}
}
