package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

// IdentityClaims is the token body minted by the OTP verification
// service after a successful phone/email challenge. The chat service
// shares the signing secret and only ever verifies.
type IdentityClaims struct {
	ParticipantID string `json:"participant_id"`
	Role          Role   `json:"role"`
	DisplayName   string `json:"display_name"`
	jwt.RegisteredClaims
}

func (c *IdentityClaims) Participant() Participant {
	return Participant{
		ID:          c.ParticipantID,
		Role:        c.Role,
		DisplayName: c.DisplayName,
	}
}

func NewIdentityClaims(p Participant, exp time.Time) *IdentityClaims {
	return &IdentityClaims{
		ParticipantID: p.ID,
		Role:          p.Role,
		DisplayName:   p.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "classchat",
		},
	}
}

// NewIdentityToken signs an identity token. In production the OTP
// service does this; it is exported for tests and local development.
func NewIdentityToken(p Participant, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	claims := NewIdentityClaims(p, exp)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(secret)
	if err != nil {
		return signed, exp, err
	}

	return signed, exp, nil
}

// VerifyIdentityToken validates an identity token and returns its
// claims. All failures map onto the token error kinds so callers can
// translate them to ErrNotAuthenticated uniformly.
func VerifyIdentityToken(token string, secret []byte) (*IdentityClaims, error) {

	claims := &IdentityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	switch {
	case parsed != nil && parsed.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}
