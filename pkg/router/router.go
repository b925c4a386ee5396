package router

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"runtime"

	"github.com/go-chi/chi/v5"
)

var DefaultError = JsonError{
	Code: http.StatusInternalServerError,
	Err:  "internal server error",
}

// Router is a wrapper around chi.Router that provides error handling.
// Handlers can return an error that will then get mapped to an error
// response. Error mappers can be registered for sentinel errors to
// provide custom error responses; matching uses errors.Is so wrapped
// errors map too.
type Router struct {
	chi.Router
	errorMappers []errorMapping
	defaultError JsonError
	logger       *slog.Logger
}

type errorMapping struct {
	sentinel error
	mapper   ErrorMapper
}

func New(opts ...RouterOption) *Router {
	return newRouter(chi.NewRouter(), opts...)
}

type RouterOption func(*Router)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithDefaultError(err JsonError) RouterOption {
	return func(r *Router) {
		r.defaultError = err
	}
}

func newRouter(chiRouter chi.Router, opts ...RouterOption) *Router {
	router := &Router{
		Router:       chiRouter,
		defaultError: DefaultError,
		logger:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	for _, opt := range opts {
		opt(router)
	}
	return router
}

// HandlerFunc is a function that handles an HTTP request and returns an
// error. A failing handler should not write to the response writer;
// the returned error gets mapped to an error response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type Middleware func(http.Handler) HandlerFunc

// ErrorMapper maps a go error to an API error.
type ErrorMapper func(error) JsonError

func (a *Router) RegisterErrorMapper(sentinel error, fn ErrorMapper) {
	a.errorMappers = append(a.errorMappers, errorMapping{sentinel: sentinel, mapper: fn})
}

// mapError maps a go error to an API error:
//   - a JsonError is returned as is.
//   - otherwise the first registered sentinel matching errors.Is wins.
//   - with no match the default error is returned.
func (a *Router) mapError(err error) JsonError {
	var apiErr JsonError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	for _, m := range a.errorMappers {
		if errors.Is(err, m.sentinel) {
			return m.mapper(err)
		}
	}
	return a.defaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err != nil {
			handlerFn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
			a.logger.Error(err.Error(), slog.String("handler", handlerFn.Name()))
			resError := a.mapError(err)
			w.WriteHeader(resError.StatusCode())
			if err := resError.Encode(w); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
			}
		}
	}
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}

func (a *Router) Post(path string, h HandlerFunc) {
	a.Router.Post(path, a.handleWithErr(h))
}

func (a *Router) Put(path string, h HandlerFunc) {
	a.Router.Put(path, a.handleWithErr(h))
}

func (a *Router) Delete(path string, h HandlerFunc) {
	a.Router.Delete(path, a.handleWithErr(h))
}

func (a *Router) Route(path string, f func(r *Router)) {
	a.Router.Route(path, func(r chi.Router) {
		sub := newRouter(r)
		sub.errorMappers = a.errorMappers
		sub.logger = a.logger
		f(sub)
	})
}

func (a *Router) Group(f func(r *Router)) {
	a.Router.Group(func(r chi.Router) {
		sub := newRouter(r)
		sub.errorMappers = a.errorMappers
		sub.logger = a.logger
		f(sub)
	})
}

func (a *Router) Use(middleware Middleware) {
	a.Router.Use(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
}

func (a *Router) With(middleware Middleware) *Router {
	ch := a.Router.With(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
	sub := newRouter(ch)
	sub.errorMappers = a.errorMappers
	sub.logger = a.logger
	return sub
}
