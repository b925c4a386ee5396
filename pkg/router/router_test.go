package router

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ErrorMapper(t *testing.T) {
	router := New()

	sentinel := errors.New("custom error")
	router.RegisterErrorMapper(sentinel, func(err error) JsonError {
		return JsonError{
			Code: http.StatusBadRequest,
			Err:  sentinel.Error(),
		}
	})

	tcs := []struct {
		name string
		err  error
		exp  JsonError
	}{
		{
			name: "registered sentinel",
			err:  sentinel,
			exp:  JsonError{Code: http.StatusBadRequest, Err: "custom error"},
		},
		{
			name: "wrapped sentinel",
			err:  fmt.Errorf("handler: %w", sentinel),
			exp:  JsonError{Code: http.StatusBadRequest, Err: "custom error"},
		},
		{
			name: "unregistered error",
			err:  errors.New("random error"),
			exp:  router.defaultError,
		},
		{
			name: "json error passes through",
			err:  JsonError{Code: 400, Err: "API Error"},
			exp:  JsonError{Code: 400, Err: "API Error"},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got := router.mapError(tc.err)
			assert.Equal(t, tc.exp, got)
		})
	}
}
