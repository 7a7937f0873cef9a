package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskvault/taskvault/pkg/types"
)

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := NewHTTPChecker(srv.URL).Check(context.Background())
	assert.True(t, res.Healthy)
	assert.Contains(t, res.Message, "200")
	assert.False(t, res.CheckedAt.IsZero())
}

func TestHTTPCheckerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := NewHTTPChecker(srv.URL).Check(context.Background())
	assert.False(t, res.Healthy)
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	res := NewHTTPChecker("http://127.0.0.1:1/nope").Check(context.Background())
	assert.False(t, res.Healthy)
}

func TestExecChecker(t *testing.T) {
	res := NewExecChecker([]string{"true"}).Check(context.Background())
	assert.True(t, res.Healthy)

	res = NewExecChecker([]string{"false"}).Check(context.Background())
	assert.False(t, res.Healthy)

	res = NewExecChecker(nil).Check(context.Background())
	assert.False(t, res.Healthy)
}

func TestForBackend(t *testing.T) {
	withEndpoint := types.Backend{Name: "ollama", Kind: types.BackendLocal, Command: "ollama", Endpoint: "http://127.0.0.1:11434"}
	assert.Equal(t, CheckTypeHTTP, ForBackend(withEndpoint).Type())

	plain := types.Backend{Name: "ollama", Kind: types.BackendLocal, Command: "ollama"}
	assert.Equal(t, CheckTypeExec, ForBackend(plain).Type())
}
