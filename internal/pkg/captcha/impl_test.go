package captcha_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vreid/prisoners/internal/pkg/captcha"
	"go.uber.org/zap"
)

func newVerifyServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		w.Header().Set("Content-Type", "application/json")

		if r.Method == http.MethodPost && query.Get("secret") == "secret" && query.Get("response") == "good" {
			_, _ = w.Write([]byte(`{"success":true}`))

			return
		}

		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	t.Cleanup(server.Close)

	return server
}

func TestVerify(t *testing.T) {
	t.Parallel()

	server := newVerifyServer(t)
	service := captcha.New(true, "secret", server.URL, zap.NewNop())

	ctx := context.Background()

	assert.True(t, service.Verify(ctx, "::1", "good"))
	assert.False(t, service.Verify(ctx, "::1", "bad"))
}

func TestVerifyDisabled(t *testing.T) {
	t.Parallel()

	service := captcha.New(false, "", "http://127.0.0.1:0", zap.NewNop())

	assert.True(t, service.Verify(context.Background(), "::1", ""))
}

func TestVerifyUnreachable(t *testing.T) {
	t.Parallel()

	server := newVerifyServer(t)
	server.Close()

	service := captcha.New(true, "secret", server.URL, zap.NewNop())

	assert.False(t, service.Verify(context.Background(), "::1", "good"))
}
