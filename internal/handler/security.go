package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bazaar-checkout/internal/domain/auth"
)

// APIKeyHeader carries the client API key.
const APIKeyHeader = "api_key"

// Authenticator verifies raw API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error)
}

type clientKey struct{}

// ClientFromContext returns the authenticated API client, if any.
func ClientFromContext(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(clientKey{}).(*auth.APIKeyInfo)
	return info, ok
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	if h.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := h.auth.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), clientKey{}, info)
		ctx = zctx.With(ctx, zap.String("client", info.Name))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
