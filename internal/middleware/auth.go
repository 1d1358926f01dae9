package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/brokeratlas/marketplace/internal/models"
)

// Header names for the two authenticated principals.
const (
	OperatorKeyHeader = "X-Operator-Key"
	BrokerKeyHeader   = "X-Broker-Key"
)

type brokerKey struct{}

// BrokerResolver resolves an API key to the broker that owns it.
type BrokerResolver interface {
	GetBrokerByAPIKey(key string) *models.Broker
}

// RequireOperator guards operator-only endpoints with a shared API key.
// An empty configured key disables the endpoint entirely rather than leaving
// it open.
func RequireOperator(operatorKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(OperatorKeyHeader)
			if operatorKey == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(operatorKey)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireBroker authenticates a broker by API key and stores the broker on
// the request context.
func RequireBroker(resolver BrokerResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b := resolver.GetBrokerByAPIKey(r.Header.Get(BrokerKeyHeader))
			if b == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), brokerKey{}, b)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BrokerFromContext returns the authenticated broker, or nil when the request
// did not pass through RequireBroker.
func BrokerFromContext(ctx context.Context) *models.Broker {
	if b, ok := ctx.Value(brokerKey{}).(*models.Broker); ok {
		return b
	}
	return nil
}
