package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokeratlas/marketplace/internal/token"
)

func signClaims(t *testing.T, c token.Claims, secret []byte) string {
	t.Helper()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(mac.Sum(nil))
}

// TestAllocationToClick_TokenFlow walks the full billing loop: the page asks
// for an allocation, receives click tokens, and redeems one. The token seals
// campaign identity and rate, so the click body carries nothing billable.
func TestAllocationToClick_TokenFlow(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	rec := doJSON(t, router, http.MethodGet, "/marketplace/allocation?placement=compare-top&page=/compare/forex", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var alloc AllocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alloc))
	require.NotEmpty(t, alloc.Winners)
	winner := alloc.Winners[0]
	require.NotEmpty(t, winner.ClickToken)

	rec = doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
		"token": winner.ClickToken, "page": "/compare/forex",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["billed"])
	assert.NotEmpty(t, body["transaction_id"])

	w, err := f.wallets.GetWallet(context.Background(), winner.BrokerSlug)
	require.NoError(t, err)
	assert.Equal(t, int64(1000-winner.RateCents), w.BalanceCents)
	assert.Equal(t, winner.RateCents, f.clicks.spend[winner.CampaignID])

	// Redeeming the same token again is the classic double-click; the claim
	// makes it a no-op.
	rec = doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
		"token": winner.ClickToken, "page": "/compare/forex",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["duplicate"])

	w, err = f.wallets.GetWallet(context.Background(), winner.BrokerSlug)
	require.NoError(t, err)
	assert.Equal(t, int64(1000-winner.RateCents), w.BalanceCents, "double click is not double billed")
}

func TestClickHandler_RejectsBadTokens(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	rec := doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
		"token": "not-a-token",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signed with the wrong secret.
	forged, err := token.Generate(token.Claims{
		RequestID: "req-1", CampaignID: 1, BrokerSlug: "alpha", Placement: "compare-top", RateCents: 1,
	}, []byte("attacker-secret"))
	require.NoError(t, err)
	rec = doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{"token": forged}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Issued too long ago. Generate always stamps the current time, so the
	// stale payload is signed by hand.
	stale := signClaims(t, token.Claims{
		RequestID: "req-2", CampaignID: 1, BrokerSlug: "alpha", Placement: "compare-top",
		RateCents: 250, IssuedAt: time.Now().Add(-2 * time.Minute).Unix(),
	}, f.server.TokenSecret)
	rec = doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{"token": stale}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w, err := f.wallets.GetWallet(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.BalanceCents, "nothing billed")
}

// TestClickHandler_RetryAfterTopup covers the recovery path: a click bounces
// on an empty wallet, the operator credits it, and the same click ID retries
// and bills exactly once.
func TestClickHandler_RetryAfterTopup(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	body := map[string]any{"campaign_id": 2, "broker_slug": "bravo", "click_id": "retry-1"}
	rec := doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", body, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/marketplace/wallet-adjust", map[string]any{
		"broker_slug": "bravo", "amount_cents": 500, "description": "manual top-up",
	}, map[string]string{"X-Operator-Key": "op-secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["billed"])

	w, err := f.wallets.GetWallet(context.Background(), "bravo")
	require.NoError(t, err)
	assert.Equal(t, int64(50+500-100), w.BalanceCents)
	assert.Equal(t, int64(100), f.clicks.spend[2])
}
