// Package token signs click payloads so the click endpoint can trust the
// campaign, broker and rate it bills without re-running the allocation. A
// token is payload.signature, both base64url, HMAC-SHA256 over the raw JSON.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

// Claims is the billing context sealed into a click token at allocation
// time. RateCents is the price the advertiser agreed to when the slot was
// allocated; the click endpoint bills this amount even if the campaign's
// configured rate changed in between.
type Claims struct {
	RequestID  string `json:"r"`
	CampaignID int    `json:"c"`
	BrokerSlug string `json:"b"`
	Placement  string `json:"pl"`
	RateCents  int64  `json:"rc"`
	IssuedAt   int64  `json:"t"`
}

// Generate creates a signed token for the claims, stamping the issue time.
func Generate(c Claims, secret []byte) (string, error) {
	c.IssuedAt = time.Now().Unix()
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sig), nil
}

// Verify checks the token integrity and expiry and returns its claims. A
// ttl of zero disables the expiry check.
func Verify(tok string, secret []byte, ttl time.Duration) (Claims, error) {
	var out Claims
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return out, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return out, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return out, ErrInvalid
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return out, ErrInvalid
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, ErrInvalid
	}
	if ttl > 0 && time.Since(time.Unix(out.IssuedAt, 0)) > ttl {
		return out, ErrExpired
	}
	return out, nil
}
