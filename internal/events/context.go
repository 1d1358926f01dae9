package events

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/brokeratlas/marketplace/internal/geoip"
)

// RequestContext is the client context attached to recorded events. The raw
// IP never leaves this resolution step; events carry only its hash.
type RequestContext struct {
	DeviceType string
	Country    string
	Region     string
	IPHash     string
	UserAgent  string
	IsBot      bool
}

// ResolveRequestContext derives device, geo and IP hash from an incoming
// request. geo may be nil, leaving country and region empty.
func ResolveRequestContext(geo *geoip.Resolver, r *http.Request) RequestContext {
	rc := resolveUserAgent(r.UserAgent())

	ipStr := clientIP(r)
	if ip := net.ParseIP(ipStr); ip != nil {
		rc.Country = geo.Country(ip)
		rc.Region = geo.Region(ip)
	}
	if ipStr != "" {
		rc.IPHash = HashIP(ipStr)
	}
	return rc
}

func resolveUserAgent(uaString string) RequestContext {
	u := uasurfer.Parse(uaString)

	var deviceType string
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		deviceType = "desktop"
	case uasurfer.DevicePhone:
		deviceType = "mobile"
	case uasurfer.DeviceTablet:
		deviceType = "tablet"
	default:
		deviceType = "other"
	}

	return RequestContext{
		DeviceType: deviceType,
		UserAgent:  uaString,
		IsBot:      u.IsBot(),
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HashIP returns a truncated SHA-256 of the IP, enough to correlate clicks
// from one source without storing the address itself.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:16])
}
