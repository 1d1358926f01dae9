// Package geoip resolves client IPs to country and region codes for event
// enrichment. Lookups go through a MaxMind GeoIP2 database when one is
// available; a JSON list of CIDR-to-country records at the same path serves
// as a fallback for local development.
package geoip

import (
	"encoding/json"
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
)

// Resolver answers country and region lookups. Every method tolerates a nil
// receiver so callers can skip geo enrichment when no database is configured.
type Resolver struct {
	db       *geoip2.Reader
	fallback []cidrRecord
}

type cidrRecord struct {
	net     *net.IPNet
	country string
	region  string
}

// Open loads the database at path, trying the MaxMind format first and the
// JSON fallback second. The fallback file is a JSON array of
// {"net": "10.0.0.0/8", "country": "US", "region": "CA"} entries.
func Open(path string) (*Resolver, error) {
	r := &Resolver{}
	db, err := geoip2.Open(path)
	if err == nil {
		r.db = db
		return r, nil
	}

	data, jerr := os.ReadFile(path)
	if jerr != nil {
		return nil, err
	}
	var entries []struct {
		Net     string `json:"net"`
		Country string `json:"country"`
		Region  string `json:"region"`
	}
	if jerr = json.Unmarshal(data, &entries); jerr != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, n, perr := net.ParseCIDR(e.Net); perr == nil {
			r.fallback = append(r.fallback, cidrRecord{net: n, country: e.Country, region: e.Region})
		}
	}
	return r, nil
}

// Country returns the ISO country code for ip, or "" when unknown.
func (r *Resolver) Country(ip net.IP) string {
	if r == nil || ip == nil {
		return ""
	}
	if r.db != nil {
		rec, err := r.db.Country(ip)
		if err == nil {
			return rec.Country.IsoCode
		}
	}
	for _, rec := range r.fallback {
		if rec.net.Contains(ip) {
			return rec.country
		}
	}
	return ""
}

// Region returns the first subdivision code for ip, or "" when unknown.
func (r *Resolver) Region(ip net.IP) string {
	if r == nil || ip == nil {
		return ""
	}
	if r.db != nil {
		rec, err := r.db.City(ip)
		if err == nil && len(rec.Subdivisions) > 0 {
			return rec.Subdivisions[0].IsoCode
		}
	}
	for _, rec := range r.fallback {
		if rec.net.Contains(ip) {
			return rec.region
		}
	}
	return ""
}

// Close releases the underlying database.
func (r *Resolver) Close() error {
	if r != nil && r.db != nil {
		return r.db.Close()
	}
	return nil
}
