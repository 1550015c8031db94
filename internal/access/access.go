// Package access gates the public artifact endpoints: token resolution,
// client IP derivation behind proxies, and per-list IP rules.
package access

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/Maneox/List-IQ/internal/domain"
)

// clientIPHeaders are consulted in order before falling back to the peer
// address. Only the first value of X-Forwarded-For counts.
var clientIPHeaders = []string{"True-Client-IP", "X-Client-IP", "X-Real-IP"}

// GenerateToken returns a fresh URL-safe public access token built from 32
// random bytes.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokenMatches compares a presented token with the stored one in constant
// time. An empty stored token never matches.
func TokenMatches(stored, presented string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// ClientIP derives the caller's address from proxy headers, preferring
// True-Client-IP, then X-Client-IP, then X-Real-IP, then the first entry of
// X-Forwarded-For, and finally the TCP peer.
func ClientIP(r *http.Request) string {
	for _, h := range clientIPHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Decision is the outcome of an IP check, with the diagnostic details the
// 403 response carries.
type Decision struct {
	Allowed  bool     `json:"allowed"`
	ClientIP string   `json:"client_ip"`
	Rules    []string `json:"rules,omitempty"`
	Matched  string   `json:"matched_rule,omitempty"`
}

// CheckIP evaluates a list's IP rules against the client address. Loopback
// callers are always admitted. With restriction disabled every caller
// passes. Rules are tried in order; each may be an exact address, a CIDR
// network, or an inclusive range written "a.b.c.d-e.f.g.h".
func CheckIP(l *domain.List, clientIP string) Decision {
	d := Decision{ClientIP: clientIP}

	ip := net.ParseIP(strings.TrimSpace(clientIP))
	if ip != nil && ip.IsLoopback() {
		d.Allowed = true
		d.Matched = "loopback"
		return d
	}
	if !l.IPRestrictionEnabled {
		d.Allowed = true
		return d
	}
	d.Rules = l.AllowedIPs
	if ip == nil {
		return d
	}

	for _, rule := range l.AllowedIPs {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		if matchRule(rule, ip) {
			d.Allowed = true
			d.Matched = rule
			return d
		}
	}
	return d
}

func matchRule(rule string, ip net.IP) bool {
	if strings.Contains(rule, "/") {
		_, network, err := net.ParseCIDR(rule)
		return err == nil && network.Contains(ip)
	}
	if strings.Contains(rule, "-") {
		parts := strings.SplitN(rule, "-", 2)
		lo := net.ParseIP(strings.TrimSpace(parts[0]))
		hi := net.ParseIP(strings.TrimSpace(parts[1]))
		if lo == nil || hi == nil {
			return false
		}
		return inRange(ip, lo, hi)
	}
	exact := net.ParseIP(rule)
	return exact != nil && exact.Equal(ip)
}

func inRange(ip, lo, hi net.IP) bool {
	ip16, lo16, hi16 := ip.To16(), lo.To16(), hi.To16()
	if ip16 == nil || lo16 == nil || hi16 == nil {
		return false
	}
	return bytesCompare(ip16, lo16) >= 0 && bytesCompare(ip16, hi16) <= 0
}

func bytesCompare(a, b net.IP) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
