// Package auth guards the operator endpoints with a shared secret and an
// optional client network allow-list.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"mathvid/internal/logging"
)

const SecretHeader = "X-Admin-Secret"

type Guard struct {
	secret []byte
	nets   []*net.IPNet
	log    zerolog.Logger
}

// New builds a Guard. allowed entries are CIDRs or bare addresses; an empty
// list admits every client that presents the secret.
func New(secret string, allowed []string) (*Guard, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: admin secret is empty")
	}
	g := &Guard{secret: []byte(secret), log: logging.Component("auth")}
	for _, s := range allowed {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n, err := parseNet(s)
		if err != nil {
			return nil, fmt.Errorf("auth: admin_bind_cidrs entry %q: %w", s, err)
		}
		g.nets = append(g.nets, n)
	}
	return g, nil
}

func parseNet(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, errors.New("not an IP address")
		}
		bits := 128
		if ip.To4() != nil {
			ip, bits = ip.To4(), 32
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, n, err := net.ParseCIDR(s)
	return n, err
}

func (g *Guard) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(g.nets) > 0 && !g.allowIP(r.RemoteAddr) {
			g.log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("admin request from disallowed address")
			deny(w, http.StatusForbidden, "forbidden")
			return
		}
		if !g.validSecret(presentedSecret(r)) {
			g.log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("admin request with bad secret")
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			deny(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func presentedSecret(r *http.Request) string {
	if v := r.Header.Get(SecretHeader); v != "" {
		return v
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return v
	}
	return ""
}

func deny(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

func (g *Guard) validSecret(v string) bool {
	vb := []byte(strings.TrimSpace(v))
	if len(vb) == 0 || len(vb) != len(g.secret) {
		return false
	}
	return subtle.ConstantTimeCompare(vb, g.secret) == 1
}

func (g *Guard) allowIP(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range g.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
