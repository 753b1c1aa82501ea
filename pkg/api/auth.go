package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig holds the credentials accepted by the API.
type AuthConfig struct {
	Users   map[string]string // username -> password (Basic auth)
	APIKeys map[string]bool   // Bearer tokens and X-API-Key values
}

// publicPaths are served without credentials so probes and scrapers
// need no key.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware rejects requests without a valid Basic login, Bearer
// token or X-API-Key header.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || cfg.allows(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="gpunetd API"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func (cfg AuthConfig) allows(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" && cfg.validKey(key) {
		return true
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return cfg.validKey(token)
	}
	if user, pass, ok := r.BasicAuth(); ok {
		want, exists := cfg.Users[user]
		return exists && subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
	}
	return false
}

// validKey compares key against every configured key in constant time.
func (cfg AuthConfig) validKey(key string) bool {
	match := 0
	for k, enabled := range cfg.APIKeys {
		if enabled {
			match |= subtle.ConstantTimeCompare([]byte(key), []byte(k))
		}
	}
	return match == 1
}
