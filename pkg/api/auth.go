package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/psaab/flowcounter/pkg/config"
)

const authRealm = `Basic realm="flowcounter API"`

// publicPaths are served without credentials so health checks and scrapers keep
// working when api-auth is set.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authenticator checks API credentials from the api-auth section: Basic
// user/password pairs, or an API key given as a Bearer token or in
// X-API-Key.
type authenticator struct {
	users map[string]string
	keys  [][]byte
}

func newAuthenticator(c *config.AuthConfig) *authenticator {
	a := &authenticator{users: c.Users}
	for _, k := range c.APIKeys {
		a.keys = append(a.keys, []byte(k))
	}
	return a
}

func (a *authenticator) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || a.allow(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", authRealm)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func (a *authenticator) allow(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" && a.validKey(key) {
		return true
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return a.validKey(token)
	}
	if user, pass, ok := r.BasicAuth(); ok {
		want, exists := a.users[user]
		return exists && subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
	}
	return false
}

// validKey compares against every key so timing does not reveal which
// prefix matched.
func (a *authenticator) validKey(key string) bool {
	match := 0
	for _, k := range a.keys {
		match |= subtle.ConstantTimeCompare([]byte(key), k)
	}
	return match == 1
}
