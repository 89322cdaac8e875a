package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// authContext carries the verified claims of a private API caller.
type authContext struct {
	claims jwt.MapClaims
}

// scopes splits the scope claim on spaces and commas; both separators are in
// the wild.
func (ac *authContext) scopes() []string {
	raw, _ := ac.claims["scope"].(string)
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

func (ac *authContext) hasScope(names ...string) bool {
	for _, scope := range ac.scopes() {
		for _, name := range names {
			if scope == name {
				return true
			}
		}
	}
	return false
}

func (ac *authContext) subject() string {
	sub, _ := ac.claims["sub"].(string)
	return sub
}

// authenticate verifies the bearer token of a private API request. A token
// whose kid header names a known server is verified against that server's
// secret and acts for the server (fixed "bbb" scope); anything else must be
// signed with the balancer's own secret. Returns nil when the request could
// not be authenticated.
func (a *API) authenticate(r *http.Request) *authContext {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil
	}
	token = strings.TrimSpace(token)

	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	unverified, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}

	if kid, _ := unverified.Header["kid"].(string); kid != "" {
		server, err := a.store.GetServer(r.Context(), kid)
		if err != nil {
			return nil
		}
		claims := jwt.MapClaims{}
		if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return []byte(server.Secret), nil
		}); err != nil {
			return nil
		}
		claims["scope"] = "bbb"
		claims["sub"] = server.Domain
		return &authContext{claims: claims}
	}

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.Secret), nil
	}); err != nil {
		return nil
	}
	return &authContext{claims: claims}
}

// handleUpload accepts a recording tarball for import. The response is sent
// after the stream was consumed and staged; publication happens in the
// import workers.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	auth := a.authenticate(r)
	if auth == nil || !auth.hasScope("rec", "rec:upload", "bbb") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":   "Access denied",
			"message": "This API is protected",
		})
		return
	}

	if ctype := r.Header.Get("Content-Type"); ctype != "application/x-tar" {
		w.Header().Set("Accept-Post", "application/x-tar")
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{
			"error":   "Unsupported Media Type",
			"message": fmt.Sprintf("Expected application/x-tar, got %s", ctype),
		})
		return
	}

	if a.importer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "Import unavailable",
			"message": "Recording storage is not configured",
		})
		return
	}

	importID, err := a.importer.StartImport(r.Context(), r.Body, r.URL.Query().Get("tenant"))
	if err != nil {
		a.log.Error().Err(err).Str("from", auth.subject()).Msg("recording upload failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Import failed",
			"message": err.Error(),
		})
		return
	}

	a.log.Info().Str("from", auth.subject()).Str("import_id", importID).Msg("recording upload accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":  "Import accepted",
		"importId": importID,
	})
}
