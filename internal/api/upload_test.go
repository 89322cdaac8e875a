package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/bbblb/bbblb/pkg/models"
)

func signedToken(t *testing.T, claims jwt.MapClaims, secret, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func uploadRequest(token, ctype, tenant string, body io.Reader) *http.Request {
	target := "/api/v1/recording/upload"
	if tenant != "" {
		target += "?tenant=" + tenant
	}
	req := httptest.NewRequest(http.MethodPost, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	return req
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestUploadAuthorization(t *testing.T) {
	ta := newTestAPI(t)
	ta.seedServer(t, "alpha.example.org", models.HealthAvailable, 0)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{
			name:  "no token",
			token: "",
			want:  http.StatusUnauthorized,
		},
		{
			name:  "wrong signing secret",
			token: signedToken(t, jwt.MapClaims{"scope": "rec"}, "wrong-secret-0123456789abcdef-0123456789", ""),
			want:  http.StatusUnauthorized,
		},
		{
			name:  "missing scope",
			token: signedToken(t, jwt.MapClaims{"scope": "metrics"}, testGlobalSecret, ""),
			want:  http.StatusUnauthorized,
		},
		{
			name:  "rec scope",
			token: signedToken(t, jwt.MapClaims{"scope": "rec", "sub": "ops"}, testGlobalSecret, ""),
			want:  http.StatusAccepted,
		},
		{
			name:  "upload scope in comma list",
			token: signedToken(t, jwt.MapClaims{"scope": "metrics,rec:upload", "sub": "ops"}, testGlobalSecret, ""),
			want:  http.StatusAccepted,
		},
		{
			name:  "server token via kid",
			token: signedToken(t, jwt.MapClaims{}, testBackendSecret, "alpha.example.org"),
			want:  http.StatusAccepted,
		},
		{
			name:  "unknown kid",
			token: signedToken(t, jwt.MapClaims{"scope": "rec"}, testGlobalSecret, "ghost.example.org"),
			want:  http.StatusUnauthorized,
		},
		{
			name:  "kid with wrong secret",
			token: signedToken(t, jwt.MapClaims{}, testGlobalSecret, "alpha.example.org"),
			want:  http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			ta.handler.ServeHTTP(w, uploadRequest(tt.token, "application/x-tar", "", strings.NewReader("tar")))
			require.Equal(t, tt.want, w.Code)
		})
	}
}

func TestUploadAcceptsTarStream(t *testing.T) {
	ta := newTestAPI(t)

	token := signedToken(t, jwt.MapClaims{"scope": "rec", "sub": "ops"}, testGlobalSecret, "")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, uploadRequest(token, "application/x-tar", "", strings.NewReader("tarball-bytes")))

	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeJSON(t, w)
	require.Equal(t, "import-0001", resp["importId"])

	require.Equal(t, "tarball-bytes", string(ta.importer.uploaded), "stream is consumed before answering")
	imports := ta.importer.ops("import")
	require.Len(t, imports, 1)
	require.Empty(t, imports[0].Tenant)
}

func TestUploadTenantOverride(t *testing.T) {
	ta := newTestAPI(t)

	token := signedToken(t, jwt.MapClaims{"scope": "rec", "sub": "ops"}, testGlobalSecret, "")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, uploadRequest(token, "application/x-tar", "acme", strings.NewReader("tar")))

	require.Equal(t, http.StatusAccepted, w.Code)
	imports := ta.importer.ops("import")
	require.Len(t, imports, 1)
	require.Equal(t, "acme", imports[0].Tenant)
}

func TestUploadRejectsWrongContentType(t *testing.T) {
	ta := newTestAPI(t)

	token := signedToken(t, jwt.MapClaims{"scope": "rec", "sub": "ops"}, testGlobalSecret, "")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, uploadRequest(token, "application/zip", "", strings.NewReader("zip")))

	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	require.Equal(t, "application/x-tar", w.Header().Get("Accept-Post"))
	resp := decodeJSON(t, w)
	require.Contains(t, resp["message"], "application/zip")
}

func TestUploadWithoutRecordingStorage(t *testing.T) {
	ta := newTestAPI(t)
	ta.api.importer = nil

	token := signedToken(t, jwt.MapClaims{"scope": "rec", "sub": "ops"}, testGlobalSecret, "")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, uploadRequest(token, "application/x-tar", "", strings.NewReader("tar")))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeJSON(t, w)
	require.Equal(t, "Import unavailable", resp["error"])
}

func TestUploadReportsImportFailure(t *testing.T) {
	ta := newTestAPI(t)
	ta.importer.failWith("import", errors.New("no space left on device"))

	token := signedToken(t, jwt.MapClaims{"scope": "rec", "sub": "ops"}, testGlobalSecret, "")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, uploadRequest(token, "application/x-tar", "", strings.NewReader("tar")))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeJSON(t, w)
	require.Equal(t, "Import failed", resp["error"])
	require.Contains(t, resp["message"], "no space left")
}
