package api

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/bbblb/bbblb/internal/webhook"
	"github.com/bbblb/bbblb/pkg/bbb"
	"github.com/bbblb/bbblb/pkg/models"
)

type frontendHit struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
}

// frontendRecorder stands in for the tenant's application receiving
// forwarded callbacks.
type frontendRecorder struct {
	*httptest.Server

	mu   sync.Mutex
	hits []frontendHit
}

func newFrontendRecorder(t *testing.T) *frontendRecorder {
	t.Helper()
	fr := &frontendRecorder{}
	fr.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		fr.mu.Lock()
		fr.hits = append(fr.hits, frontendHit{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Form:   r.PostForm,
		})
		fr.mu.Unlock()
	}))
	t.Cleanup(fr.Close)
	return fr
}

func (fr *frontendRecorder) all() []frontendHit {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]frontendHit(nil), fr.hits...)
}

// setupMeetingWithCallbacks creates a meeting whose END and analytics
// callbacks point at the frontend recorder.
func setupMeetingWithCallbacks(t *testing.T, ta *testAPI, frontend *frontendRecorder) (*models.Tenant, *models.Meeting) {
	t.Helper()
	tenant := ta.seedTenant(t, "acme")
	ta.addBackend(t, "alpha.example.org", 0)
	requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create", bbb.NewParams(
		"meetingID", "room-1",
		"name", "Room One",
		"meetingEndedURL", frontend.URL+"/ended",
		"meta_analytics-callback-url", frontend.URL+"/analytics",
	)), "SUCCESS", "")
	meeting, err := ta.store.FindMeeting(context.Background(), tenant.ID, "room-1")
	require.NoError(t, err)
	return tenant, meeting
}

func endSig(meetingUUID string) string {
	return hex.EncodeToString(endCallbackMAC(testGlobalSecret, meetingUUID))
}

func TestEndCallbackConsumesForwardsAndForgets(t *testing.T) {
	ta := newTestAPI(t)
	frontend := newFrontendRecorder(t)
	tenant, meeting := setupMeetingWithCallbacks(t, ta, frontend)

	target := "/api/v1/callback/" + meeting.UUID + "/end/" + endSig(meeting.UUID) + "?recordingmarks=false"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "OK", w.Body.String())

	ctx := context.Background()
	_, err := ta.store.FindMeeting(ctx, tenant.ID, "room-1")
	require.ErrorIs(t, err, models.ErrMeetingNotFound, "backend signal forgets the meeting")

	rows, err := ta.store.ListCallbacks(ctx, meeting.UUID, models.CallbackTypeEnd)
	require.NoError(t, err)
	require.Empty(t, rows, "END callbacks fire at most once")

	ta.drain(t)
	hits := frontend.all()
	require.Len(t, hits, 1)
	require.Equal(t, http.MethodGet, hits[0].Method)
	require.Equal(t, "/ended", hits[0].Path)
	require.Equal(t, "false", hits[0].Query.Get("recordingmarks"), "query passes through to the frontend")

	// A replay is acknowledged but forwards nothing.
	w = httptest.NewRecorder()
	ta.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, frontend.all(), 1)
}

func TestEndCallbackBadSignature(t *testing.T) {
	ta := newTestAPI(t)
	frontend := newFrontendRecorder(t)
	tenant, meeting := setupMeetingWithCallbacks(t, ta, frontend)

	forged := endSig("someone-elses-uuid")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/callback/"+meeting.UUID+"/end/"+forged, nil)
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)

	ctx := context.Background()
	_, err := ta.store.FindMeeting(ctx, tenant.ID, "room-1")
	require.NoError(t, err, "forged signals must not end meetings")

	rows, err := ta.store.ListCallbacks(ctx, meeting.UUID, models.CallbackTypeEnd)
	require.NoError(t, err)
	require.Len(t, rows, 1, "forged signals must not consume callback rows")

	ta.drain(t)
	require.Empty(t, frontend.all())
}

func TestEndCallbackUnknownMeeting(t *testing.T) {
	ta := newTestAPI(t)

	uuid := "00000000-0000-0000-0000-000000000000"
	req := httptest.NewRequest(http.MethodGet, "/api/v1/callback/"+uuid+"/end/"+endSig(uuid), nil)
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "stale signals are acknowledged")
}

func TestProxyCallbackResignsForTenant(t *testing.T) {
	ta := newTestAPI(t)
	frontend := newFrontendRecorder(t)
	_, meeting := setupMeetingWithCallbacks(t, ta, frontend)

	token, err := webhook.Sign(jwt.MapClaims{"meeting_id": "acme:room-1"}, testBackendSecret)
	require.NoError(t, err)

	body := url.Values{"signed_parameters": {token}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callback/"+meeting.UUID+"/analytics", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	ta.drain(t)
	hits := frontend.all()
	require.Len(t, hits, 1)
	require.Equal(t, http.MethodPost, hits[0].Method)
	require.Equal(t, "/analytics", hits[0].Path)

	forwarded := hits[0].Form.Get("signed_parameters")
	require.NotEmpty(t, forwarded)
	require.NotEqual(t, token, forwarded, "payload must be re-signed, not relayed")

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(forwarded, claims, func(*jwt.Token) (any, error) {
		return []byte(testTenantSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err, "forwarded token verifies with the tenant secret")
	require.Equal(t, "acme:room-1", claims["meeting_id"])

	rows, err := ta.store.ListCallbacks(context.Background(), meeting.UUID, "analytics")
	require.NoError(t, err)
	require.Empty(t, rows, "rows are dropped after the delivery attempt")
}

func TestProxyCallbackRejectsBadToken(t *testing.T) {
	ta := newTestAPI(t)
	frontend := newFrontendRecorder(t)
	_, meeting := setupMeetingWithCallbacks(t, ta, frontend)

	token, err := webhook.Sign(jwt.MapClaims{"meeting_id": "x"}, "not-the-backend-secret-0123456789abcdef")
	require.NoError(t, err)

	body := url.Values{"signed_parameters": {token}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callback/"+meeting.UUID+"/analytics", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)

	rows, err := ta.store.ListCallbacks(context.Background(), meeting.UUID, "analytics")
	require.NoError(t, err)
	require.Len(t, rows, 1, "rejected payloads must not consume rows")

	ta.drain(t)
	require.Empty(t, frontend.all())
}

func TestProxyCallbackWithoutPayload(t *testing.T) {
	ta := newTestAPI(t)
	frontend := newFrontendRecorder(t)
	_, meeting := setupMeetingWithCallbacks(t, ta, frontend)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/callback/"+meeting.UUID+"/analytics", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProxyCallbackUnknownRows(t *testing.T) {
	ta := newTestAPI(t)

	body := url.Values{"signed_parameters": {"whatever"}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callback/no-such-uuid/analytics", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "nothing to forward means nothing to verify")
}
