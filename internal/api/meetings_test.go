package api

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bbblb/bbblb/pkg/bbb"
	"github.com/bbblb/bbblb/pkg/models"
)

func TestCreatePicksLeastLoadedServer(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")
	_, alpha := ta.addBackend(t, "alpha.example.org", 5)
	beta, betaFake := ta.addBackend(t, "beta.example.org", 2)

	betaFake.respond("create", `<response><returncode>SUCCESS</returncode><meetingID>acme:room-1</meetingID><internalMeetingID>int-0001</internalMeetingID></response>`)

	w := ta.do(t, tenant, http.MethodGet, "create", bbb.NewParams("meetingID", "room-1", "name", "Room One"))
	require.Equal(t, http.StatusOK, w.Code)
	node := requireEnvelope(t, w, "SUCCESS", "")
	require.Equal(t, "room-1", node.FindText("meetingID"), "scoped ID must not leak to the frontend")

	require.Empty(t, alpha.calls("create"))
	calls := betaFake.calls("create")
	require.Len(t, calls, 1)
	require.Equal(t, "acme:room-1", calls[0].Params.Get("meetingID"))
	require.Equal(t, "acme", calls[0].Params.Get("meta_bbblb-tenant"))
	require.Equal(t, "balancer.example.com", calls[0].Params.Get("meta_bbblb-origin"))
	require.Equal(t, "beta.example.org", calls[0].Params.Get("meta_bbblb-server"))

	// The forwarded query must verify against the backend's own secret.
	_, err := bbb.VerifyQuery("create", calls[0].RawQuery, []string{testBackendSecret})
	require.NoError(t, err)

	updated, err := ta.store.GetServerByID(context.Background(), beta.ID)
	require.NoError(t, err)
	require.InDelta(t, 13.0, updated.Load, 0.001, "base load 2 plus initial 10 plus meeting 1")

	meeting, err := ta.store.FindMeeting(context.Background(), tenant.ID, "int-0001")
	require.NoError(t, err)
	require.Equal(t, "room-1", meeting.ExternalID)
}

func TestCreateExistingMeetingKeepsBinding(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")
	server, fake := ta.addBackend(t, "alpha.example.org", 0)

	params := bbb.NewParams(
		"meetingID", "room-1",
		"name", "Room One",
		"meetingEndedURL", "https://frontend.example.com/ended",
	)
	requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create", params.Clone()), "SUCCESS", "")
	requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create", params.Clone()), "SUCCESS", "")

	calls := fake.calls("create")
	require.Len(t, calls, 2)
	meetingUUID := calls[0].Params.Get("meta_bbblb-uuid")
	require.NotEmpty(t, meetingUUID)
	require.Equal(t, meetingUUID, calls[1].Params.Get("meta_bbblb-uuid"), "retry must reuse the binding")
	require.Equal(t, "acme:room-1", calls[1].Params.Get("meetingID"), "retry must still be rewritten")

	updated, err := ta.store.GetServerByID(context.Background(), server.ID)
	require.NoError(t, err)
	require.InDelta(t, 11.0, updated.Load, 0.001, "load bumped once, not per retry")

	rows, err := ta.store.ListCallbacks(context.Background(), meetingUUID, models.CallbackTypeEnd)
	require.NoError(t, err)
	require.Len(t, rows, 1, "callback rows registered once, not per retry")
}

func TestCreateInterceptsCallbacks(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")
	_, fake := ta.addBackend(t, "alpha.example.org", 0)

	params := bbb.NewParams(
		"meetingID", "room-1",
		"name", "Room One",
		"meetingEndedURL", "https://frontend.example.com/ended",
		"meta_presentation-recording-ready-url", "https://frontend.example.com/rec-ready",
		"meta_analytics-callback-url", "https://frontend.example.com/analytics",
	)
	requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create", params), "SUCCESS", "")

	ctx := context.Background()
	meeting, err := ta.store.FindMeeting(ctx, tenant.ID, "room-1")
	require.NoError(t, err)

	backend := fake.calls("create")
	require.Len(t, backend, 1)
	forwarded := backend[0].Params

	require.False(t, forwarded.Has("meta_presentation-recording-ready-url"),
		"recording-ready URL must never reach the backend")

	endURL := forwarded.Get("meetingEndedURL")
	prefix := "https://balancer.example.com/api/v1/callback/" + meeting.UUID + "/end/"
	require.True(t, strings.HasPrefix(endURL, prefix), "got %q", endURL)
	sig := strings.TrimPrefix(endURL, prefix)
	require.Equal(t, hex.EncodeToString(endCallbackMAC(testGlobalSecret, meeting.UUID)), sig)

	require.Equal(t,
		"https://balancer.example.com/api/v1/callback/"+meeting.UUID+"/analytics",
		forwarded.Get("meta_analytics-callback-url"))

	for cbType, forward := range map[string]string{
		models.CallbackTypeEnd: "https://frontend.example.com/ended",
		models.CallbackTypeRec: "https://frontend.example.com/rec-ready",
		"analytics":            "https://frontend.example.com/analytics",
	} {
		rows, err := ta.store.ListCallbacks(ctx, meeting.UUID, cbType)
		require.NoError(t, err)
		require.Len(t, rows, 1, "callback type %s", cbType)
		require.Equal(t, forward, rows[0].Forward)
	}
}

func TestCreateRollsBackOnBackendFailure(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")
	_, fake := ta.addBackend(t, "alpha.example.org", 0)
	fake.respond("create", `<response><returncode>FAILED</returncode><messageKey>idNotUnique</messageKey><message>nope</message></response>`)

	params := bbb.NewParams(
		"meetingID", "room-1",
		"name", "Room One",
		"meetingEndedURL", "https://frontend.example.com/ended",
	)
	w := ta.do(t, tenant, http.MethodGet, "create", params)
	require.Equal(t, http.StatusOK, w.Code)
	requireEnvelope(t, w, "FAILED", "idNotUnique")

	ctx := context.Background()
	calls := fake.calls("create")
	require.Len(t, calls, 1)
	meetingUUID := calls[0].Params.Get("meta_bbblb-uuid")

	_, err := ta.store.FindMeeting(ctx, tenant.ID, "room-1")
	require.ErrorIs(t, err, models.ErrMeetingNotFound, "failed create must not leave a binding")

	rows, err := ta.store.ListCallbacks(ctx, meetingUUID, models.CallbackTypeEnd)
	require.NoError(t, err)
	require.Empty(t, rows, "failed create must not leave callback rows")
}

func TestCreateWithoutServers(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")

	w := ta.do(t, tenant, http.MethodGet, "create", bbb.NewParams("meetingID", "room-1", "name", "Room One"))
	node := requireEnvelope(t, w, "FAILED", "internalError")
	require.Equal(t, "No suitable servers available.", node.FindText("message"))
}

func TestCreateParameterValidation(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")
	ta.addBackend(t, "alpha.example.org", 0)

	t.Run("missing meetingID", func(t *testing.T) {
		w := ta.do(t, tenant, http.MethodGet, "create", bbb.NewParams("name", "Room One"))
		requireEnvelope(t, w, "FAILED", "missingParameterMeetingID")
	})

	t.Run("missing name", func(t *testing.T) {
		w := ta.do(t, tenant, http.MethodGet, "create", bbb.NewParams("meetingID", "room-1"))
		requireEnvelope(t, w, "FAILED", "missingParameterName")
	})

	t.Run("scoped ID too long", func(t *testing.T) {
		longID := strings.Repeat("x", bbb.MaxMeetingIDLen)
		w := ta.do(t, tenant, http.MethodGet, "create", bbb.NewParams("meetingID", longID, "name", "Room One"))
		node := requireEnvelope(t, w, "FAILED", "sizeError")
		require.Equal(t, "Meeting ID must be between 2 and 251 characters", node.FindText("message"))
	})
}

func TestJoinRedirectsToBackend(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")
	server, _ := ta.addBackend(t, "alpha.example.org", 0)
	requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create",
		bbb.NewParams("meetingID", "room-1", "name", "Room One")), "SUCCESS", "")

	w := ta.do(t, tenant, http.MethodGet, "join",
		bbb.NewParams("meetingID", "room-1", "fullName", "Ada", "password", "pw"))
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "https", loc.Scheme)
	require.Equal(t, "alpha.example.org", loc.Host)
	require.Equal(t, "/bigbluebutton/api/join", loc.Path)

	params, err := bbb.VerifyQuery("join", loc.RawQuery, []string{testBackendSecret})
	require.NoError(t, err, "redirect must carry a checksum for the backend secret")
	require.Equal(t, "acme:room-1", params.Get("meetingID"))
	require.Equal(t, "Ada", params.Get("fullName"))

	updated, err := ta.store.GetServerByID(context.Background(), server.ID)
	require.NoError(t, err)
	require.InDelta(t, 12.0, updated.Load, 0.001, "join adds the per-user factor")
}

func TestJoinUnknownMeeting(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")

	w := ta.do(t, tenant, http.MethodGet, "join",
		bbb.NewParams("meetingID", "ghost", "fullName", "Ada"))
	requireEnvelope(t, w, "FAILED", "notFound")
}

func TestEndForgetsMeetingBeforeForwarding(t *testing.T) {
	tests := []struct {
		name       string
		envelope   string
		returncode string
		messageKey string
	}{
		{
			name:       "backend succeeds",
			envelope:   `<response><returncode>SUCCESS</returncode><messageKey>sentEndMeetingRequest</messageKey></response>`,
			returncode: "SUCCESS",
			messageKey: "sentEndMeetingRequest",
		},
		{
			name:       "backend refuses",
			envelope:   `<response><returncode>FAILED</returncode><messageKey>notFound</messageKey><message>gone</message></response>`,
			returncode: "FAILED",
			messageKey: "notFound",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := newTestAPI(t)
			tenant := ta.seedTenant(t, "acme")
			_, fake := ta.addBackend(t, "alpha.example.org", 0)
			requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create",
				bbb.NewParams("meetingID", "room-1", "name", "Room One")), "SUCCESS", "")
			fake.respond("end", tt.envelope)

			w := ta.do(t, tenant, http.MethodGet, "end", bbb.NewParams("meetingID", "room-1", "password", "pw"))
			requireEnvelope(t, w, tt.returncode, tt.messageKey)

			calls := fake.calls("end")
			require.Len(t, calls, 1)
			require.Equal(t, "acme:room-1", calls[0].Params.Get("meetingID"))

			_, err := ta.store.FindMeeting(context.Background(), tenant.ID, "room-1")
			require.ErrorIs(t, err, models.ErrMeetingNotFound, "meeting is forgotten regardless of the backend answer")
		})
	}
}

func TestIsMeetingRunning(t *testing.T) {
	t.Run("unknown meeting is not running", func(t *testing.T) {
		ta := newTestAPI(t)
		tenant := ta.seedTenant(t, "acme")
		_, fake := ta.addBackend(t, "alpha.example.org", 0)

		w := ta.do(t, tenant, http.MethodGet, "isMeetingRunning", bbb.NewParams("meetingID", "ghost"))
		node := requireEnvelope(t, w, "SUCCESS", "")
		require.Equal(t, "false", node.FindText("running"))
		require.Empty(t, fake.calls("isMeetingRunning"), "no backend roundtrip for unknown meetings")
	})

	t.Run("stopped meeting is forgotten", func(t *testing.T) {
		ta := newTestAPI(t)
		tenant := ta.seedTenant(t, "acme")
		_, fake := ta.addBackend(t, "alpha.example.org", 0)
		requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create",
			bbb.NewParams("meetingID", "room-1", "name", "Room One")), "SUCCESS", "")
		fake.respond("isMeetingRunning", `<response><returncode>SUCCESS</returncode><running>false</running></response>`)

		w := ta.do(t, tenant, http.MethodGet, "isMeetingRunning", bbb.NewParams("meetingID", "room-1"))
		node := requireEnvelope(t, w, "SUCCESS", "")
		require.Equal(t, "false", node.FindText("running"))

		_, err := ta.store.FindMeeting(context.Background(), tenant.ID, "room-1")
		require.ErrorIs(t, err, models.ErrMeetingNotFound)
	})

	t.Run("running meeting is kept", func(t *testing.T) {
		ta := newTestAPI(t)
		tenant := ta.seedTenant(t, "acme")
		_, fake := ta.addBackend(t, "alpha.example.org", 0)
		requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create",
			bbb.NewParams("meetingID", "room-1", "name", "Room One")), "SUCCESS", "")
		fake.respond("isMeetingRunning", `<response><returncode>SUCCESS</returncode><running>true</running></response>`)

		w := ta.do(t, tenant, http.MethodGet, "isMeetingRunning", bbb.NewParams("meetingID", "room-1"))
		node := requireEnvelope(t, w, "SUCCESS", "")
		require.Equal(t, "true", node.FindText("running"))

		_, err := ta.store.FindMeeting(context.Background(), tenant.ID, "room-1")
		require.NoError(t, err)
	})
}

func TestGetMeetingsMergesAndFilters(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")
	_, alpha := ta.addBackend(t, "alpha.example.org", 0)
	_, beta := ta.addBackend(t, "beta.example.org", 1)

	// First create lands on alpha (load 0), second on beta (1 < 11).
	requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create",
		bbb.NewParams("meetingID", "room-1", "name", "One")), "SUCCESS", "")
	requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create",
		bbb.NewParams("meetingID", "room-2", "name", "Two")), "SUCCESS", "")

	alpha.respond("getMeetings", `<response><returncode>SUCCESS</returncode><meetings>
		<meeting><meetingID>acme:room-1</meetingID><metadata><bbblb-tenant>acme</bbblb-tenant></metadata></meeting>
		<meeting><meetingID>umbrella:sec-1</meetingID><metadata><bbblb-tenant>umbrella</bbblb-tenant></metadata></meeting>
	</meetings></response>`)
	beta.respond("getMeetings", `<response><returncode>SUCCESS</returncode><meetings>
		<meeting><meetingID>acme:room-2</meetingID><metadata><bbblb-tenant>acme</bbblb-tenant></metadata></meeting>
		<meeting><meetingID>stray:room-9</meetingID><metadata><bbblb-tenant>acme</bbblb-tenant></metadata></meeting>
	</meetings></response>`)

	w := ta.do(t, tenant, http.MethodGet, "getMeetings", bbb.NewParams())
	node := requireEnvelope(t, w, "SUCCESS", "")

	var ids []string
	for _, meeting := range node.FindAll("meetings/meeting") {
		ids = append(ids, meeting.FindText("meetingID"))
	}
	require.ElementsMatch(t, []string{"room-1", "room-2"}, ids,
		"foreign tenants and mismatched scopes are filtered, IDs unscoped")
}

func TestGetMeetingsWithoutMeetings(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")
	ta.addBackend(t, "alpha.example.org", 0)

	w := ta.do(t, tenant, http.MethodGet, "getMeetings", bbb.NewParams())
	node := requireEnvelope(t, w, "SUCCESS", "")
	require.Empty(t, node.FindAll("meetings/meeting"))
}

func TestMeetingProxyForgetsOnNotFound(t *testing.T) {
	for _, action := range []string{"getMeetingInfo", "sendChatMessage"} {
		t.Run(action, func(t *testing.T) {
			ta := newTestAPI(t)
			tenant := ta.seedTenant(t, "acme")
			_, fake := ta.addBackend(t, "alpha.example.org", 0)
			requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create",
				bbb.NewParams("meetingID", "room-1", "name", "Room One")), "SUCCESS", "")
			fake.respond(action, `<response><returncode>FAILED</returncode><messageKey>notFound</messageKey><message>gone</message></response>`)

			params := bbb.NewParams("meetingID", "room-1")
			if action == "sendChatMessage" {
				params.Set("message", "hello")
			}
			w := ta.do(t, tenant, http.MethodGet, action, params)
			requireEnvelope(t, w, "FAILED", "notFound")

			_, err := ta.store.FindMeeting(context.Background(), tenant.ID, "room-1")
			require.ErrorIs(t, err, models.ErrMeetingNotFound, "stale binding must be dropped")
		})
	}
}

func TestGetMeetingInfoUnscopesResponse(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")
	_, fake := ta.addBackend(t, "alpha.example.org", 0)
	requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create",
		bbb.NewParams("meetingID", "room-1", "name", "Room One")), "SUCCESS", "")
	fake.respond("getMeetingInfo", `<response><returncode>SUCCESS</returncode><meetingID>acme:room-1</meetingID><running>true</running></response>`)

	w := ta.do(t, tenant, http.MethodGet, "getMeetingInfo", bbb.NewParams("meetingID", "room-1"))
	node := requireEnvelope(t, w, "SUCCESS", "")
	require.Equal(t, "room-1", node.FindText("meetingID"))

	_, err := ta.store.FindMeeting(context.Background(), tenant.ID, "room-1")
	require.NoError(t, err)
}

func TestInsertDocumentStreamsBody(t *testing.T) {
	ta := newTestAPI(t)
	tenant := ta.seedTenant(t, "acme")
	_, fake := ta.addBackend(t, "alpha.example.org", 0)
	requireEnvelope(t, ta.do(t, tenant, http.MethodGet, "create",
		bbb.NewParams("meetingID", "room-1", "name", "Room One")), "SUCCESS", "")

	doc := `<?xml version="1.0"?><modules><module name="presentation"><document url="https://example.com/deck.pdf"/></module></modules>`
	params := bbb.NewParams("meetingID", "room-1")
	target := "/bigbluebutton/api/insertDocument?" + bbb.SignQuery("insertDocument", params, tenant.SigningSecret())
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(doc))
	req.Header.Set(ta.cfg.TenantHeader, tenant.Realm)
	req.Header.Set("Content-Type", "application/xml")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	calls := fake.calls("insertDocument")
	require.Len(t, calls, 1)
	require.Equal(t, http.MethodPost, calls[0].Method)
	require.Equal(t, "application/xml", calls[0].ContentType)
	require.Equal(t, doc, string(calls[0].Body))
	require.Equal(t, "acme:room-1", calls[0].Params.Get("meetingID"))
}
