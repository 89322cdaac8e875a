package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bbblb/bbblb/pkg/bbb"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/store"
)

const (
	testGlobalSecret  = "global-secret-0123456789abcdef-0123456789"
	testTenantSecret  = "tenant-secret-0123456789abcdef-0123456789"
	testBackendSecret = "backend-secret-0123456789abcdef-012345678"
)

// rewriteTransport sends requests for registered backend domains to their
// local fake instead of the network. Everything else (webhook forwards to
// httptest URLs) passes through untouched.
type rewriteTransport struct {
	mu       sync.Mutex
	backends map[string]string
}

func newRewriteTransport() *rewriteTransport {
	return &rewriteTransport{backends: map[string]string{}}
}

func (rt *rewriteTransport) route(domain string, ts *httptest.Server) {
	u, err := url.Parse(ts.URL)
	if err != nil {
		panic(err)
	}
	rt.mu.Lock()
	rt.backends[domain] = u.Host
	rt.mu.Unlock()
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	host, ok := rt.backends[req.URL.Host]
	rt.mu.Unlock()
	if ok {
		req = req.Clone(req.Context())
		req.URL.Scheme = "http"
		req.URL.Host = host
	}
	return http.DefaultTransport.RoundTrip(req)
}

// backendRequest is one call captured by a fakeBackend.
type backendRequest struct {
	Method      string
	Action      string
	RawQuery    string
	Params      bbb.Params
	Body        []byte
	ContentType string
}

// fakeBackend speaks just enough of the BBB server API for the mediator:
// it records every call and answers with a canned envelope per action,
// defaulting to a bare SUCCESS.
type fakeBackend struct {
	*httptest.Server

	mu        sync.Mutex
	requests  []backendRequest
	responses map[string]string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{responses: map[string]string{}}
	fb.Server = httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	action := path.Base(r.URL.Path)
	params, _ := bbb.ParseParams(r.URL.RawQuery)
	body, _ := io.ReadAll(r.Body)

	fb.mu.Lock()
	fb.requests = append(fb.requests, backendRequest{
		Method:      r.Method,
		Action:      action,
		RawQuery:    r.URL.RawQuery,
		Params:      params,
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
	})
	resp, ok := fb.responses[action]
	fb.mu.Unlock()

	if !ok {
		resp = `<response><returncode>SUCCESS</returncode></response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	io.WriteString(w, resp)
}

func (fb *fakeBackend) respond(action, xml string) {
	fb.mu.Lock()
	fb.responses[action] = xml
	fb.mu.Unlock()
}

func (fb *fakeBackend) calls(action string) []backendRequest {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []backendRequest
	for _, req := range fb.requests {
		if req.Action == action {
			out = append(out, req)
		}
	}
	return out
}

// importerCall is one recorded fakeImporter invocation.
type importerCall struct {
	Op       string
	Tenant   string
	RecordID string
	Patch    map[string]string
}

type fakeImporter struct {
	mu       sync.Mutex
	calls    []importerCall
	fail     map[string]error
	uploaded []byte
}

func (f *fakeImporter) StartImport(ctx context.Context, stream io.Reader, forceTenant string) (string, error) {
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["import"]; err != nil {
		return "", err
	}
	f.uploaded = data
	f.calls = append(f.calls, importerCall{Op: "import", Tenant: forceTenant})
	return "import-0001", nil
}

func (f *fakeImporter) Publish(tenant, recordID string) error {
	return f.record("publish", tenant, recordID)
}

func (f *fakeImporter) Unpublish(tenant, recordID string) error {
	return f.record("unpublish", tenant, recordID)
}

func (f *fakeImporter) Delete(tenant, recordID string) error {
	return f.record("delete", tenant, recordID)
}

func (f *fakeImporter) PatchMetadata(tenant, recordID string, patch map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["patch"]; err != nil {
		return err
	}
	f.calls = append(f.calls, importerCall{Op: "patch", Tenant: tenant, RecordID: recordID, Patch: patch})
	return nil
}

func (f *fakeImporter) record(op, tenant, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[op]; err != nil {
		return err
	}
	f.calls = append(f.calls, importerCall{Op: op, Tenant: tenant, RecordID: recordID})
	return nil
}

func (f *fakeImporter) failWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]error{}
	}
	f.fail[op] = err
}

func (f *fakeImporter) ops(op string) []importerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []importerCall
	for _, call := range f.calls {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// testAPI bundles a full HTTP surface with an in-memory store, a routing
// transport for fake backends, and a fake recording importer.
type testAPI struct {
	api       *API
	handler   http.Handler
	store     *store.GORMStore
	cfg       *config.Config
	transport *rewriteTransport
	importer  *fakeImporter
}

func newTestAPI(t *testing.T, opts ...func(*config.Config)) *testAPI {
	t.Helper()

	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.GetDefaultConfig()
	cfg.Domain = "balancer.example.com"
	cfg.Secret = testGlobalSecret
	cfg.WebhookRetry = 1
	for _, opt := range opts {
		opt(cfg)
	}

	transport := newRewriteTransport()
	importer := &fakeImporter{}
	a := New(st, cfg, importer, &http.Client{Transport: transport})
	t.Cleanup(func() { a.Stop(context.Background()) })

	return &testAPI{
		api:       a,
		handler:   a.Router(),
		store:     st,
		cfg:       cfg,
		transport: transport,
		importer:  importer,
	}
}

// drain waits for spawned background work. The API is unusable afterwards.
func (ta *testAPI) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, ta.api.Stop(context.Background()))
}

func (ta *testAPI) seedTenant(t *testing.T, name string) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{
		Name:    name,
		Realm:   name + ".example.com",
		Secret:  testTenantSecret,
		Enabled: true,
	}
	id, err := ta.store.CreateTenant(context.Background(), tenant)
	require.NoError(t, err)
	tenant.ID = id
	return tenant
}

func (ta *testAPI) seedServer(t *testing.T, domain string, health models.ServerHealth, load float64) *models.Server {
	t.Helper()
	server := &models.Server{
		Domain:  domain,
		Secret:  testBackendSecret,
		Enabled: true,
		Health:  health,
		Load:    load,
	}
	id, err := ta.store.CreateServer(context.Background(), server)
	require.NoError(t, err)
	server.ID = id
	return server
}

// addBackend seeds an available server and wires a fake in front of it.
func (ta *testAPI) addBackend(t *testing.T, domain string, load float64) (*models.Server, *fakeBackend) {
	t.Helper()
	server := ta.seedServer(t, domain, models.HealthAvailable, load)
	fb := newFakeBackend(t)
	ta.transport.route(domain, fb.Server)
	return server, fb
}

// seedRecording stores an imported recording with one presentation format.
func (ta *testAPI) seedRecording(t *testing.T, tenant *models.Tenant, recordID, externalID string, state models.RecordingState, meta map[string]string) *models.Recording {
	t.Helper()
	rec := &models.Recording{
		RecordID:     recordID,
		TenantID:     &tenant.ID,
		ExternalID:   externalID,
		State:        state,
		Meta:         models.MetaMap(meta),
		Started:      time.UnixMilli(1700000000000),
		Ended:        time.UnixMilli(1700000600000),
		Participants: 5,
	}
	saved, err := ta.store.UpsertRecording(context.Background(), rec)
	require.NoError(t, err)
	formatXML := `<format><type>presentation</type><url>https://balancer.example.com/playback/presentation/2.3/` + recordID + `</url></format>`
	require.NoError(t, ta.store.UpsertPlaybackFormat(context.Background(), saved.ID, "presentation", formatXML))
	return saved
}

// do sends a checksummed API request on behalf of the tenant.
func (ta *testAPI) do(t *testing.T, tenant *models.Tenant, method, action string, params bbb.Params) *httptest.ResponseRecorder {
	t.Helper()
	target := "/bigbluebutton/api/" + action + "?" + bbb.SignQuery(action, params, tenant.SigningSecret())
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set(ta.cfg.TenantHeader, tenant.Realm)
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)
	return w
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) *bbb.Node {
	t.Helper()
	node, err := bbb.ParseXMLString(w.Body.String())
	require.NoError(t, err)
	return node
}

// requireEnvelope asserts returncode (and messageKey, when non-empty) of a
// BBB XML answer and returns the parsed tree.
func requireEnvelope(t *testing.T, w *httptest.ResponseRecorder, returncode, messageKey string) *bbb.Node {
	t.Helper()
	node := parseResponse(t, w)
	require.Equal(t, returncode, node.FindText("returncode"))
	if messageKey != "" {
		require.Equal(t, messageKey, node.FindText("messageKey"))
	}
	return node
}
