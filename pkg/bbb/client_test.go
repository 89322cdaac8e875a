package bbb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend answers like a BBB server: it verifies the inbound checksum
// and echoes a canned envelope.
func fakeBackend(t *testing.T, secret string, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if _, err := VerifyQuery(action, r.URL.RawQuery, []string{secret}); err != nil {
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(ErrorResponse("checksumError", "checksum failed").EncodeString()))
			return
		}
		handler(w, r)
	}))
}

func TestClientDo(t *testing.T) {
	var gotMethod, gotQuery string
	backend := fakeBackend(t, testSecret, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<response><returncode>SUCCESS</returncode><running>true</running></response>`))
	})
	defer backend.Close()

	client := NewClient(backend.URL+"/bigbluebutton/api/", testSecret, backend.Client())
	resp, err := client.Do(context.Background(), "isMeetingRunning", NewParams("meetingID", "m1"), nil, "")
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Contains(t, gotQuery, "meetingID=m1")
	assert.True(t, resp.Success())
	assert.Equal(t, "true", resp.Field("running"))
}

func TestClientDoPostBody(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	backend := fakeBackend(t, testSecret, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<response><returncode>SUCCESS</returncode></response>`))
	})
	defer backend.Close()

	client := NewClient(backend.URL, testSecret, backend.Client())
	body := strings.NewReader("<modules/>")
	_, err := client.Do(context.Background(), "create", NewParams("meetingID", "m1", "name", "r"), body, "application/xml")
	require.NoError(t, err)

	assert.Equal(t, "<modules/>", string(gotBody))
	assert.Equal(t, "application/xml", gotContentType)
}

func TestClientJSONResponse(t *testing.T) {
	backend := fakeBackend(t, testSecret, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"response":{"returncode":"SUCCESS"}}`))
	})
	defer backend.Close()

	client := NewClient(backend.URL, testSecret, backend.Client())
	resp, err := client.Do(context.Background(), "insertDocument", NewParams("meetingID", "m1"), strings.NewReader("x"), "application/xml")
	require.NoError(t, err)

	assert.Nil(t, resp.XML)
	assert.JSONEq(t, `{"response":{"returncode":"SUCCESS"}}`, string(resp.JSON))
	assert.True(t, resp.Success())
}

func TestClientCallSurfacesBackendError(t *testing.T) {
	backend := fakeBackend(t, testSecret, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(ErrorResponse("notFound", "no such meeting").EncodeString()))
	})
	defer backend.Close()

	client := NewClient(backend.URL, testSecret, backend.Client())
	_, err := client.Call(context.Background(), "getMeetingInfo", NewParams("meetingID", "m1"))
	require.Error(t, err)

	bbbErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "notFound", bbbErr.MessageKey)
}

func TestClientChecksumAccepted(t *testing.T) {
	// The fake backend rejects bad checksums, so a plain success proves the
	// outbound signature is what a BBB server expects.
	backend := fakeBackend(t, testSecret, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<response><returncode>SUCCESS</returncode></response>`))
	})
	defer backend.Close()

	client := NewClient(backend.URL, testSecret, backend.Client())
	resp, err := client.Call(context.Background(), "getMeetings", Params{})
	require.NoError(t, err)
	assert.True(t, resp.Success())
}

func TestEncodeURI(t *testing.T) {
	client := NewClient("https://backend.example/bigbluebutton/api/", testSecret, nil)
	uri := client.EncodeURI("join", NewParams("meetingID", "m1", "fullName", "Ada"))

	assert.True(t, strings.HasPrefix(uri, "https://backend.example/bigbluebutton/api/join?"))
	rawQuery := uri[strings.Index(uri, "?")+1:]
	params, err := VerifyQuery("join", rawQuery, []string{testSecret})
	require.NoError(t, err)
	assert.Equal(t, "Ada", params.Get("fullName"))
}
