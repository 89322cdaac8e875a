package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bbblb/bbblb/internal/telemetry"
	"github.com/bbblb/bbblb/pkg/bbb"
	"github.com/bbblb/bbblb/pkg/models"
)

// branding appears in the index response so operators can tell balancer
// answers from backend answers.
const branding = "bbblb"

// apiRequest carries the per-request state of one BBB API call. Tenant,
// verified query and meeting are resolved lazily and cached, mirroring the
// order the checks must run in: tenant before checksum, checksum before
// parameters.
type apiRequest struct {
	api    *API
	w      http.ResponseWriter
	r      *http.Request
	action string

	tenant    *models.Tenant
	params    bbb.Params
	hasParams bool
	meeting   *models.Meeting
	body      []byte
	hasBody   bool
}

// action wraps a BBB endpoint handler with the error-to-envelope conversion.
// Handler errors that are not BBB errors are logged in full and surface as a
// generic internalError; their detail never reaches the frontend.
func (a *API) action(name string, handle func(*apiRequest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartAPISpan(r.Context(), name, "")
		defer span.End()

		req := &apiRequest{api: a, w: w, r: r.WithContext(ctx), action: name}
		err := handle(req)
		if err == nil {
			return
		}

		var apiErr *bbb.Error
		if !errors.As(err, &apiErr) {
			telemetry.RecordError(ctx, err)
			a.log.Error().Err(err).Str("action", name).Msg("unhandled API error")
			apiErr = bbb.NewErrorStatus("internalError", "internal error", http.StatusInternalServerError)
		}
		a.writeXML(w, apiErr.XML(), apiErr.Status)
	}
}

// requireTenant resolves the tenant addressed by the realm header. A missing
// header, an unknown realm and a disabled tenant all yield the same
// checksumError so probing requests learn nothing.
func (req *apiRequest) requireTenant() (*models.Tenant, error) {
	if req.tenant != nil {
		return req.tenant, nil
	}
	realm := req.r.Header.Get(req.api.cfg.TenantHeader)
	tenant, err := req.api.store.GetTenantByRealm(req.r.Context(), realm)
	if err != nil {
		if errors.Is(err, models.ErrTenantNotFound) {
			return nil, bbb.NewError("checksumError", "Unknown tenant, unable to perform checksum security check")
		}
		return nil, err
	}
	telemetry.SetAttributes(req.r.Context(), telemetry.Tenant(tenant.Name))
	req.tenant = tenant
	return tenant, nil
}

// requireQuery returns the request parameters with the checksum verified
// against the tenant's secrets. Some frontends POST the query string as a
// form body; that is only honored when the URL carries no query at all, so
// parameters cannot be split across both places.
func (req *apiRequest) requireQuery() (*bbb.Params, error) {
	if req.hasParams {
		return &req.params, nil
	}
	tenant, err := req.requireTenant()
	if err != nil {
		return nil, err
	}

	rawQuery := req.r.URL.RawQuery
	if rawQuery == "" && req.r.Method == http.MethodPost &&
		strings.HasPrefix(req.r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		body, err := req.readBody()
		if err != nil {
			return nil, bbb.NewError("checksumError", "Request body too large, could not verify checksum")
		}
		rawQuery = string(body)
	}

	params, err := bbb.VerifyQuery(req.action, rawQuery, tenant.Secrets())
	if err != nil {
		return nil, err
	}
	req.params = params
	req.hasParams = true
	return &req.params, nil
}

// requireParam returns a verified query parameter, failing with the
// endpoint-specific missingParameter error when absent.
func (req *apiRequest) requireParam(name string) (string, error) {
	params, err := req.requireQuery()
	if err != nil {
		return "", err
	}
	if !params.Has(name) {
		return "", bbb.MissingParameter(name)
	}
	return params.Get(name), nil
}

// requireMeeting resolves the meeting named by the meetingID parameter,
// accepting both the external ID the frontend created it with and the
// internal ID the backend assigned.
func (req *apiRequest) requireMeeting() (*models.Meeting, error) {
	if req.meeting != nil {
		return req.meeting, nil
	}
	tenant, err := req.requireTenant()
	if err != nil {
		return nil, err
	}
	meetingID, err := req.requireParam("meetingID")
	if err != nil {
		return nil, err
	}
	meeting, err := req.api.store.FindMeeting(req.r.Context(), tenant.ID, meetingID)
	if err != nil {
		if errors.Is(err, models.ErrMeetingNotFound) {
			return nil, bbb.NewError("notFound", "We could not find a meeting with that meeting ID - perhaps the meeting is not yet running?")
		}
		return nil, err
	}
	req.meeting = meeting
	return meeting, nil
}

// readBody buffers the request body, bounded by the configured size limit.
func (req *apiRequest) readBody() ([]byte, error) {
	if req.hasBody {
		return req.body, nil
	}
	limit := int64(req.api.cfg.MaxBody)
	body, err := io.ReadAll(io.LimitReader(req.r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, bbb.NewErrorStatus("clientError", "Request body too large", http.StatusRequestEntityTooLarge)
	}
	req.body = body
	req.hasBody = true
	return body, nil
}

// reply streams an upstream response back to the frontend, keeping the
// backend's status code and answer format.
func (req *apiRequest) reply(resp *bbb.Response) error {
	if resp.JSON != nil {
		req.w.Header().Set("Content-Type", "application/json")
		req.w.WriteHeader(resp.Status)
		_, err := req.w.Write(resp.JSON)
		return err
	}
	req.api.writeXML(req.w, resp.XML, resp.Status)
	return nil
}

// replyNode answers with a locally built envelope.
func (req *apiRequest) replyNode(node *bbb.Node) error {
	req.api.writeXML(req.w, node, http.StatusOK)
	return nil
}

func (a *API) writeXML(w http.ResponseWriter, node *bbb.Node, status int) {
	raw, err := node.Encode()
	if err != nil {
		a.log.Error().Err(err).Msg("encoding response envelope")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml;charset=utf-8")
	w.WriteHeader(status)
	w.Write(raw)
}

// index answers the API root probe frontends use to discover the version.
func (a *API) index(req *apiRequest) error {
	return req.replyNode(bbb.SuccessResponse(
		bbb.TextNode("version", "2.0"),
		bbb.TextNode("info", "Served by "+branding),
	))
}

// notImplemented answers the endpoints a balancer cannot meaningfully
// provide: getJoinUrl is backend-only and text tracks would require caption
// processing on a backend that may no longer hold the recording.
func (a *API) notImplemented(req *apiRequest) error {
	return bbb.ErrNotImplemented()
}
