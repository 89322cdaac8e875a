package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bbblb/bbblb/internal/metrics"
	"github.com/bbblb/bbblb/internal/telemetry"
	"github.com/bbblb/bbblb/pkg/bbb"
	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/override"
)

// proxiedCallbackParams lists the create parameters carrying JWT-based
// callbacks that the balancer proxies: the payload is verified against the
// backend's secret and re-signed with the tenant's before forwarding.
var proxiedCallbackParams = []string{"meta_analytics-callback-url"}

// endCallbackMAC authenticates the END callback URL for a meeting. The
// backend calls the URL without any signed payload, so the URL itself
// carries the proof that the balancer minted it.
func endCallbackMAC(secret, meetingUUID string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("bbblb:callback:end:" + meetingUUID))
	return mac.Sum(nil)
}

func (a *API) callbackURL(parts ...string) string {
	return "https://" + a.cfg.Domain + "/api/v1/callback/" + strings.Join(parts, "/")
}

// backendClient returns a signed API client for the server a meeting lives on.
func (a *API) backendClient(server *models.Server) *bbb.Client {
	return bbb.NewClient(server.APIBase(), server.Secret, a.http)
}

// callTimeout bounds control-plane backend calls. Streaming calls keep the
// request context so large bodies are not cut off.
func callTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, bbb.DefaultTimeout)
}

// create dispatches a meeting to a backend server.
//
// Phase one binds the meeting in the database: an existing binding wins,
// otherwise the least loaded available server is chosen and its load bumped
// in the same transaction. Phase two rewrites the parameters (scoped ID,
// tracking metadata, intercepted callbacks, tenant overrides) and forwards
// the call. A backend failure after a fresh binding rolls the binding and
// its callbacks back, so a frontend retry may pick a different server.
func (a *API) create(req *apiRequest) error {
	ctx := req.r.Context()
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	params, err := req.requireQuery()
	if err != nil {
		return err
	}
	unscopedID, err := req.requireParam("meetingID")
	if err != nil {
		return err
	}
	if _, err := req.requireParam("name"); err != nil {
		return err
	}

	scopedID := bbb.AddScope(unscopedID, tenant.Name)
	if len(scopedID) > bbb.MaxMeetingIDLen {
		maxLen := bbb.MaxMeetingIDLen - (len(scopedID) - len(unscopedID))
		return bbb.NewError("sizeError", fmt.Sprintf("Meeting ID must be between 2 and %d characters", maxLen))
	}

	loadBump := a.cfg.LoadFactorInitial + a.cfg.LoadFactorMeeting
	meeting, created, err := a.store.AcquireMeeting(ctx, tenant.ID, unscopedID, loadBump)
	if err != nil {
		if errors.Is(err, models.ErrNoServerAvailable) {
			return bbb.NewError("internalError", "No suitable servers available.")
		}
		return err
	}
	telemetry.SetAttributes(ctx,
		telemetry.MeetingID(unscopedID),
		telemetry.Server(meeting.Server.Domain),
	)

	// The parameters are rewritten on every create, not only the first: a
	// frontend retrying an existing meeting must reach the backend with the
	// same scoped ID and callback URLs as the original call.
	params.Set("meetingID", scopedID)
	params.Set("meta_bbblb-uuid", meeting.UUID)
	params.Set("meta_bbblb-origin", a.cfg.Domain)
	params.Set("meta_bbblb-tenant", tenant.Name)
	params.Set("meta_bbblb-server", meeting.Server.Domain)

	callbacks := a.interceptCallbacks(params, meeting, created)
	if created && len(callbacks) > 0 {
		if err := a.store.CreateCallbacks(ctx, callbacks); err != nil {
			return err
		}
	}

	// Tenant overrides apply last so operator policy beats frontend wishes.
	rules, err := tenant.OverrideMap()
	if err != nil {
		return err
	}
	if len(rules) > 0 {
		set, err := override.FromMap(rules)
		if err != nil {
			return err
		}
		set.Apply(params)
	}

	resp, err := a.forwardCreate(req, meeting, params)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		if created {
			a.log.Error().Err(err).
				Str("meeting", unscopedID).
				Str("tenant", tenant.Name).
				Str("server", meeting.Server.Domain).
				Msg("backend rejected create, rolling back meeting")
			cleanupCtx := context.WithoutCancel(ctx)
			if dErr := a.store.DeleteMeetingWithCallbacks(cleanupCtx, meeting.ID); dErr != nil && !errors.Is(dErr, models.ErrMeetingNotFound) {
				a.log.Error().Err(dErr).Str("meeting", unscopedID).Msg("create rollback failed")
			}
		}
		return err
	}

	if created {
		if internalID := resp.Field("internalMeetingID"); internalID != "" {
			if err := a.store.SetMeetingInternalID(ctx, meeting.ID, internalID); err != nil {
				a.log.Error().Err(err).Str("meeting", unscopedID).Msg("storing internal meeting ID")
			}
		}
		a.log.Info().
			Str("meeting", unscopedID).
			Str("tenant", tenant.Name).
			Str("server", meeting.Server.Domain).
			Msg("meeting created")
		metrics.IncMeetingCreated(tenant.Name)
	}

	resp.XML.FixMeetingID(scopedID, unscopedID)
	return req.reply(resp)
}

// forwardCreate issues the rewritten create call, passing a pre-upload
// document body through when the frontend sent one.
func (a *API) forwardCreate(req *apiRequest, meeting *models.Meeting, params *bbb.Params) (*bbb.Response, error) {
	var body io.Reader
	ctype := req.r.Header.Get("Content-Type")
	if strings.HasPrefix(ctype, "application/xml") {
		raw, err := req.readBody()
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	return a.backendClient(meeting.Server).Do(req.r.Context(), "create", *params, body, ctype)
}

// interceptCallbacks rewrites the callback parameters of a create call so
// that the backend reports to the balancer instead of the frontend. The
// returned rows remember the original URLs; they are only persisted for
// fresh meetings, since an existing meeting registered its callbacks on the
// create call that made it.
func (a *API) interceptCallbacks(params *bbb.Params, meeting *models.Meeting, isNew bool) []*models.Callback {
	var callbacks []*models.Callback
	row := func(cbType, forward string) *models.Callback {
		return &models.Callback{
			UUID:     meeting.UUID,
			Type:     cbType,
			TenantID: meeting.TenantID,
			ServerID: meeting.ServerID,
			Forward:  forward,
		}
	}

	// The end-of-meeting callback carries no signed payload, so the
	// replacement URL embeds its own HMAC.
	origURL, _ := params.Del("meetingEndedURL")
	if origURL != "" && isNew {
		callbacks = append(callbacks, row(models.CallbackTypeEnd, origURL))
	}
	sig := hex.EncodeToString(endCallbackMAC(a.cfg.Secret, meeting.UUID))
	params.Set("meetingEndedURL", a.callbackURL(meeting.UUID, "end", sig))

	// Recording-ready callbacks fire only after the recording was imported
	// into the balancer, so the backend must not see them at all.
	for _, key := range params.Keys() {
		if !strings.HasPrefix(key, "meta_") || !strings.HasSuffix(key, "-recording-ready-url") {
			continue
		}
		forward, _ := params.Del(key)
		if forward != "" && isNew {
			callbacks = append(callbacks, row(models.CallbackTypeRec, forward))
		}
	}

	// JWT-based callbacks are proxied: the balancer re-signs their payload
	// with the tenant secret, so the frontend keeps verifying one key.
	for _, key := range proxiedCallbackParams {
		forward, ok := params.Del(key)
		if !ok || forward == "" {
			continue
		}
		cbType := strings.TrimSuffix(strings.TrimPrefix(key, "meta_"), "-callback-url")
		if isNew {
			callbacks = append(callbacks, row(cbType, forward))
		}
		params.Set(key, a.callbackURL(meeting.UUID, cbType))
	}

	return callbacks
}

// join bumps the chosen server's load estimate and redirects the client to
// the backend's signed join URL. The browser talks to the backend directly
// from here on.
func (a *API) join(req *apiRequest) error {
	ctx := req.r.Context()
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	params, err := req.requireQuery()
	if err != nil {
		return err
	}
	unscopedID, err := req.requireParam("meetingID")
	if err != nil {
		return err
	}
	meeting, err := req.requireMeeting()
	if err != nil {
		return err
	}

	if err := a.store.IncrementServerLoad(ctx, meeting.ServerID, a.cfg.LoadFactorSize); err != nil {
		return err
	}

	params.Set("meetingID", bbb.AddScope(unscopedID, tenant.Name))
	http.Redirect(req.w, req.r, a.backendClient(meeting.Server).EncodeURI("join", *params), http.StatusFound)
	return nil
}

// end forgets the meeting locally first and then asks the backend to end it
// best-effort. The backend's answer passes through verbatim; a notFound
// there just means the meeting was already gone.
func (a *API) end(req *apiRequest) error {
	ctx := req.r.Context()
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	params, err := req.requireQuery()
	if err != nil {
		return err
	}
	unscopedID, err := req.requireParam("meetingID")
	if err != nil {
		return err
	}
	meeting, err := req.requireMeeting()
	if err != nil {
		return err
	}

	if err := a.store.DeleteMeeting(ctx, meeting.ID); err != nil && !errors.Is(err, models.ErrMeetingNotFound) {
		return err
	}
	metrics.IncMeetingEnded(tenant.Name)

	scopedID := bbb.AddScope(unscopedID, tenant.Name)
	params.Set("meetingID", scopedID)
	callCtx, cancel := callTimeout(ctx)
	defer cancel()
	resp, err := a.backendClient(meeting.Server).Do(callCtx, "end", *params, nil, "")
	if err != nil {
		return err
	}
	resp.XML.FixMeetingID(scopedID, unscopedID)
	return req.reply(resp)
}

// isMeetingRunning reports liveness. A meeting unknown to the balancer is
// simply not running; a meeting the backend reports as not running is
// forgotten so the next create may rebalance it.
func (a *API) isMeetingRunning(req *apiRequest) error {
	ctx := req.r.Context()
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	params, err := req.requireQuery()
	if err != nil {
		return err
	}
	unscopedID, err := req.requireParam("meetingID")
	if err != nil {
		return err
	}

	meeting, err := req.requireMeeting()
	if err != nil {
		var apiErr *bbb.Error
		if errors.As(err, &apiErr) && apiErr.MessageKey == "notFound" {
			return req.replyNode(bbb.SuccessResponse(bbb.TextNode("running", "false")))
		}
		return err
	}

	scopedID := bbb.AddScope(unscopedID, tenant.Name)
	params.Set("meetingID", scopedID)
	callCtx, cancel := callTimeout(ctx)
	defer cancel()
	resp, err := a.backendClient(meeting.Server).Do(callCtx, "isMeetingRunning", *params, nil, "")
	if err != nil {
		return err
	}

	if resp.Field("running") == "false" {
		if err := a.store.DeleteMeeting(ctx, meeting.ID); err != nil && !errors.Is(err, models.ErrMeetingNotFound) {
			return err
		}
	}

	resp.XML.FixMeetingID(scopedID, unscopedID)
	return req.reply(resp)
}

// getMeetings fans out to every backend currently hosting a meeting of the
// tenant and merges the answers. Only meetings that carry the tenant's
// tracking metadata and scope prefix make it into the result; other tenants
// sharing the same backend stay invisible.
func (a *API) getMeetings(req *apiRequest) error {
	ctx := req.r.Context()
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	params, err := req.requireQuery()
	if err != nil {
		return err
	}

	servers, err := a.store.ServersWithTenantMeetings(ctx, tenant.ID)
	if err != nil {
		return err
	}

	responses := make([]*bbb.Response, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, server := range servers {
		g.Go(func() error {
			callCtx, cancel := callTimeout(gctx)
			defer cancel()
			resp, err := a.backendClient(server).Do(callCtx, "getMeetings", *params, nil, "")
			if err != nil {
				return fmt.Errorf("%s: %w", server.Domain, err)
			}
			if err := resp.Err(); err != nil {
				return fmt.Errorf("%s: %w", server.Domain, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Error().Err(err).Str("tenant", tenant.Name).Msg("getMeetings fan-out failed")
		return err
	}

	result := bbb.SuccessResponse(bbb.NewNode("meetings"))
	merged := result.Find("meetings")
	for _, resp := range responses {
		for _, meetingXML := range resp.XML.FindAll("meetings/meeting") {
			if meetingXML.FindText("metadata/bbblb-tenant") != tenant.Name {
				continue
			}
			scopedID := meetingXML.FindText("meetingID")
			unscopedID, scope := bbb.ExtractScope(scopedID)
			if scope != tenant.Name {
				continue
			}
			meetingXML.FixMeetingID(scopedID, unscopedID)
			merged.Append(meetingXML)
		}
	}
	return req.replyNode(result)
}

// getMeetingInfo proxies to the hosting backend and forgets the meeting when
// the backend no longer knows it.
func (a *API) getMeetingInfo(req *apiRequest) error {
	return a.proxyMeetingCall(req, "getMeetingInfo")
}

// sendChatMessage proxies to the hosting backend, with the same liveness
// handling as getMeetingInfo.
func (a *API) sendChatMessage(req *apiRequest) error {
	return a.proxyMeetingCall(req, "sendChatMessage")
}

// proxyMeetingCall forwards a meeting-bound call verbatim. An upstream
// notFound forgets the local binding but still passes through, so the
// frontend sees the backend's answer.
func (a *API) proxyMeetingCall(req *apiRequest, action string) error {
	ctx := req.r.Context()
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	params, err := req.requireQuery()
	if err != nil {
		return err
	}
	unscopedID, err := req.requireParam("meetingID")
	if err != nil {
		return err
	}
	meeting, err := req.requireMeeting()
	if err != nil {
		return err
	}

	scopedID := bbb.AddScope(unscopedID, tenant.Name)
	params.Set("meetingID", scopedID)
	callCtx, cancel := callTimeout(ctx)
	defer cancel()
	resp, err := a.backendClient(meeting.Server).Do(callCtx, action, *params, nil, "")
	if err != nil {
		return err
	}

	if resp.MessageKey() == "notFound" {
		if err := a.store.DeleteMeeting(ctx, meeting.ID); err != nil && !errors.Is(err, models.ErrMeetingNotFound) {
			return err
		}
	}

	resp.XML.FixMeetingID(scopedID, unscopedID)
	return req.reply(resp)
}

// insertDocument streams the document body through to the hosting backend
// without buffering it. The backend answers JSON here, which passes through
// as-is.
func (a *API) insertDocument(req *apiRequest) error {
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	params, err := req.requireQuery()
	if err != nil {
		return err
	}
	unscopedID, err := req.requireParam("meetingID")
	if err != nil {
		return err
	}
	meeting, err := req.requireMeeting()
	if err != nil {
		return err
	}

	params.Set("meetingID", bbb.AddScope(unscopedID, tenant.Name))
	ctype := req.r.Header.Get("Content-Type")
	resp, err := a.backendClient(meeting.Server).Do(req.r.Context(), "insertDocument", *params, req.r.Body, ctype)
	if err != nil {
		return err
	}
	return req.reply(resp)
}
