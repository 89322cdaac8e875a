package api

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/bbblb/bbblb/pkg/bbb"
	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/store"
)

// splitCSV splits a comma separated filter parameter, dropping empty and
// whitespace-only entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// getRecordings lists recordings from the balancer's own store. Backends are
// never asked: once imported, a recording exists independently of the server
// that produced it.
func (a *API) getRecordings(req *apiRequest) error {
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	params, err := req.requireQuery()
	if err != nil {
		return err
	}

	meta := map[string]string{}
	for _, key := range params.Keys() {
		if strings.HasPrefix(key, "meta_") {
			meta[strings.TrimPrefix(key, "meta_")] = params.Get(key)
		}
	}
	filter := store.RecordingFilter{
		MeetingIDs: splitCSV(params.Get("meetingID")),
		RecordIDs:  splitCSV(params.Get("recordID")),
		States:     splitCSV(params.Get("state")),
		Meta:       meta,
		Offset:     intParam(params.Get("offset"), -1),
		Limit:      intParam(params.Get("limit"), -1),
		MaxItems:   a.cfg.MaxItems,
	}

	recordings, err := a.store.ListRecordings(req.r.Context(), tenant.ID, filter)
	if err != nil {
		return err
	}

	result := bbb.SuccessResponse(bbb.NewNode("recordings"))
	list := result.Find("recordings")
	for _, rec := range recordings {
		list.Append(a.renderRecording(rec, tenant.Name))
	}
	return req.replyNode(result)
}

// renderRecording builds the BBB recording element. Playback fragments were
// captured verbatim at import time and may still carry the scoped meeting
// ID, so the finished element gets a fix-up pass.
func (a *API) renderRecording(rec *models.Recording, tenantName string) *bbb.Node {
	node := bbb.NewNode("recording",
		bbb.TextNode("recordID", rec.RecordID),
		bbb.TextNode("meetingID", rec.ExternalID),
		bbb.TextNode("internalMeetingID", rec.RecordID),
		bbb.TextNode("name", rec.Meta["meetingName"]),
		bbb.TextNode("isBreakout", metaDefault(rec.Meta, "isBreakout", "false")),
		bbb.TextNode("published", strconv.FormatBool(rec.State == models.RecordingPublished)),
		bbb.TextNode("state", string(rec.State)),
		bbb.TextNode("startTime", strconv.FormatInt(rec.Started.UnixMilli(), 10)),
		bbb.TextNode("endTime", strconv.FormatInt(rec.Ended.UnixMilli(), 10)),
		bbb.TextNode("participants", strconv.Itoa(rec.Participants)),
	)

	metadata := bbb.NewNode("metadata")
	keys := make([]string, 0, len(rec.Meta))
	for k := range rec.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		metadata.Append(bbb.TextNode(k, rec.Meta[k]))
	}
	node.Append(metadata)

	playback := bbb.NewNode("playback")
	for _, format := range rec.Formats {
		fragment, err := bbb.ParseXMLString(format.XML)
		if err != nil {
			a.log.Warn().Err(err).
				Str("record_id", rec.RecordID).
				Str("format", format.Format).
				Msg("skipping corrupt playback format")
			continue
		}
		playback.Append(fragment.Reroot("format"))
	}
	node.Append(playback)

	node.FixMeetingID(bbb.AddScope(rec.ExternalID, tenantName), rec.ExternalID)
	return node
}

func metaDefault(meta models.MetaMap, key, fallback string) string {
	if v, ok := meta[key]; ok {
		return v
	}
	return fallback
}

// publishRecordings toggles the publication state. The database row and the
// on-disk tree move together; a recording whose files cannot be moved keeps
// its previous state.
func (a *API) publishRecordings(req *apiRequest) error {
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	recordID, err := req.requireParam("recordID")
	if err != nil {
		return err
	}
	publishParam, err := req.requireParam("publish")
	if err != nil {
		return err
	}
	if a.importer == nil {
		return bbb.NewError("internalError", "Recording storage is not configured")
	}

	publish := strings.EqualFold(publishParam, "true")
	state := models.RecordingUnpublished
	if publish {
		state = models.RecordingPublished
	}

	matched, err := a.store.UpdateRecordingStates(req.r.Context(), tenant.ID, splitCSV(recordID), state, func(rec *models.Recording) error {
		if publish {
			return a.importer.Publish(tenant.Name, rec.RecordID)
		}
		return a.importer.Unpublish(tenant.Name, rec.RecordID)
	})
	if err != nil {
		return err
	}
	if matched == 0 {
		return bbb.NewError("notFound", "Unknown recording")
	}
	return req.replyNode(bbb.SuccessResponse(bbb.TextNode("published", strconv.FormatBool(publish))))
}

// deleteRecordings drops the rows immediately and removes the on-disk trees
// in the background. Unknown record IDs are still swept from disk, which
// also cleans up after imports that never made it into the database.
func (a *API) deleteRecordings(req *apiRequest) error {
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	recordID, err := req.requireParam("recordID")
	if err != nil {
		return err
	}

	recordIDs := splitCSV(recordID)
	if _, err := a.store.DeleteRecordings(req.r.Context(), tenant.ID, recordIDs); err != nil {
		return err
	}
	if a.importer != nil {
		for _, rid := range recordIDs {
			a.tasks.spawn("delete recording "+rid, func(ctx context.Context) error {
				return a.importer.Delete(tenant.Name, rid)
			})
		}
	}
	return req.replyNode(bbb.SuccessResponse(bbb.TextNode("deleted", "true")))
}

// updateRecordings patches recording metadata. Balancer tracking keys cannot
// be overwritten from the outside; an empty value removes the key.
func (a *API) updateRecordings(req *apiRequest) error {
	tenant, err := req.requireTenant()
	if err != nil {
		return err
	}
	params, err := req.requireQuery()
	if err != nil {
		return err
	}
	recordID, err := req.requireParam("recordID")
	if err != nil {
		return err
	}

	patch := map[string]string{}
	for _, key := range params.Keys() {
		if !strings.HasPrefix(key, "meta_") || strings.HasPrefix(key, "meta_bbblb-") {
			continue
		}
		patch[strings.TrimPrefix(key, "meta_")] = params.Get(key)
	}

	recordIDs := splitCSV(recordID)
	if _, err := a.store.PatchRecordingMeta(req.r.Context(), tenant.ID, recordIDs, patch); err != nil {
		return err
	}
	if a.importer != nil && len(patch) > 0 {
		for _, rid := range recordIDs {
			a.tasks.spawn("patch recording "+rid, func(ctx context.Context) error {
				return a.importer.PatchMetadata(tenant.Name, rid, patch)
			})
		}
	}
	return req.replyNode(bbb.SuccessResponse(bbb.TextNode("updated", "true")))
}
