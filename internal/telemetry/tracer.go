package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used across spans. Request-scoped keys follow OTel
// semantic conventions where one exists; balancer-specific keys use their
// own prefix.
const (
	AttrTenant          = "tenant.name"
	AttrServer          = "server.domain"
	AttrAction          = "bbb.action"
	AttrMeetingID       = "meeting.external_id"
	AttrInternalMeeting = "meeting.internal_id"
	AttrCallbackType    = "callback.type"
	AttrRecordID        = "recording.record_id"
	AttrImportID        = "import.id"
)

// Span names for operations that are not derived from a request parameter.
const (
	SpanPollRound  = "poll.round"
	SpanPollServer = "poll.server"
	SpanImportJob  = "import.job"
)

// Tenant returns an attribute for the tenant a request was mediated for.
func Tenant(name string) attribute.KeyValue {
	return attribute.String(AttrTenant, name)
}

// Server returns an attribute for a backend server domain.
func Server(domain string) attribute.KeyValue {
	return attribute.String(AttrServer, domain)
}

// Action returns an attribute for the BBB API action name.
func Action(name string) attribute.KeyValue {
	return attribute.String(AttrAction, name)
}

// MeetingID returns an attribute for the tenant-visible meeting ID.
func MeetingID(id string) attribute.KeyValue {
	return attribute.String(AttrMeetingID, id)
}

// InternalMeetingID returns an attribute for the backend meeting ID.
func InternalMeetingID(id string) attribute.KeyValue {
	return attribute.String(AttrInternalMeeting, id)
}

// CallbackType returns an attribute for a callback type (end, rec).
func CallbackType(t string) attribute.KeyValue {
	return attribute.String(AttrCallbackType, t)
}

// RecordID returns an attribute for a recording ID.
func RecordID(id string) attribute.KeyValue {
	return attribute.String(AttrRecordID, id)
}

// ImportID returns an attribute for a recording import job.
func ImportID(id string) attribute.KeyValue {
	return attribute.String(AttrImportID, id)
}

// StartAPISpan starts a span for a mediated BBB API action, named
// "api.<action>" and annotated with the tenant.
func StartAPISpan(ctx context.Context, action, tenant string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{Action(action), Tenant(tenant)}, attrs...)
	return StartSpan(ctx, "api."+action, trace.WithAttributes(allAttrs...))
}

// StartPollSpan starts a span for polling a single backend server.
func StartPollSpan(ctx context.Context, server string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{Server(server)}, attrs...)
	return StartSpan(ctx, SpanPollServer, trace.WithAttributes(allAttrs...))
}

// StartImportSpan starts a span for one recording import job.
func StartImportSpan(ctx context.Context, importID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{ImportID(importID)}, attrs...)
	return StartSpan(ctx, SpanImportJob, trace.WithAttributes(allAttrs...))
}
