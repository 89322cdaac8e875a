package bbb

import "strings"

// MaxMeetingIDLen is the longest meeting ID BBB backends accept. Scoped IDs
// must stay within this bound including the tenant prefix.
const MaxMeetingIDLen = 256

// AddScope namespaces an external meeting ID under a tenant. Tenant names
// must not contain the separator (enforced at tenant creation), which keeps
// the encoding reversible.
func AddScope(meetingID, tenant string) string {
	return tenant + ":" + meetingID
}

// ExtractScope splits a scoped meeting ID on the first separator into the
// original external ID and the tenant scope. IDs without a separator carry
// no scope.
func ExtractScope(scopedID string) (meetingID, tenant string) {
	if tenant, meetingID, ok := strings.Cut(scopedID, ":"); ok {
		return meetingID, tenant
	}
	return scopedID, ""
}
