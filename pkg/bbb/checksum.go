package bbb

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Checksum computes the BBB SHA1 request checksum over
// action + queryString + secret, as lowercase hex.
func Checksum(action, query, secret string) string {
	sum := sha1.Sum([]byte(action + query + secret))
	return hex.EncodeToString(sum[:])
}

// checksum256 is the SHA256 variant newer frontends send.
func checksum256(action, query, secret string) string {
	sum := sha256.Sum256([]byte(action + query + secret))
	return hex.EncodeToString(sum[:])
}

// SignQuery serializes params and appends a SHA1 checksum parameter. The
// returned string is the exact query to put on the wire; re-encoding it
// would invalidate the signature.
func SignQuery(action string, params Params, secret string) string {
	query := params.Encode()
	checksum := Checksum(action, query, secret)
	if query == "" {
		return "checksum=" + checksum
	}
	return query + "&checksum=" + checksum
}

// VerifyQuery checks the checksum parameter of an inbound raw query string
// against a list of accepted secrets and returns the remaining parameters.
// The checksum is computed over the query exactly as received (minus the
// checksum parameter itself), never over a re-encoding. Checksums of length
// 40 are compared as SHA1, of length 64 as SHA256; comparisons are constant
// time per candidate secret.
func VerifyQuery(action, rawQuery string, secrets []string) (Params, error) {
	var checksum string
	segments := strings.Split(rawQuery, "&")
	remaining := segments[:0]
	for _, segment := range segments {
		if value, ok := strings.CutPrefix(segment, "checksum="); ok && checksum == "" {
			checksum = value
			continue
		}
		if segment != "" {
			remaining = append(remaining, segment)
		}
	}
	if checksum == "" {
		return Params{}, ErrChecksum()
	}
	checksum = strings.ToLower(checksum)

	query := strings.Join(remaining, "&")
	matched := false
	for _, secret := range secrets {
		var candidate string
		switch len(checksum) {
		case 2 * sha1.Size:
			candidate = Checksum(action, query, secret)
		case 2 * sha256.Size:
			candidate = checksum256(action, query, secret)
		default:
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(checksum)) == 1 {
			matched = true
		}
	}
	if !matched {
		return Params{}, ErrChecksum()
	}
	return ParseParams(query)
}
