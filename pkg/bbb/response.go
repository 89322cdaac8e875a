package bbb

import "net/http"

// Response is a parsed backend answer. XML carries the envelope tree for XML
// answers; JSON carries the raw body for endpoints that answer JSON
// (insertDocument). Exactly one of the two is set.
type Response struct {
	XML    *Node
	JSON   []byte
	Status int
}

// NewResponse wraps an envelope tree built locally.
func NewResponse(node *Node) *Response {
	return &Response{XML: node, Status: http.StatusOK}
}

// Returncode returns the envelope returncode, or "" for JSON responses.
func (r *Response) Returncode() string {
	if r.XML == nil {
		return ""
	}
	return r.XML.FindText("returncode")
}

// Success reports whether the backend answered SUCCESS. JSON responses count
// as success; errors there surface as transport failures.
func (r *Response) Success() bool {
	if r.XML == nil {
		return true
	}
	return r.Returncode() == "SUCCESS"
}

// MessageKey returns the envelope messageKey of a failed response, or "".
func (r *Response) MessageKey() string {
	if r.XML == nil || r.Success() {
		return ""
	}
	return r.XML.FindText("messageKey")
}

// Field returns the text of a direct or nested envelope field, addressed by
// a slash-separated path.
func (r *Response) Field(path string) string {
	if r.XML == nil {
		return ""
	}
	return r.XML.FindText(path)
}

// Err converts a failed envelope into an *Error. Successful responses return
// nil.
func (r *Response) Err() error {
	if r.Success() {
		return nil
	}
	key := r.XML.FindText("messageKey")
	if key == "" {
		key = "internalError"
	}
	return &Error{
		MessageKey: key,
		Message:    r.XML.FindText("message"),
		Status:     http.StatusOK,
	}
}
