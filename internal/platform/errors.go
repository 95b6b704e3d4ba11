package platform

import (
	"fmt"
	"strings"
)

// RemoteError describes a failed platform call.
//
// StatusCode is 0 for transport errors. Timeout is set when the call hit its
// deadline.
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
	Timeout    bool
	Err        error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	switch {
	case e.Timeout:
		b.WriteString(": timeout")
	case e.StatusCode != 0:
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		b.WriteString(": ")
		b.WriteString(body)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Detail is the most useful human-readable part of the failure: the response
// body when present, otherwise the error text.
func (e *RemoteError) Detail() string {
	if body := strings.TrimSpace(e.Body); body != "" {
		return body
	}
	return e.Error()
}
