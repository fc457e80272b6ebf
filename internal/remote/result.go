package remote

import "fmt"

// Result is the structured outcome of a remote call. Callers branch on
// OK/Code; no error status is ever surfaced by panic or unwinding.
// Code 0 means a transport-level failure: no HTTP response was
// received at all, as opposed to an HTTP error status.
type Result struct {
	OK   bool   `json:"ok"`
	Code int    `json:"code"`
	Body string `json:"body"`
}

// Err renders a failed result as a short diagnostic string for
// last_error columns and logs.
func (r Result) Err() string {
	if r.OK {
		return ""
	}
	if r.Code == 0 {
		return fmt.Sprintf("transport failure: %s", r.Body)
	}
	return fmt.Sprintf("http %d: %s", r.Code, truncate(r.Body, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
