package endpoint

import (
	"encoding/json"
	"net/http"
	"time"
)

// Envelope is the JSON body shape of every API response:
// {success, data, error, details, timestamp}.
type Envelope[T any] struct {
	Success   bool   `json:"success"`
	Data      T      `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Details   string `json:"details,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Now returns the time stamped into envelopes.
var Now = time.Now

// timestamp is Unix milliseconds.
func timestamp() int64 {
	return Now().UnixMilli()
}

// OK returns a renderer for a successful envelope carrying data.
func OK(data any) *JSONRenderer {
	return &JSONRenderer{
		Status: http.StatusOK,
		Value: Envelope[any]{
			Success:   true,
			Data:      data,
			Timestamp: timestamp(),
		},
	}
}

// Fail returns a renderer for a failed envelope.
func Fail(status int, message, details string) *JSONRenderer {
	return &JSONRenderer{
		Status: status,
		Value: Envelope[any]{
			Success:   false,
			Error:     message,
			Details:   details,
			Timestamp: timestamp(),
		},
	}
}

// JSONRenderer serializes Value as JSON with HTML escaping disabled.
// A zero Status means 200.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}

// RedirectRenderer redirects the client to URL.
//
// If Status is 0, it defaults to http.StatusFound (302).
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusFound
	}
	http.Redirect(w, r, rr.URL, status)
	return nil
}

// NoContentRenderer writes a status code with no body.
//
// If Status is 0, it defaults to http.StatusNoContent.
type NoContentRenderer struct {
	Status int
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	status := ncr.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return nil
}
