// Package endpoint provides typed HTTP handlers for the zkauth API.
//
// A request passes through three phases:
//
//  1. Unmarshal: the handler decodes query, header and JSON body data into a
//     typed params struct and validates it.
//  2. Endpoint: the EndpointFunc runs the business logic and returns a
//     Renderer. It does not write to the response itself.
//  3. Render: the Renderer writes status, headers and body.
//
// Processors run before decoding and may short-circuit the request. Errors
// from any phase are written as a failed Envelope.
package endpoint

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// EndpointError is a client-visible error that maps directly to an HTTP
// status code.
type EndpointError struct {
	Status int
	// Message is a short description suitable for the envelope's error field.
	Message string
	// Details is rendered into the envelope's details field.
	Details string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError. An err that already is an EndpointError
// is returned unchanged.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes a response. Renderers must call w.WriteHeader.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware-style logic that runs before the EndpointFunc.
//
// Processors must call next unless they short-circuit the request, and must
// not write the response body. A non-nil error stops the chain.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc receives the decoded params and returns the Renderer for the
// response, or an error.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the http.Handler wrapper for an EndpointFunc.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler constructs an EndpointHandler. It exists to enable type inference
// for P.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		h.fail(w, r, errors.New("endpoint: nil EndpointFunc"))
		return
	}

	// cur tracks the latest request so the error path sees processor context.
	cur := r
	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		cur = r2
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		return renderer.Render(w2, r2)
	}

	if err := run(0, w, r); err != nil {
		h.fail(w, cur, err)
	}
}

func (h *EndpointHandler[P]) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := ""
	details := ""

	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 100 {
			status = ee.Status
		}
		message = ee.Message
		details = ee.Details
	}
	if message == "" {
		message = http.StatusText(status)
	}

	log := zerolog.Ctx(r.Context())
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}

	if rerr := Fail(status, message, details).Render(w, r); rerr != nil {
		log.Warn().Err(rerr).Msg("write error response")
	}
}
