package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mnehpets/zkauth/endpoint"
)

// MethodFunc serves one JSON-RPC method. Returning an *Error preserves its
// code; any other error becomes CodeInternalError.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server is a registry of JSON-RPC methods. Serve it with
// endpoint.Handler(s.Endpoint, processors...).
type Server struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
}

// NewServer returns an empty Server.
func NewServer() *Server {
	return &Server{methods: make(map[string]MethodFunc)}
}

// Handle registers fn under name. It panics on a duplicate name.
func (s *Server) Handle(name string, fn MethodFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		panic("jsonrpc: method name collision: " + name)
	}
	s.methods[name] = fn
}

// Endpoint is the endpoint function that processes JSON-RPC requests.
func (s *Server) Endpoint(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "JSON-RPC requires POST method", nil)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, endpoint.Error(http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodyBytes))
	if err != nil {
		return nil, endpoint.Error(http.StatusBadRequest, "read body", err)
	}
	return s.handleBody(r.Context(), body), nil
}

func (s *Server) handleBody(ctx context.Context, body []byte) endpoint.Renderer {
	var reqs []json.RawMessage
	single := false
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &reqs); err != nil {
			return &rpcRenderer{err: NewError(CodeParseError, "parse error")}
		}
	} else {
		reqs = []json.RawMessage{body}
		single = true
	}
	if len(reqs) == 0 {
		return &rpcRenderer{err: NewError(CodeInvalidRequest, "invalid request")}
	}

	responses := make([]Response, 0, len(reqs))
	for _, raw := range reqs {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			responses = append(responses, Response{JSONRPC: Version, Error: NewError(CodeParseError, "parse error")})
			continue
		}
		if req.JSONRPC != Version || req.Method == "" {
			responses = append(responses, Response{JSONRPC: Version, Error: NewError(CodeInvalidRequest, "invalid request"), ID: req.ID})
			continue
		}

		result, err := s.invoke(ctx, req.Method, req.Params)
		if req.ID == nil {
			// Notification: no response.
			continue
		}
		resp := Response{JSONRPC: Version, ID: req.ID}
		if err != nil {
			resp.Error = mapError(err)
		} else if resp.Result, err = json.Marshal(result); err != nil {
			resp.Result = nil
			resp.Error = NewError(CodeInternalError, "encode result")
		}
		responses = append(responses, resp)
	}

	if len(responses) == 0 {
		return &endpoint.NoContentRenderer{}
	}
	return &rpcRenderer{responses: responses, single: single}
}

func (s *Server) invoke(ctx context.Context, name string, params json.RawMessage) (result any, err error) {
	s.mu.RLock()
	fn, ok := s.methods[name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewError(CodeMethodNotFound, "method not found: "+name)
	}

	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", r).Str("method", name).Msg("jsonrpc method panicked")
			err = NewError(CodeInternalError, "internal error")
		}
	}()
	return fn(ctx, params)
}

func mapError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewError(CodeInternalError, err.Error())
}

type rpcRenderer struct {
	responses []Response
	single    bool
	err       *Error
}

func (r *rpcRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	switch {
	case r.err != nil:
		return enc.Encode(Response{JSONRPC: Version, Error: r.err})
	case r.single:
		return enc.Encode(r.responses[0])
	default:
		return enc.Encode(r.responses)
	}
}
