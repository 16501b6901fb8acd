package endpoint

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type greetParams struct {
	Name  string `query:"name" validate:"required"`
	Times int    `query:"times"`
	Trace string `header:"X-Trace"`
}

type epochBody struct {
	Epoch *uint64 `json:"epoch" validate:"required"`
}

type bodyParams struct {
	Body epochBody `body:"json"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope[json.RawMessage] {
	t.Helper()
	var env Envelope[json.RawMessage]
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func TestHandler_DecodesQueryAndHeader(t *testing.T) {
	var got greetParams
	h := Handler(func(w http.ResponseWriter, r *http.Request, p greetParams) (Renderer, error) {
		got = p
		return OK(map[string]string{"hello": p.Name}), nil
	})

	req := httptest.NewRequest(http.MethodGet, "/?name=ada&times=3", nil)
	req.Header.Set("X-Trace", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if got.Name != "ada" || got.Times != 3 || got.Trace != "abc" {
		t.Errorf("params: got %+v", got)
	}
	env := decodeEnvelope(t, rec)
	if !env.Success || string(env.Data) != `{"hello":"ada"}` {
		t.Errorf("envelope: got %+v", env)
	}
}

func TestHandler_ValidationFailureRendersEnvelope(t *testing.T) {
	h := Handler(func(w http.ResponseWriter, r *http.Request, p greetParams) (Renderer, error) {
		t.Fatal("endpoint must not run on invalid params")
		return nil, nil
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Success || env.Error != "invalid request" {
		t.Errorf("envelope: got %+v", env)
	}
	if env.Details != "name: failed required" {
		t.Errorf("details: got %q", env.Details)
	}
	if env.Timestamp == 0 {
		t.Errorf("missing timestamp")
	}
}

func TestHandler_BadQueryType(t *testing.T) {
	h := Handler(func(w http.ResponseWriter, r *http.Request, p greetParams) (Renderer, error) {
		return OK(nil), nil
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?name=a&times=many", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error != "invalid parameter times" {
		t.Errorf("error: got %q", env.Error)
	}
}

func TestHandler_JSONBody(t *testing.T) {
	var got uint64
	h := Handler(func(w http.ResponseWriter, r *http.Request, p bodyParams) (Renderer, error) {
		got = *p.Body.Epoch
		return OK(nil), nil
	})

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
	}{
		{"valid", "application/json", `{"epoch":100}`, http.StatusOK},
		{"zero epoch is present", "application/json", `{"epoch":0}`, http.StatusOK},
		{"missing epoch", "application/json", `{}`, http.StatusBadRequest},
		{"malformed", "application/json", `{"epoch":`, http.StatusBadRequest},
		{"wrong type", "application/json", `{"epoch":"x"}`, http.StatusBadRequest},
		{"wrong content type", "text/plain", `{"epoch":1}`, http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
	if got != 0 {
		t.Errorf("last decoded epoch: got %d, want 0", got)
	}
}

func TestHandler_ProcessorsAndErrors(t *testing.T) {
	var order []string
	p := func(name string) Processor {
		return ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
			order = append(order, name)
			return next(w, r)
		})
	}
	h := Handler(func(w http.ResponseWriter, r *http.Request, _ struct{}) (Renderer, error) {
		order = append(order, "endpoint")
		return nil, Error(http.StatusConflict, "busy", errors.New("cause"))
	}, p("a"), p("b"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Join(order, ",") != "a,b,endpoint" {
		t.Errorf("order: got %v", order)
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("status: got %d, want 409", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error != "busy" {
		t.Errorf("error: got %q", env.Error)
	}
}

func TestHandler_PlainErrorIs500(t *testing.T) {
	h := Handler(func(w http.ResponseWriter, r *http.Request, _ struct{}) (Renderer, error) {
		return nil, errors.New("secret internal detail")
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret internal detail") {
		t.Errorf("internal error leaked into response: %s", rec.Body.String())
	}
}

func TestEnvelopeTimestamp(t *testing.T) {
	old := Now
	Now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC) }
	defer func() { Now = old }()

	rec := httptest.NewRecorder()
	if err := OK("x").Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if env := decodeEnvelope(t, rec); env.Timestamp != 1714979289123 {
		t.Errorf("timestamp: got %d", env.Timestamp)
	}
}

func TestRedirectRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	rr := &RedirectRenderer{URL: "https://example.com/next"}
	if err := rr.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "https://example.com/next" {
		t.Errorf("got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}
