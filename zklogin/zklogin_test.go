package zklogin

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mnehpets/zkauth/endpoint"
	"github.com/mnehpets/zkauth/epoch"
	"github.com/mnehpets/zkauth/store"
)

func TestNewPayload_BindsNonceToMaterial(t *testing.T) {
	p, err := NewPayload(100)
	if err != nil {
		t.Fatalf("NewPayload: %v", err)
	}
	if p.MaxEpoch != 102 {
		t.Errorf("MaxEpoch: got %d, want 102", p.MaxEpoch)
	}
	if len(p.Nonce) != 27 {
		t.Errorf("nonce length: got %d, want 27", len(p.Nonce))
	}
	if err := p.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := validate.Struct(p); err != nil {
		t.Errorf("payload fails validation: %v", err)
	}

	priv, err := p.PrivateKey()
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	pub := base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
	if pub != p.EphemeralPublicKey {
		t.Errorf("private key does not match public key")
	}

	tampered := *p
	tampered.MaxEpoch = 103
	if err := tampered.Verify(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Verify with changed maxEpoch: got %v, want ErrInvalidPayload", err)
	}
}

func TestComputeNonce_Deterministic(t *testing.T) {
	pub := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize)).Public().(ed25519.PublicKey)
	a, err := ComputeNonce(pub, 10, "12345")
	if err != nil {
		t.Fatalf("ComputeNonce: %v", err)
	}
	b, _ := ComputeNonce(pub, 10, "12345")
	c, _ := ComputeNonce(pub, 11, "12345")
	if a != b {
		t.Errorf("same inputs gave %q and %q", a, b)
	}
	if a == c {
		t.Errorf("different maxEpoch gave the same nonce")
	}
	if _, err := ComputeNonce(pub, 10, "not-a-number"); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("bad randomness: got %v", err)
	}
	if _, err := ComputeNonce(pub[:5], 10, "1"); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("short key: got %v", err)
	}
}

func TestEphemeralData_LogRedactsPrivateKey(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	d := &EphemeralData{Randomness: "1", Nonce: "n", EphemeralPublicKey: "pub", EphemeralPrivateKey: "TOP-SECRET", MaxEpoch: 3}
	log.Info().Object("material", d).Msg("x")
	if strings.Contains(buf.String(), "TOP-SECRET") {
		t.Fatalf("private key logged: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"has_private_key":true`) {
		t.Errorf("missing has_private_key: %s", buf.String())
	}
}

func TestFromValues_RequiresAllFour(t *testing.T) {
	full := map[string]string{
		store.KeyRandomness:          "1",
		store.KeyNonce:               "n",
		store.KeyEphemeralPublicKey:  "pub",
		store.KeyEphemeralPrivateKey: "priv",
		store.KeyMaxEpoch:            "9",
	}
	if d := FromValues(full); d == nil || d.MaxEpoch != 9 {
		t.Fatalf("full: got %+v", d)
	}
	for _, k := range []string{store.KeyRandomness, store.KeyNonce, store.KeyEphemeralPublicKey, store.KeyEphemeralPrivateKey} {
		partial := map[string]string{}
		for kk, v := range full {
			if kk != k {
				partial[kk] = v
			}
		}
		if d := FromValues(partial); d != nil {
			t.Errorf("missing %s: got %+v, want nil", k, d)
		}
	}
}

// provisionBackend serves ProvisionPath. It fails the first failures calls
// and then answers with maxEpoch = epoch + 2.
type provisionBackend struct {
	failures int32
	calls    atomic.Int32
	epochs   []uint64
}

func (b *provisionBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := b.calls.Add(1)
	if r.URL.Path != ProvisionPath || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Epoch uint64 `json:"epoch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	b.epochs = append(b.epochs, req.Epoch)
	if n <= b.failures {
		if n%2 == 0 {
			endpoint.Fail(http.StatusOK, "temporarily unavailable", "").Render(w, r)
			return
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	p, err := NewPayload(req.Epoch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	endpoint.OK(p).Render(w, r)
}

func newProvisioner(t *testing.T, b *provisionBackend) *Provisioner {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return NewProvisioner(srv.URL+"/", WithRetry(DefaultMaxRetries, time.Millisecond))
}

func TestProvisioner_UsesServerMaxEpoch(t *testing.T) {
	b := &provisionBackend{}
	p, err := newProvisioner(t, b).Provision(context.Background(), 100)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if p.MaxEpoch != 102 {
		t.Errorf("MaxEpoch: got %d, want 102", p.MaxEpoch)
	}
	if len(b.epochs) != 1 || b.epochs[0] != 100 {
		t.Errorf("requested epochs: got %v, want [100]", b.epochs)
	}
}

func TestProvisioner_RetryBound(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		wantOK    bool
		wantCalls int32
	}{
		{"two failures then success", 2, true, 3},
		{"three failures then success", 3, true, 4},
		{"four failures", 4, false, 4},
		{"always failing", 100, false, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &provisionBackend{failures: tt.failures}
			p, err := newProvisioner(t, b).Provision(context.Background(), 5)
			if tt.wantOK {
				if err != nil || p == nil {
					t.Fatalf("got (%v, %v), want success", p, err)
				}
			} else {
				if p != nil || !errors.Is(err, ErrProvisionFailed) {
					t.Fatalf("got (%v, %v), want ErrProvisionFailed", p, err)
				}
			}
			if got := b.calls.Load(); got != tt.wantCalls {
				t.Errorf("attempts: got %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestProvisioner_RejectsIncompletePayload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		endpoint.OK(map[string]any{"nonce": "abc", "maxEpoch": 7}).Render(w, r)
	}))
	defer srv.Close()

	p := NewProvisioner(srv.URL, WithRetry(1, time.Millisecond))
	if _, err := p.Provision(context.Background(), 5); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("got %v, want ErrInvalidPayload", err)
	}
	if calls.Load() != 2 {
		t.Errorf("attempts: got %d, want 2", calls.Load())
	}
}

func TestProvisioner_AcceptsBech32PrivateKey(t *testing.T) {
	const privateKey = "suiprivkey1qzdlfxn2qa2lj5uprl8pyhexs02sg2wrhdy7qaq50cqgnffw4c2477kg9h3"
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		endpoint.OK(map[string]any{
			"nonce":               "vB1ZfNMhz4yLSSlsUz4-2vZoMSU",
			"maxEpoch":            12,
			"randomness":          "184207429436918328137493547217813391213",
			"ephemeralPublicKey":  "4bnlJrO3ETQSw84rbKyQ1x3sIj3eMrG2ISzSEbLvfkk=",
			"ephemeralPrivateKey": privateKey,
		}).Render(w, r)
	}))
	defer srv.Close()

	p, err := NewProvisioner(srv.URL, WithRetry(1, time.Millisecond)).Provision(context.Background(), 10)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if p.EphemeralPrivateKey != privateKey || p.MaxEpoch != 12 {
		t.Errorf("payload: got %+v", p)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts: got %d, want 1", got)
	}
	if !p.Data().Complete() {
		t.Error("material from a bech32 key reads as incomplete")
	}
}

func TestProvisioner_StopsOnCancel(t *testing.T) {
	b := &provisionBackend{failures: 100}
	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewProvisioner(srv.URL, WithRetry(3, time.Hour))
	go func() {
		for b.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	if _, err := p.Provision(ctx, 1); err == nil {
		t.Fatal("expected error after cancel")
	}
	if got := b.calls.Load(); got != 1 {
		t.Errorf("attempts: got %d, want 1", got)
	}
}

// countingProvisioner records calls and returns fresh payloads.
type countingProvisioner struct {
	calls int
	err   error
}

func (c *countingProvisioner) Provision(_ context.Context, e uint64) (*Payload, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return NewPayload(e)
}

// recordingStore records every Update batch.
type recordingStore struct {
	store.KeyValueStore
	updates []store.Changes
}

func (r *recordingStore) Update(ctx context.Context, c store.Changes) error {
	r.updates = append(r.updates, c)
	return r.KeyValueStore.Update(ctx, c)
}

func newRouter() *store.Router {
	return store.NewRouter(store.DefaultLayout(), store.NewMemory(), store.NewMemory())
}

func TestChecker_ProvisionsWhenEmpty(t *testing.T) {
	ctx := context.Background()
	rs := &recordingStore{KeyValueStore: newRouter()}
	prov := &countingProvisioner{}
	c := NewChecker(epoch.Static(40), prov, rs)

	res := c.CheckAndRefresh(ctx)
	if !res.Success || res.NewNonce == "" || res.Data == nil {
		t.Fatalf("result: got %+v", res)
	}
	if prov.calls != 1 {
		t.Errorf("provision calls: got %d, want 1", prov.calls)
	}
	if len(rs.updates) != 1 {
		t.Fatalf("updates: got %d, want 1", len(rs.updates))
	}
	if got := rs.updates[0].Keys(); len(got) != 5 {
		t.Errorf("keys in one update: got %v, want all five", got)
	}

	stored, err := Load(ctx, rs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored == nil || stored.Nonce != res.NewNonce || stored.MaxEpoch != 42 {
		t.Errorf("stored: got %+v", stored)
	}
}

func TestChecker_ReusesValidMaterial(t *testing.T) {
	ctx := context.Background()
	s := newRouter()
	prov := &countingProvisioner{}

	first := NewChecker(epoch.Static(10), prov, s).CheckAndRefresh(ctx)
	if !first.Success {
		t.Fatalf("first check failed")
	}
	for _, e := range []uint64{10, 11, 12} {
		res := NewChecker(epoch.Static(e), prov, s).CheckAndRefresh(ctx)
		if !res.Success || res.NewNonce != "" {
			t.Errorf("epoch %d: got %+v, want reuse", e, res)
		}
		if res.Data == nil || res.Data.Nonce != first.NewNonce {
			t.Errorf("epoch %d: stored nonce changed", e)
		}
	}
	if prov.calls != 1 {
		t.Errorf("provision calls: got %d, want 1", prov.calls)
	}
}

func TestChecker_RegeneratesAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s := newRouter()
	prov := &countingProvisioner{}

	first := NewChecker(epoch.Static(10), prov, s).CheckAndRefresh(ctx)
	before, _ := Load(ctx, s)

	res := NewChecker(epoch.Static(13), prov, s).CheckAndRefresh(ctx)
	if !res.Success || res.NewNonce == "" || res.NewNonce == first.NewNonce {
		t.Fatalf("result: got %+v", res)
	}
	if prov.calls != 2 {
		t.Errorf("provision calls: got %d, want 2", prov.calls)
	}
	after, _ := Load(ctx, s)
	if after.MaxEpoch != 15 {
		t.Errorf("maxEpoch: got %d, want 15", after.MaxEpoch)
	}
	if after.Randomness == before.Randomness ||
		after.EphemeralPublicKey == before.EphemeralPublicKey ||
		after.EphemeralPrivateKey == before.EphemeralPrivateKey {
		t.Errorf("material not fully replaced")
	}
}

func TestChecker_StoresServerMaxEpochVerbatim(t *testing.T) {
	ctx := context.Background()
	s := newRouter()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := NewPayload(100)
		p.MaxEpoch = 102
		endpoint.OK(p).Render(w, r)
	}))
	defer srv.Close()

	c := NewChecker(epoch.Static(100), NewProvisioner(srv.URL), s)
	if res := c.CheckAndRefresh(ctx); !res.Success {
		t.Fatalf("check failed")
	}
	if v, _, _ := s.Get(ctx, store.KeyMaxEpoch); v != "102" {
		t.Errorf("maxEpoch: got %q, want 102", v)
	}
}

func TestChecker_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("epoch source", func(t *testing.T) {
		prov := &countingProvisioner{}
		src := epoch.SourceFunc(func(context.Context) (uint64, error) { return 0, errors.New("node down") })
		res := NewChecker(src, prov, newRouter()).CheckAndRefresh(ctx)
		if res.Success || res.NewNonce != "" {
			t.Errorf("got %+v, want failure", res)
		}
		if prov.calls != 0 {
			t.Errorf("provisioned despite epoch failure")
		}
	})

	t.Run("provisioner", func(t *testing.T) {
		s := newRouter()
		prov := &countingProvisioner{err: ErrProvisionFailed}
		res := NewChecker(epoch.Static(1), prov, s).CheckAndRefresh(ctx)
		if res.Success {
			t.Errorf("got %+v, want failure", res)
		}
		if d, _ := Load(ctx, s); d != nil {
			t.Errorf("material stored after failure: %+v", d)
		}
	})
}
