// Package epoch reads the current network epoch, the unit that bounds how
// long ephemeral zkLogin material stays usable.
package epoch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mnehpets/zkauth/jsonrpc"
)

// Source reports the network's current epoch.
type Source interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (uint64, error)

func (f SourceFunc) CurrentEpoch(ctx context.Context) (uint64, error) {
	return f(ctx)
}

// Static is a Source that always reports the same epoch.
type Static uint64

func (s Static) CurrentEpoch(context.Context) (uint64, error) {
	return uint64(s), nil
}

// SystemStateMethod is the node method that reports the latest system state.
const SystemStateMethod = "suix_getLatestSuiSystemState"

// SystemState is the subset of the node's system state that carries the
// epoch. Nodes encode 64-bit integers as decimal strings.
type SystemState struct {
	Epoch string `json:"epoch"`
}

// RPC is a Source backed by a full node's JSON-RPC endpoint.
type RPC struct {
	client *jsonrpc.Client
}

// NewRPC returns an RPC source for the node at url. A nil httpClient uses
// http.DefaultClient.
func NewRPC(url string, httpClient *http.Client) *RPC {
	var opts []jsonrpc.ClientOption
	if httpClient != nil {
		opts = append(opts, jsonrpc.WithHTTPClient(httpClient))
	}
	return &RPC{client: jsonrpc.NewClient(url, opts...)}
}

func (r *RPC) CurrentEpoch(ctx context.Context) (uint64, error) {
	var state SystemState
	if err := r.client.Call(ctx, SystemStateMethod, nil, &state); err != nil {
		return 0, fmt.Errorf("epoch: %w", err)
	}
	n, err := strconv.ParseUint(state.Epoch, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("epoch: invalid epoch %q: %w", state.Epoch, err)
	}
	return n, nil
}

// Handler returns a jsonrpc.MethodFunc that serves SystemStateMethod from
// src, for development nodes and tests.
func Handler(src Source) jsonrpc.MethodFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		e, err := src.CurrentEpoch(ctx)
		if err != nil {
			return nil, err
		}
		return SystemState{Epoch: strconv.FormatUint(e, 10)}, nil
	}
}

var (
	_ Source = Static(0)
	_ Source = (*RPC)(nil)
	_ Source = SourceFunc(nil)
)
