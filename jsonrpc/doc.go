// Package jsonrpc implements JSON-RPC 2.0 over HTTP
// (https://www.jsonrpc.org/specification): a Client used to query network
// nodes, and a small Server for serving methods through the endpoint package.
//
// # Client
//
//	c := jsonrpc.NewClient("https://fullnode.testnet.sui.io:443")
//	var state struct{ Epoch string `json:"epoch"` }
//	err := c.Call(ctx, "suix_getLatestSuiSystemState", nil, &state)
//
// A JSON-RPC error response is returned as *Error, so callers can inspect
// its Code with errors.As.
//
// # Server
//
//	s := jsonrpc.NewServer()
//	s.Handle("suix_getLatestSuiSystemState", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    return map[string]string{"epoch": "42"}, nil
//	})
//	http.Handle("/", endpoint.Handler(s.Endpoint))
//
// Standard error codes are defined as constants:
//   - CodeParseError (-32700)
//   - CodeInvalidRequest (-32600)
//   - CodeMethodNotFound (-32601)
//   - CodeInvalidParams (-32602)
//   - CodeInternalError (-32603)
package jsonrpc
