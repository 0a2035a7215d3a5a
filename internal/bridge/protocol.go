package bridge

import "encoding/json"

// ProtocolVersion is returned by the gateway's locally-handled initialize
// method; it never reaches the orchestrator child.
const ProtocolVersion = "2024-11-05"

// ServerName/ServerVersion populate the serverInfo object of the local
// initialize reply.
const (
	ServerName    = "mcp-gateway"
	ServerVersion = "1.0.0"
)

// envelope is the minimal shape the bridge needs to inspect: enough to
// route, correlate, and answer gateway-handled methods without adopting a
// full JSON-RPC client/server model.
type envelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// parseEnvelope returns the decoded envelope and whether frame was a JSON
// object at all. A non-object frame (already accepted as opaque by
// AuthCore.Validate) has no method/id to route on.
func parseEnvelope(frame []byte) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return envelope{}, false
	}
	return env, true
}

func (e envelope) hasID() bool {
	return len(e.ID) > 0 && string(e.ID) != "null"
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Error   rpcError        `json:"error"`
}

type resultResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result"`
}

// buildError constructs a JSON-RPC 2.0 error response, echoing id when
// present (spec §4.4: "with the echoed id if available").
func buildError(id json.RawMessage, code int, message string) []byte {
	resp := errorResponse{JSONRPC: "2.0", ID: id, Error: rpcError{Code: code, Message: message}}
	out, _ := json.Marshal(resp)
	return out
}

func buildResult(id json.RawMessage, result any) []byte {
	resp := resultResponse{JSONRPC: "2.0", ID: id, Result: result}
	out, _ := json.Marshal(resp)
	return out
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// buildInitializeResponse builds the gateway's local reply to the
// initialize method (spec §6: "never forwarded").
func buildInitializeResponse(id json.RawMessage) []byte {
	return buildResult(id, initializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      serverInfo{Name: ServerName, Version: ServerVersion},
	})
}

const (
	// CodeApplicationError covers rate-limit, auth-required, and
	// auth-failed application errors (spec §6).
	CodeApplicationError = -32000
	// CodeInvalidRequest covers framing/validation rejections (spec §6).
	CodeInvalidRequest = -32600
)
