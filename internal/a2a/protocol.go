package a2a

import "encoding/json"

const jsonrpcVersion = "2.0"

// MethodSendMessage is the only JSON-RPC method the bridge serves.
const MethodSendMessage = "message/send"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// RoleAgent is the role on every reply message.
const RoleAgent = "agent"

// PartText is the kind of a plain text part.
const PartText = "text"

// Part is one piece of message content. Only text parts are read.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// Message is an A2A message as sent and received over message/send.
type Message struct {
	Kind      string `json:"kind,omitempty"`
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId"`
	ContextID string `json:"contextId,omitempty"`
}

// FirstText returns the first text part. Parts with no kind but some
// text count as text.
func (m Message) FirstText() (string, bool) {
	for _, p := range m.Parts {
		if p.Kind == PartText || (p.Kind == "" && p.Text != "") {
			return p.Text, true
		}
	}
	return "", false
}

// SendParams are the message/send parameters.
type SendParams struct {
	Message Message `json:"message"`
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
