// Package mcp implements the JSON-RPC client side of the Model Context
// Protocol over a child process's standard streams.
package mcp

import (
	"encoding/json"
	"fmt"
)

// Protocol methods issued by the client.
const (
	methodInitialize           = "initialize"
	methodInitialized          = "notifications/initialized"
	methodToolsList            = "tools/list"
	methodToolsCall            = "tools/call"
	methodResourcesList        = "resources/list"
	methodResourcesSubscribe   = "resources/subscribe"
	methodResourcesUnsubscribe = "resources/unsubscribe"
	methodResourcesRead        = "resources/read"
	methodProgress             = "notifications/progress"
)

// Notifications consumed from servers.
const (
	MethodResourcesUpdated     = "notifications/resources/updated"
	MethodResourcesListChanged = "notifications/resources/list_changed"
)

// ProtocolVersion is the MCP revision this client speaks.
const ProtocolVersion = "2024-11-05"

// ClientName and ClientVersion are the fixed identity advertised during the
// initialize handshake.
const (
	ClientName    = "mcpfleet"
	ClientVersion = "1.0.0"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (no id).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object. It implements error so callers
// can inspect the code after unwrapping.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ServerInfo identifies a connected MCP server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// ToolAnnotations carries optional server-provided metadata for a tool.
type ToolAnnotations struct {
	Authorized  *bool    `json:"authorized,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// ToolEntry is one entry of a tools/list page.
type ToolEntry struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema json.RawMessage  `json:"inputSchema,omitempty"`
	Permissions []string         `json:"permissions,omitempty"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// PermissionList returns the permissions required by the tool, preferring
// the annotation set over the top-level field. Never nil.
func (t ToolEntry) PermissionList() []string {
	if t.Annotations != nil && t.Annotations.Permissions != nil {
		return t.Annotations.Permissions
	}
	if t.Permissions != nil {
		return t.Permissions
	}
	return []string{}
}

// ToolsPage is one page of tools/list.
type ToolsPage struct {
	Tools      []ToolEntry `json:"tools"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// Resource describes an MCP resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourcesPage is one page of resources/list.
type ResourcesPage struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ResourceContent holds one content item from resources/read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // base64
}

// ReadResourceResult holds the result of resources/read.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// ToolResultContent holds one content item from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolCallResult holds the result of tools/call. Output and Formatted are
// nonstandard fields some servers attach alongside the content list.
type ToolCallResult struct {
	Content           []ToolResultContent `json:"content,omitempty"`
	StructuredContent json.RawMessage     `json:"structuredContent,omitempty"`
	Output            json.RawMessage     `json:"output,omitempty"`
	Formatted         json.RawMessage     `json:"formatted,omitempty"`
	IsError           bool                `json:"isError,omitempty"`
}

// ProgressParams is the payload of notifications/progress.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// Token returns the progress token as a string, covering servers that echo
// it back as a JSON number.
func (p ProgressParams) Token() string {
	switch v := p.ProgressToken.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
