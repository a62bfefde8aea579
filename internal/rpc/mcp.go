package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tokengate/internal/apperr"
)

// MCP shell. Every registered procedure is exposed as an MCP tool named by
// its dotted procedure name; workspace files surface through resources/list
// and resources/read. The same JSON-RPC framing is served over plain HTTP
// POST and over a websocket for clients that keep a session open.

const mcpProtocolVersion = "2024-11-05"

type mcpMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type mcpToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type mcpContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var mcpUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway sits behind the caller's own transport security; browser
	// origin checks do not apply to MCP clients.
	CheckOrigin: func(*http.Request) bool { return true },
}

// MCPHandler serves /mcp. A websocket upgrade request starts a session loop;
// anything else is treated as one-shot HTTP framing.
func (r *Registry) MCPHandler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := IdentityFrom(c)

		if websocket.IsWebSocketUpgrade(c.Request) {
			conn, err := mcpUpgrader.Upgrade(c.Writer, c.Request, nil)
			if err != nil {
				return
			}
			r.mcpSession(c.Request.Context(), conn, ident, version)
			return
		}

		if c.Request.Method != http.MethodPost {
			c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "POST or websocket upgrade required"})
			return
		}

		var msg mcpMessage
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusOK, mcpMessage{
				JSONRPC: jsonrpcVersion,
				Error:   &jsonrpcError{Code: -32700, Message: "parse error"},
			})
			return
		}
		resp, reply := r.mcpServe(c.Request.Context(), ident, version, msg)
		if !reply {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (r *Registry) mcpSession(ctx context.Context, conn *websocket.Conn, ident Identity, version string) {
	defer conn.Close()
	for {
		var msg mcpMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Debug("mcp session read", zap.Error(err))
			}
			return
		}
		resp, reply := r.mcpServe(ctx, ident, version, msg)
		if !reply {
			continue
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (r *Registry) mcpServe(ctx context.Context, ident Identity, version string, msg mcpMessage) (mcpMessage, bool) {
	reply := msg.ID != nil
	out := mcpMessage{JSONRPC: jsonrpcVersion, ID: msg.ID}

	switch msg.Method {
	case "initialize":
		out.Result = map[string]interface{}{
			"protocolVersion": mcpProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools":     map[string]interface{}{},
				"resources": map[string]interface{}{},
			},
			"serverInfo": map[string]string{"name": "tokengate", "version": version},
		}
	case "initialized", "notifications/initialized":
		return mcpMessage{}, false
	case "ping":
		out.Result = map[string]interface{}{}
	case "tools/list":
		out.Result = map[string]interface{}{"tools": r.mcpTools()}
	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments,omitempty"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
			out.Error = &jsonrpcError{Code: -32602, Message: "tool name is required"}
			break
		}
		result, err := r.Dispatch(ctx, "mcp", params.Name, ident, params.Arguments)
		if err != nil {
			ae := apperr.From(err)
			// Tool failures are in-band per MCP: the call succeeds and the
			// result flags the error.
			out.Result = map[string]interface{}{
				"content": []mcpContentBlock{{Type: "text", Text: ae.Message}},
				"isError": true,
			}
			break
		}
		text, merr := json.Marshal(result)
		if merr != nil {
			out.Error = &jsonrpcError{Code: -32603, Message: "encode result"}
			break
		}
		out.Result = map[string]interface{}{
			"content": []mcpContentBlock{{Type: "text", Text: string(text)}},
		}
	case "resources/list":
		result, err := r.Dispatch(ctx, "mcp", "mcp.getResources", ident, nil)
		if err != nil {
			out.Error = mcpError(err)
			break
		}
		out.Result = result
	case "resources/read":
		result, err := r.Dispatch(ctx, "mcp", "mcp.readResource", ident, msg.Params)
		if err != nil {
			out.Error = mcpError(err)
			break
		}
		out.Result = mcpResourceResult(msg.Params, result)
	default:
		out.Error = &jsonrpcError{Code: -32601, Message: "method not found"}
	}
	return out, reply
}

// mcpResourceResult wraps a file read in the MCP resource contents shape.
func mcpResourceResult(params json.RawMessage, result interface{}) map[string]interface{} {
	var in struct {
		URI string `json:"uri"`
	}
	_ = json.Unmarshal(params, &in)

	text := ""
	if raw, err := json.Marshal(result); err == nil {
		var fc struct {
			Content string `json:"content"`
		}
		if json.Unmarshal(raw, &fc) == nil {
			text = fc.Content
		}
	}
	return map[string]interface{}{
		"contents": []map[string]interface{}{
			{"uri": in.URI, "mimeType": "text/plain", "text": text},
		},
	}
}

func mcpError(err error) *jsonrpcError {
	ae := apperr.From(err)
	return &jsonrpcError{
		Code:    apperr.JSONRPCCode(ae.Kind),
		Message: ae.Message,
		Data:    errData(ae),
	}
}

// mcpTools projects the procedure table as MCP tools.
func (r *Registry) mcpTools() []mcpToolInfo {
	procs := r.Procedures()
	tools := make([]mcpToolInfo, 0, len(procs))
	for _, p := range procs {
		tools = append(tools, mcpToolInfo{
			Name:        p.FullName(),
			Description: toolDescriptions[p.FullName()],
			InputSchema: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": true,
			},
		})
	}
	return tools
}

// toolDescriptions carries human text for the common tools; procedures
// without an entry list with an empty description.
var toolDescriptions = map[string]string{
	"ai.generateText":         "Generate text with a configured AI provider",
	"ai.listProviders":        "List configured providers and their models",
	"ai.listAllowedModels":    "List the models a provider permits",
	"billing.getTokenBalance": "Get the caller's token balance",
	"billing.planConsumption": "Dry-run a request's admission and funding",
	"system.listFiles":        "List files in a registered workspace",
	"system.readFile":         "Read a file from a registered workspace",
	"system.writeFile":        "Write a file into a registered workspace",
	"system.pathExists":       "Check whether a workspace path exists",
}
