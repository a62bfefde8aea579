package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"tokengate/internal/apperr"
)

// jsonrpcVersion is the only accepted protocol marker.
const jsonrpcVersion = "2.0"

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

// JSONRPCHandler serves JSON-RPC 2.0 at POST /rpc. Single requests and
// batches are both accepted; notifications (absent id) get no response entry.
func (r *Registry) JSONRPCHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := IdentityFrom(c)

		var raw json.RawMessage
		if err := c.ShouldBindJSON(&raw); err != nil {
			c.JSON(http.StatusOK, jsonrpcResponse{
				JSONRPC: jsonrpcVersion,
				Error:   &jsonrpcError{Code: -32700, Message: "parse error"},
			})
			return
		}

		// Batch?
		var batch []jsonrpcRequest
		if err := json.Unmarshal(raw, &batch); err == nil {
			if len(batch) == 0 {
				c.JSON(http.StatusOK, jsonrpcResponse{
					JSONRPC: jsonrpcVersion,
					Error:   &jsonrpcError{Code: -32600, Message: "empty batch"},
				})
				return
			}
			responses := make([]jsonrpcResponse, 0, len(batch))
			for _, req := range batch {
				if resp, reply := r.serveOne(c, ident, req); reply {
					responses = append(responses, resp)
				}
			}
			c.JSON(http.StatusOK, responses)
			return
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.JSON(http.StatusOK, jsonrpcResponse{
				JSONRPC: jsonrpcVersion,
				Error:   &jsonrpcError{Code: -32600, Message: "invalid request"},
			})
			return
		}
		resp, reply := r.serveOne(c, ident, req)
		if reply {
			c.JSON(http.StatusOK, resp)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (r *Registry) serveOne(c *gin.Context, ident Identity, req jsonrpcRequest) (jsonrpcResponse, bool) {
	reply := req.ID != nil
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		return jsonrpcResponse{
			JSONRPC: jsonrpcVersion,
			ID:      req.ID,
			Error:   &jsonrpcError{Code: -32600, Message: "invalid request"},
		}, reply
	}

	result, err := r.Dispatch(c.Request.Context(), "jsonrpc", req.Method, ident, req.Params)
	if err != nil {
		ae := apperr.From(err)
		return jsonrpcResponse{
			JSONRPC: jsonrpcVersion,
			ID:      req.ID,
			Error: &jsonrpcError{
				Code:    apperr.JSONRPCCode(ae.Kind),
				Message: ae.Message,
				Data:    errData(ae),
			},
		}, reply
	}
	return jsonrpcResponse{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result}, reply
}

// errData exposes the kind plus structured detail, never the cause.
func errData(ae *apperr.Error) map[string]interface{} {
	data := map[string]interface{}{"kind": string(ae.Kind)}
	for k, v := range ae.Detail {
		data[k] = v
	}
	return data
}
