package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"tokengate/internal/apperr"
)

// tRPC-style shell: POST /trpc/<namespace>.<name> with the input as the JSON
// body, or GET with ?input=<url-encoded JSON>. Responses use the tRPC
// envelope so existing tRPC clients can point at the gateway unchanged.

type trpcResult struct {
	Result struct {
		Data interface{} `json:"data"`
	} `json:"result"`
}

type trpcErrorShape struct {
	Message string                 `json:"message"`
	Code    int                    `json:"code"`
	Data    map[string]interface{} `json:"data"`
}

type trpcErrorEnvelope struct {
	Error struct {
		JSON trpcErrorShape `json:"json"`
	} `json:"error"`
}

// TRPCHandler serves one procedure per URL. Mount it at /trpc/*procedure.
func (r *Registry) TRPCHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := IdentityFrom(c)
		name := c.Param("procedure")
		if len(name) > 0 && name[0] == '/' {
			name = name[1:]
		}

		var params json.RawMessage
		switch c.Request.Method {
		case http.MethodGet:
			if input := c.Query("input"); input != "" {
				params = json.RawMessage(input)
			}
		case http.MethodPost:
			if c.Request.ContentLength != 0 {
				if err := c.ShouldBindJSON(&params); err != nil {
					writeTRPCError(c, apperr.InvalidArgument("malformed input: %v", err))
					return
				}
			}
		default:
			writeTRPCError(c, apperr.InvalidArgument("method %s not supported", c.Request.Method))
			return
		}

		result, err := r.Dispatch(c.Request.Context(), "trpc", name, ident, params)
		if err != nil {
			writeTRPCError(c, err)
			return
		}

		var envelope trpcResult
		envelope.Result.Data = result
		c.JSON(http.StatusOK, envelope)
	}
}

func writeTRPCError(c *gin.Context, err error) {
	ae := apperr.From(err)
	var envelope trpcErrorEnvelope
	envelope.Error.JSON = trpcErrorShape{
		Message: ae.Message,
		Code:    apperr.JSONRPCCode(ae.Kind),
		Data:    errData(ae),
	}
	envelope.Error.JSON.Data["httpStatus"] = apperr.HTTPStatus(ae.Kind)
	c.JSON(apperr.HTTPStatus(ae.Kind), envelope)
}
