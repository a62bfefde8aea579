package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const anthropicBaseURL = "https://api.anthropic.com/v1/messages"

// Anthropic speaks the Anthropic Messages API.
type Anthropic struct {
	baseURL    string
	httpClient *http.Client
}

func NewAnthropic(baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &Anthropic{baseURL: baseURL, httpClient: defaultHTTPClient()}
}

func (a *Anthropic) Type() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *Anthropic) GenerateText(ctx context.Context, apiKey string, p GenerateParams) (*Result, error) {
	req := anthropicRequest{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		System:      p.System,
		Temperature: p.Temperature,
	}
	for _, m := range p.Messages {
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	if p.WebSearch {
		req.Tools = append(req.Tools, anthropicTool{Type: "web_search_20250305", Name: "web_search"})
	}

	resp, err := a.do(ctx, apiKey, &req)
	if err != nil {
		return nil, err
	}

	text := ""
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	result := &Result{
		Text:              text,
		InputTokens:       resp.Usage.InputTokens,
		OutputTokens:      resp.Usage.OutputTokens,
		FinishReason:      resp.StopReason,
		ProviderRequestID: resp.ID,
	}
	if result.InputTokens == 0 && result.OutputTokens == 0 {
		result.InputTokens, result.OutputTokens = estimateCounts(p, text)
		result.CountsEstimated = true
	}
	return result, nil
}

func (a *Anthropic) Validate(ctx context.Context, apiKey string) error {
	_, err := a.do(ctx, apiKey, &anthropicRequest{
		Model:     "claude-haiku-3-5-20241022",
		MaxTokens: 1,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
	})
	return err
}

func (a *Anthropic) do(ctx context.Context, apiKey string, req *anthropicRequest) (*anthropicResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: ErrBadRequest, Provider: a.Type(), Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: ErrBadRequest, Provider: a.Type(), Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, a.Type(), err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, classifyTransport(ctx, a.Type(), err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", httpResp.StatusCode)
		var errResp anthropicResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			msg = errResp.Error.Message
		}
		return nil, &Error{
			Kind:     classifyStatus(httpResp.StatusCode),
			Provider: a.Type(),
			Status:   httpResp.StatusCode,
			Message:  msg,
		}
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: ErrServerError, Provider: a.Type(), Message: "malformed response"}
	}
	if resp.Error != nil {
		return nil, &Error{Kind: ErrServerError, Provider: a.Type(), Message: resp.Error.Message}
	}
	return &resp, nil
}
