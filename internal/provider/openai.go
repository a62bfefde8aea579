package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	openAIBaseURL      = "https://api.openai.com/v1"
	openRouterBaseURL  = "https://openrouter.ai/api/v1"
	huggingFaceBaseURL = "https://router.huggingface.co/v1"
)

// OpenAI speaks the chat-completions wire. OpenRouter, the Hugging Face
// router and user-declared compatible endpoints reuse it with a different
// base URL and adapter alias.
type OpenAI struct {
	alias      string
	baseURL    string
	httpClient *http.Client
}

func NewOpenAI(alias, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &OpenAI{
		alias:      alias,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: defaultHTTPClient(),
	}
}

// NewOpenRouter targets the OpenRouter aggregation endpoint.
func NewOpenRouter(baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = openRouterBaseURL
	}
	return NewOpenAI("openrouter", baseURL)
}

// NewHuggingFace targets the Hugging Face inference router.
func NewHuggingFace(baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = huggingFaceBaseURL
	}
	return NewOpenAI("huggingface", baseURL)
}

func (o *OpenAI) Type() string { return o.alias }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (o *OpenAI) GenerateText(ctx context.Context, apiKey string, p GenerateParams) (*Result, error) {
	req := openAIRequest{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
	if p.System != "" {
		req.Messages = append(req.Messages, openAIMessage{Role: "system", Content: p.System})
	}
	for _, m := range p.Messages {
		req.Messages = append(req.Messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := o.do(ctx, apiKey, &req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: ErrServerError, Provider: o.alias, Message: "no choices in response"}
	}

	text := resp.Choices[0].Message.Content
	result := &Result{
		Text:              text,
		InputTokens:       resp.Usage.PromptTokens,
		OutputTokens:      resp.Usage.CompletionTokens,
		FinishReason:      resp.Choices[0].FinishReason,
		ProviderRequestID: resp.ID,
	}
	if result.InputTokens == 0 && result.OutputTokens == 0 {
		result.InputTokens, result.OutputTokens = estimateCounts(p, text)
		result.CountsEstimated = true
	}
	return result, nil
}

func (o *OpenAI) Validate(ctx context.Context, apiKey string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return &Error{Kind: ErrBadRequest, Provider: o.alias, Message: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpResp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransport(ctx, o.alias, err)
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(httpResp.Body, 1<<20))
	if httpResp.StatusCode != http.StatusOK {
		return &Error{
			Kind:     classifyStatus(httpResp.StatusCode),
			Provider: o.alias,
			Status:   httpResp.StatusCode,
			Message:  fmt.Sprintf("status %d", httpResp.StatusCode),
		}
	}
	return nil
}

func (o *OpenAI) do(ctx context.Context, apiKey string, req *openAIRequest) (*openAIResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: ErrBadRequest, Provider: o.alias, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: ErrBadRequest, Provider: o.alias, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, o.alias, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, classifyTransport(ctx, o.alias, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", httpResp.StatusCode)
		var errResp openAIResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			msg = errResp.Error.Message
		}
		return nil, &Error{
			Kind:     classifyStatus(httpResp.StatusCode),
			Provider: o.alias,
			Status:   httpResp.StatusCode,
			Message:  msg,
		}
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: ErrServerError, Provider: o.alias, Message: "malformed response"}
	}
	if resp.Error != nil {
		return nil, &Error{Kind: ErrServerError, Provider: o.alias, Message: resp.Error.Message}
	}
	return &resp, nil
}
