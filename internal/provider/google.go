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

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Google speaks the Gemini generateContent API.
type Google struct {
	baseURL    string
	httpClient *http.Client
}

func NewGoogle(baseURL string) *Google {
	if baseURL == "" {
		baseURL = googleBaseURL
	}
	return &Google{baseURL: strings.TrimRight(baseURL, "/"), httpClient: defaultHTTPClient()}
}

func (g *Google) Type() string { return "google" }

type googleRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenCfg   `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleGenCfg struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float32 `json:"temperature,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *Google) GenerateText(ctx context.Context, apiKey string, p GenerateParams) (*Result, error) {
	req := googleRequest{}
	if p.System != "" {
		req.SystemInstruction = &googleContent{Parts: []googlePart{{Text: p.System}}}
	}
	for _, m := range p.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: m.Content}},
		})
	}
	if p.MaxTokens > 0 || p.Temperature > 0 {
		req.GenerationConfig = &googleGenCfg{MaxOutputTokens: p.MaxTokens, Temperature: p.Temperature}
	}

	resp, err := g.do(ctx, apiKey, p.Model, &req)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, &Error{Kind: ErrServerError, Provider: g.Type(), Message: "no candidates in response"}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	result := &Result{
		Text:         text.String(),
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		FinishReason: strings.ToLower(resp.Candidates[0].FinishReason),
	}
	if result.InputTokens == 0 && result.OutputTokens == 0 {
		result.InputTokens, result.OutputTokens = estimateCounts(p, result.Text)
		result.CountsEstimated = true
	}
	return result, nil
}

func (g *Google) Validate(ctx context.Context, apiKey string) error {
	_, err := g.do(ctx, apiKey, "gemini-2.0-flash", &googleRequest{
		Contents:         []googleContent{{Role: "user", Parts: []googlePart{{Text: "ping"}}}},
		GenerationConfig: &googleGenCfg{MaxOutputTokens: 1},
	})
	return err
}

func (g *Google) do(ctx context.Context, apiKey, model string, req *googleRequest) (*googleResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: ErrBadRequest, Provider: g.Type(), Message: err.Error()}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: ErrBadRequest, Provider: g.Type(), Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, g.Type(), err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, classifyTransport(ctx, g.Type(), err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", httpResp.StatusCode)
		var errResp googleResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			msg = errResp.Error.Message
		}
		return nil, &Error{
			Kind:     classifyStatus(httpResp.StatusCode),
			Provider: g.Type(),
			Status:   httpResp.StatusCode,
			Message:  msg,
		}
	}

	var resp googleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: ErrServerError, Provider: g.Type(), Message: "malformed response"}
	}
	if resp.Error != nil {
		return nil, &Error{Kind: ErrServerError, Provider: g.Type(), Message: resp.Error.Message}
	}
	return &resp, nil
}
