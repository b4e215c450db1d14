package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/skein-dev/skein/internal/protocol"
)

const defaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiProvider implements Provider for the contents+functionDeclarations family
type GeminiProvider struct {
	apiKey  string
	model   string
	baseURL string
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey, model, baseURL string) *GeminiProvider {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if baseURL == "" {
		baseURL = defaultGeminiURL
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiToolWrapper     `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user or model
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiToolWrapper struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Chat performs a non-streaming generateContent call
func (p *GeminiProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	geminiReq := p.buildRequest(req)

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)

	headers := map[string]string{"Content-Type": "application/json"}
	resp, err := doRequest(ctx, "POST", url, headers, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: string(respBody)}
		var errResp geminiResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != nil {
			apiErr.Message = errResp.Error.Message
		}
		return nil, apiErr
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if geminiResp.Error != nil {
		return nil, &APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: geminiResp.Error.Message}
	}

	return p.parseResponse(&geminiResp), nil
}

func (p *GeminiProvider) buildRequest(req *ChatRequest) *geminiRequest {
	contents := make([]geminiContent, 0, len(req.Messages))

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			continue // System prompt is a top-level field
		}

		role := msg.Role
		if role == "assistant" {
			role = "model"
		}

		// Tool results become functionResponse parts on a user turn.
		// Gemini matches by function name, not call id.
		if len(msg.ToolResults) > 0 {
			parts := make([]geminiPart, 0, len(msg.ToolResults))
			for _, tr := range msg.ToolResults {
				parts = append(parts, geminiPart{
					FunctionResponse: &geminiFunctionResponse{
						Name: functionNameFromCallID(tr.ToolUseID),
						Response: map[string]interface{}{
							"result": tr.Content,
						},
					},
				})
			}
			contents = append(contents, geminiContent{Role: "user", Parts: parts})
			continue
		}

		if len(msg.ToolUse) > 0 {
			parts := make([]geminiPart, 0, len(msg.ToolUse)+1)
			if msg.Content != "" {
				parts = append(parts, geminiPart{Text: msg.Content})
			}
			for _, tu := range msg.ToolUse {
				args := tu.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, geminiPart{
					FunctionCall: &geminiFunctionCall{
						Name: tu.Name,
						Args: args,
					},
				})
			}
			contents = append(contents, geminiContent{Role: role, Parts: parts})
			continue
		}

		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	geminiReq := &geminiRequest{Contents: contents}

	if req.SystemPrompt != "" {
		geminiReq.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}

	if req.MaxTokens > 0 || req.Temperature > 0 {
		geminiReq.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  sanitizeGeminiSchema(t.InputSchema),
			})
		}
		geminiReq.Tools = []geminiToolWrapper{{FunctionDeclarations: decls}}
	}

	return geminiReq
}

func (p *GeminiProvider) parseResponse(resp *geminiResponse) *ChatResponse {
	result := &ChatResponse{Model: p.model}

	result.Usage = protocol.Usage{
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}

	if len(resp.Candidates) == 0 {
		return result
	}

	candidate := resp.Candidates[0]
	result.StopReason = candidate.FinishReason

	var content strings.Builder
	callIdx := 0
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			content.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			// Gemini has no call ids; synthesize ones that encode the
			// function name so results can be routed back by name.
			result.ToolCalls = append(result.ToolCalls, protocol.ToolUseBlock{
				ID:    fmt.Sprintf("call_%d_%s", callIdx, part.FunctionCall.Name),
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			})
			callIdx++
		}
	}
	result.Content = content.String()

	return result
}

// functionNameFromCallID recovers the function name from a synthesized
// call_<n>_<name> id. Ids from other providers pass through unchanged.
func functionNameFromCallID(id string) string {
	if !strings.HasPrefix(id, "call_") {
		return id
	}
	rest := strings.TrimPrefix(id, "call_")
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		return rest[i+1:]
	}
	return rest
}

// sanitizeGeminiSchema strips JSON Schema keywords Gemini rejects
func sanitizeGeminiSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "additionalProperties", "default":
			continue
		case "properties":
			if props, ok := v.(map[string]interface{}); ok {
				cleaned := make(map[string]interface{}, len(props))
				for name, sub := range props {
					if subSchema, ok := sub.(map[string]interface{}); ok {
						cleaned[name] = sanitizeGeminiSchema(subSchema)
					} else {
						cleaned[name] = sub
					}
				}
				out[k] = cleaned
				continue
			}
			out[k] = v
		case "items":
			if subSchema, ok := v.(map[string]interface{}); ok {
				out[k] = sanitizeGeminiSchema(subSchema)
				continue
			}
			out[k] = v
		default:
			out[k] = v
		}
	}
	return out
}
