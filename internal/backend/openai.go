package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alantheprice/caro/internal/model"
)

// OpenAI dispatches generation to an OpenAI-compatible chat-completions
// endpoint, one of the two remote HTTP protocol variants caro supports.
type OpenAI struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// NewOpenAI builds a remote backend against an OpenAI-compatible endpoint,
// bounding each request to timeout (falling back to 60s when zero).
func NewOpenAI(baseURL, modelName, apiKey string, timeout time.Duration) *OpenAI {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{baseURL: baseURL, model: modelName, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

func (o *OpenAI) Name() string { return "openai" }

// Available reports whether an endpoint is configured.
func (o *OpenAI) Available(context.Context) bool { return o.baseURL != "" }

type chatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []chatMessage   `json:"messages"`
	Temperature float64      `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate calls the chat-completions endpoint and parses the reply.
func (o *OpenAI) Generate(ctx context.Context, req model.CommandRequest) (model.GeneratedCommand, error) {
	body := chatCompletionRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: promptFor(req)},
		},
		Temperature: 0.1,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return model.GeneratedCommand{}, &Error{Backend: o.Name(), Kind: ErrDecode, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return model.GeneratedCommand{}, &Error{Backend: o.Name(), Kind: ErrUnavailable, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return model.GeneratedCommand{}, &Error{Backend: o.Name(), Kind: ErrUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return model.GeneratedCommand{}, &Error{Backend: o.Name(), Kind: ErrUnavailable, Err: fmt.Errorf("server error: %s", resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return model.GeneratedCommand{}, &Error{Backend: o.Name(), Kind: ErrDecode, Err: fmt.Errorf("unexpected status: %s", resp.Status)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.GeneratedCommand{}, &Error{Backend: o.Name(), Kind: ErrDecode, Err: err}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Choices) == 0 {
		return model.GeneratedCommand{}, &Error{Backend: o.Name(), Kind: ErrDecode, Raw: string(raw), Err: fmt.Errorf("malformed chat-completions response")}
	}

	cmdText, explanation, err := ParseOutput(parsed.Choices[0].Message.Content)
	if err != nil {
		return model.GeneratedCommand{}, err
	}
	return model.GeneratedCommand{
		Command:     cmdText,
		Explanation: explanation,
		Backend:     o.Name(),
		Model:       o.model,
	}, nil
}
