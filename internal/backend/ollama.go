package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/alantheprice/caro/internal/model"
)

// Ollama dispatches generation to a locally served Ollama model, the
// stand-in for an embedded/local inference runtime chosen at compile time.
type Ollama struct {
	baseURL string
	model   string
	timeout time.Duration
}

// NewOllama builds an Ollama backend targeting baseURL (e.g.
// http://127.0.0.1:11434) and modelName (e.g. "qwen2.5-coder:7b"), bounding
// each request to timeout (falling back to 30s when timeout is zero).
func NewOllama(baseURL, modelName string, timeout time.Duration) *Ollama {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Ollama{baseURL: baseURL, model: modelName, timeout: timeout}
}

func (o *Ollama) Name() string { return "ollama" }

// Available reports whether an endpoint is configured; it does not probe
// the network, leaving reachability failures to be surfaced as a
// retryable ErrUnavailable from Generate.
func (o *Ollama) Available(context.Context) bool {
	_, err := url.Parse(o.baseURL)
	return o.baseURL != "" && err == nil
}

func (o *Ollama) client() (*ollama.Client, error) {
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	return ollama.NewClient(u, &http.Client{Timeout: o.timeout}), nil
}

func systemPrompt() string {
	return "You translate a natural-language request into a single POSIX shell command. " +
		"Reply with only the command inside a fenced shell code block, with no explanation."
}

// Generate asks the local model for one shell command candidate.
func (o *Ollama) Generate(ctx context.Context, req model.CommandRequest) (model.GeneratedCommand, error) {
	client, err := o.client()
	if err != nil {
		return model.GeneratedCommand{}, &Error{Backend: o.Name(), Kind: ErrUnavailable, Err: err}
	}

	messages := []ollama.Message{
		{Role: "system", Content: systemPrompt()},
		{Role: "user", Content: promptFor(req)},
	}

	req2 := &ollama.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Options: map[string]interface{}{
			"temperature":    0.1,
			"top_p":          0.9,
			"num_predict":    512,
			"repeat_penalty": 1.1,
			"stop":           []string{"\n\n\n"},
			"stream":         false,
		},
	}

	var buf bytes.Buffer
	err = client.Chat(ctx, req2, func(res ollama.ChatResponse) error {
		buf.WriteString(res.Message.Content)
		return nil
	})
	if err != nil {
		return model.GeneratedCommand{}, &Error{Backend: o.Name(), Kind: ErrUnavailable, Err: err}
	}

	cmdText, explanation, err := ParseOutput(buf.String())
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

func promptFor(req model.CommandRequest) string {
	var sb strings.Builder
	sb.WriteString("Shell: ")
	sb.WriteString(req.Context.Shell.String())
	sb.WriteString("\nWorking directory: ")
	sb.WriteString(req.Context.WorkingDir)
	sb.WriteString("\nRequest: ")
	sb.WriteString(req.Prompt)
	return sb.String()
}
