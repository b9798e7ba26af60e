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

// Generic dispatches generation to a minimal, bare JSON endpoint: a
// request envelope of {"prompt": "..."} answered with {"cmd": "..."},
// the second of caro's two supported remote protocol variants.
type Generic struct {
	baseURL string
	client  *http.Client
}

// NewGeneric builds a remote backend against the bare-JSON protocol,
// bounding each request to timeout (falling back to 60s when zero).
func NewGeneric(baseURL string, timeout time.Duration) *Generic {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Generic{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (g *Generic) Name() string { return "generic" }

// Available reports whether an endpoint is configured.
func (g *Generic) Available(context.Context) bool { return g.baseURL != "" }

type genericRequest struct {
	Prompt  string            `json:"prompt"`
	Shell   string            `json:"shell"`
	Cwd     string            `json:"cwd"`
	Context map[string]string `json:"context"`
}

// Generate posts the request envelope and parses the server's reply.
func (g *Generic) Generate(ctx context.Context, req model.CommandRequest) (model.GeneratedCommand, error) {
	payload, err := json.Marshal(genericRequest{
		Prompt:  req.Prompt,
		Shell:   req.Context.Shell.String(),
		Cwd:     req.Context.WorkingDir,
		Context: req.Context.EnvSummary,
	})
	if err != nil {
		return model.GeneratedCommand{}, &Error{Backend: g.Name(), Kind: ErrDecode, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(payload))
	if err != nil {
		return model.GeneratedCommand{}, &Error{Backend: g.Name(), Kind: ErrUnavailable, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return model.GeneratedCommand{}, &Error{Backend: g.Name(), Kind: ErrUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.GeneratedCommand{}, &Error{Backend: g.Name(), Kind: ErrUnavailable, Err: fmt.Errorf("unexpected status: %s", resp.Status)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.GeneratedCommand{}, &Error{Backend: g.Name(), Kind: ErrDecode, Err: err}
	}

	cmdText, explanation, err := ParseOutput(string(raw))
	if err != nil {
		return model.GeneratedCommand{}, err
	}
	return model.GeneratedCommand{
		Command:     cmdText,
		Explanation: explanation,
		Backend:     g.Name(),
	}, nil
}
