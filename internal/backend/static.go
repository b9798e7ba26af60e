package backend

import (
	"context"
	"regexp"
	"strings"

	"github.com/alantheprice/caro/internal/model"
)

// staticRule is one regex-to-template entry in the offline matcher.
type staticRule struct {
	match *regexp.Regexp
	apply func([]string) string
}

// Static is the dependency-free fallback backend: a small table of
// regex-to-template rules for the most common requests, used when no
// network backend is reachable.
type Static struct {
	rules []staticRule
}

// NewStatic builds the built-in static matcher.
func NewStatic() *Static {
	return &Static{rules: []staticRule{
		{regexp.MustCompile(`(?i)^list files?( in (.+))?$`), func(m []string) string {
			if m[2] != "" {
				return "ls -la " + strings.TrimSpace(m[2])
			}
			return "ls -la"
		}},
		{regexp.MustCompile(`(?i)^(show|print) (current )?(working )?dir(ectory)?$`), func(m []string) string {
			return "pwd"
		}},
		{regexp.MustCompile(`(?i)^(show|list) disk (usage|space)$`), func(m []string) string {
			return "df -h"
		}},
		{regexp.MustCompile(`(?i)^(show|list) running processes$`), func(m []string) string {
			return "ps aux"
		}},
	}}
}

func (s *Static) Name() string { return "static" }

// Available is always true: the static matcher has no external dependency.
func (s *Static) Available(context.Context) bool { return true }

// Generate matches req.Prompt against the static rule table; returns a
// decode Error if no rule matches.
func (s *Static) Generate(_ context.Context, req model.CommandRequest) (model.GeneratedCommand, error) {
	prompt := strings.TrimSpace(req.Prompt)
	for _, r := range s.rules {
		if m := r.match.FindStringSubmatch(prompt); m != nil {
			return model.GeneratedCommand{
				Command: r.apply(m),
				Backend: s.Name(),
			}, nil
		}
	}
	return model.GeneratedCommand{}, &Error{Backend: s.Name(), Kind: ErrDecode, Err: errNoStaticMatch}
}

var errNoStaticMatch = decodeErr("no static rule matched the request")
