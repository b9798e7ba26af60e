// Package cmdcontext collects the environment snapshot attached to a
// CommandRequest: shell kind, working directory, OS/arch, a redacted
// environment summary, recent command history, and git branch state.
package cmdcontext

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/alantheprice/caro/internal/model"
	"github.com/alantheprice/caro/internal/safety"
)

// envAllowlist is the set of environment variables worth surfacing to the
// backend; everything else is omitted rather than redacted-in-place, since
// most env vars carry no signal for command generation.
var envAllowlist = []string{"PATH", "HOME", "LANG", "TERM", "EDITOR", "PWD"}

// Collect builds a Context for the current process.
func Collect(recentCommands []string) model.Context {
	wd, _ := os.Getwd()
	ctx := model.Context{
		Shell:          detectShell(),
		WorkingDir:     wd,
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		EnvSummary:     redactedEnv(),
		RecentCommands: recentCommands,
	}
	ctx.GitBranch, ctx.GitDirty = gitState(wd)
	return ctx
}

func detectShell() model.ShellKind {
	if s := os.Getenv("CARO_SHELL"); s != "" {
		return model.ParseShellKind(s)
	}
	if s := os.Getenv("SHELL"); s != "" {
		return model.ParseShellKind(s)
	}
	return model.ShellSh
}

func redactedEnv() map[string]string {
	out := make(map[string]string, len(envAllowlist))
	for _, k := range envAllowlist {
		if v, ok := os.LookupEnv(k); ok {
			out[k] = safety.RedactSecrets(v)
		}
	}
	return out
}

func gitState(dir string) (branch string, dirty bool) {
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return "", false
	}
	branch = strings.TrimSpace(string(out))

	status, err := exec.Command("git", "-C", dir, "status", "--porcelain").Output()
	if err != nil {
		return branch, false
	}
	return branch, len(strings.TrimSpace(string(status))) > 0
}
