// Package main is the entry point for caro, a CLI that translates
// natural-language requests into POSIX shell commands, validates them
// for safety, and executes them after confirmation.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/alantheprice/caro/internal/config"
	"github.com/alantheprice/caro/internal/modelcache"
)

var verbosity int

var rootCmd = &cobra.Command{
	Use:   "caro [FLAGS] <PROMPT>",
	Short: "Turn natural-language requests into safe shell commands",
	Long: `caro translates a natural-language request into a POSIX shell command using
a locally served or remote language model, checks the candidate against a
safety policy, and executes it only after you confirm.

  caro "find the five largest files under /var/log"
  caro -                     # read the prompt from stdin
  caro --explain "show me what branch I'm on"

Subcommands:
  cache      - inspect or manage the local model cache
  diagnose   - scan a file for leaked credentials`,
}

func main() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a config.toml or config.json (default: "+defaultConfigHint()+")")
	rootCmd.PersistentFlags().Bool("no-config", false, "ignore any config file and use built-in defaults plus CARO_* env overrides")
	rootCmd.PersistentFlags().String("output", "text", "output format: text|json")
	rootCmd.PersistentFlags().Bool("json", false, "shorthand for --output json")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colorized output")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase diagnostic output (-v, -vv)")

	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(diagnoseCmd)
}

func defaultConfigHint() string {
	dir, err := config.Dir()
	if err != nil {
		return "$XDG_CONFIG_HOME/caro/config.toml"
	}
	return dir + "/config.toml"
}

// outputFormat resolves --output/--json into a single "text"|"json" value,
// with --json winning if both are given.
func outputFormat(cmd *cobra.Command) string {
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return "json"
	}
	format, _ := cmd.Flags().GetString("output")
	if format == "" {
		return "text"
	}
	return format
}

// exitCodeFor maps a top-level error to caro's exit code taxonomy when
// cobra's own error path is taken (parsing failures, unknown commands)
// rather than runMain's own os.Exit call.
func exitCodeFor(err error) int {
	var ce *exitCodeError
	if errors.As(err, &ce) {
		return ce.code
	}
	var cacheErr *modelcache.CacheError
	if errors.As(err, &cacheErr) {
		return 7
	}
	return 64
}

// exitCodeError lets a RunE carry a specific exit code back through
// cobra's generic error return without losing the code to a bare
// fmt.Errorf wrap.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }
