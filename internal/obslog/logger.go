// Package obslog provides caro's rotating file logger plus the
// yes/no confirmation prompt shared by the safety and agent packages.
package obslog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps a rotating file-backed *log.Logger plus the flags that
// control JSON-structured log lines and interactive confirmation prompts.
type Logger struct {
	logger        *log.Logger
	interactive   bool
	jsonMode      bool
	verbosity     int
	correlationID string
	in            io.Reader
	out           io.Writer
}

// SetVerbosity controls how much of what's normally file-only logging is
// also echoed to stderr: 0 is silent, 1 echoes Logf lines, 2 additionally
// echoes LogError detail that would otherwise only appear in the log file.
func (l *Logger) SetVerbosity(n int) {
	l.verbosity = n
}

var (
	global Logger
	once   sync.Once
)

// Get returns the process-wide singleton logger, creating it on first call.
// interactive controls whether AskForConfirmation may block on stdin;
// subsequent calls may still flip it.
func Get(interactive bool) *Logger {
	once.Do(func() {
		dir := logDir()
		_ = os.MkdirAll(dir, 0o755)
		lj := &lumberjack.Logger{
			Filename:   filepath.Join(dir, "caro.log"),
			MaxSize:    15,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		global = Logger{
			logger: log.New(lj, "", log.LstdFlags),
			in:     os.Stdin,
			out:    os.Stderr,
		}
	})
	global.interactive = interactive
	if os.Getenv("CARO_JSON_LOGS") == "1" {
		global.jsonMode = true
	}
	if cid := os.Getenv("CARO_CORRELATION_ID"); cid != "" {
		global.correlationID = cid
	}
	return &global
}

func logDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "caro")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cache/caro"
	}
	return filepath.Join(home, ".cache", "caro")
}

// Close releases the underlying rotating file handle.
func (l *Logger) Close() error {
	if lj, ok := l.logger.Writer().(*lumberjack.Logger); ok {
		return lj.Close()
	}
	return nil
}

// Logf writes a formatted line to the log file, as a JSON object when
// CARO_JSON_LOGS=1 is set.
func (l *Logger) Logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.jsonMode {
		_ = json.NewEncoder(l.logger.Writer()).Encode(map[string]any{
			"level": "info", "msg": msg, "cid": l.correlationID,
		})
	} else {
		l.logger.Print(msg)
	}
	if l.verbosity >= 1 {
		fmt.Fprintf(l.out, "caro: %s\n", msg)
	}
}

// LogError writes an error to the log file.
func (l *Logger) LogError(err error) {
	if err == nil {
		return
	}
	if l.jsonMode {
		_ = json.NewEncoder(l.logger.Writer()).Encode(map[string]any{
			"level": "error", "error": err.Error(), "cid": l.correlationID,
		})
	} else {
		l.logger.Printf("error: %s", err)
	}
	if l.verbosity >= 2 {
		fmt.Fprintf(l.out, "caro: error: %s\n", err)
	}
}

// AskForConfirmation prompts on stdin for a yes/no answer. When the logger
// is non-interactive, it returns defaultResponse unless required is true,
// in which case it returns an error instead of blocking or guessing.
func (l *Logger) AskForConfirmation(prompt string, defaultResponse, required bool) (bool, error) {
	if !l.interactive {
		if required {
			l.Logf("confirmation required but interaction disabled: %s", prompt)
			return false, fmt.Errorf("confirmation required for %q but running non-interactively", prompt)
		}
		l.Logf("skipping confirmation (non-interactive), default=%v: %s", defaultResponse, prompt)
		return defaultResponse, nil
	}
	reader := bufio.NewReader(l.in)
	for {
		fmt.Fprintf(l.out, "%s (yes/no): ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return defaultResponse, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "yes", "y":
			return true, nil
		case "no", "n":
			return false, nil
		default:
			fmt.Fprintln(l.out, "please type 'yes' or 'no'")
		}
	}
}

// ConfirmResponse is the user's answer to a run confirmation prompt: a
// plain accept/reject, an edited replacement command, or refinement
// feedback to carry into the next generation cycle.
type ConfirmResponse struct {
	Confirmed     bool
	Cancelled     bool
	EditedCommand string
	Feedback      string
}

// Confirm prompts on stdin for one of: yes, no/cancel, "edit <command>", or
// "refine <feedback>". When the logger is non-interactive it returns a
// cancelled response rather than blocking or guessing.
func (l *Logger) Confirm(prompt string) (ConfirmResponse, error) {
	if !l.interactive {
		l.Logf("skipping confirmation (non-interactive), treating as cancelled: %s", prompt)
		return ConfirmResponse{Cancelled: true}, nil
	}
	reader := bufio.NewReader(l.in)
	for {
		fmt.Fprintf(l.out, "%s\n[y]es / [n]o / edit <command> / refine <feedback>: ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return ConfirmResponse{Cancelled: true}, err
		}
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		switch {
		case lower == "yes" || lower == "y":
			return ConfirmResponse{Confirmed: true}, nil
		case lower == "no" || lower == "n" || lower == "cancel" || lower == "c":
			return ConfirmResponse{Cancelled: true}, nil
		case strings.HasPrefix(lower, "edit "):
			edited := strings.TrimSpace(trimmed[len("edit "):])
			if edited == "" {
				fmt.Fprintln(l.out, "edit requires replacement command text")
				continue
			}
			return ConfirmResponse{EditedCommand: edited}, nil
		case strings.HasPrefix(lower, "refine "):
			feedback := strings.TrimSpace(trimmed[len("refine "):])
			if feedback == "" {
				fmt.Fprintln(l.out, "refine requires feedback text")
				continue
			}
			return ConfirmResponse{Feedback: feedback}, nil
		default:
			fmt.Fprintln(l.out, "please answer yes, no, 'edit <command>', or 'refine <feedback>'")
		}
	}
}

// SetIO overrides stdin/stdout for testing.
func (l *Logger) SetIO(in io.Reader, out io.Writer) {
	l.in = in
	l.out = out
}
