// Package history records an opt-in, append-only JSONL log of each run's
// prompt, generated command, safety verdict, and execution outcome, and
// answers the few most recent commands back to the context collector.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Record is one line of history.jsonl.
type Record struct {
	Timestamp time.Time `json:"ts"`
	Prompt    string    `json:"prompt"`
	Command   string    `json:"command"`
	Backend   string    `json:"backend"`
	Risk      string    `json:"risk"`
	Outcome   string    `json:"outcome"`
	ExitCode  int       `json:"exit_code"`
}

// Store appends Records to, and reads recent commands back from, a single
// JSONL file guarded by an advisory lock shared with other caro processes.
type Store struct {
	path string
}

// Open returns a Store backed by path, creating its parent directory if
// necessary. It does not create the file itself; Append does that lazily.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &Store{path: path}, nil
}

// DefaultPath resolves history.jsonl under XDG_CACHE_HOME/caro (or
// ~/.cache/caro), mirroring the logger's own cache-directory convention.
func DefaultPath() (string, error) {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "caro", "history.jsonl"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve history path: %w", err)
	}
	return filepath.Join(home, ".cache", "caro", "history.jsonl"), nil
}

// Append writes rec as one JSON line, taking an exclusive lock on path for
// the duration of the write so concurrent caro invocations don't interleave.
func (s *Store) Append(rec Record) error {
	fl := flock.New(s.path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock history file: %w", err)
	}
	defer fl.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Recent returns the command text of the last n records, oldest first, for
// use as a CommandRequest's recent-commands context. A missing history file
// is not an error; it simply yields no recent commands.
func (s *Store) Recent(n int) ([]string, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // skip a corrupt line rather than fail the whole read
		}
		all = append(all, rec.Command)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}

	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
