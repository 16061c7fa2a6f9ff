package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JSONFileSink writes records as JSON lines into a per-guild directory tree:
// <root>/<guild-name>_<guild-id>/<YYYY-MM-DD>.jsonl.
type JSONFileSink struct {
	root string
	mu   sync.Mutex
}

// NewJSONFileSink creates the sink rooted at dir, creating it if needed.
func NewJSONFileSink(dir string) (*JSONFileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return &JSONFileSink{root: dir}, nil
}

// SaveLog appends the record to today's file for the record's guild.
func (s *JSONFileSink) SaveLog(_ context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	dir := filepath.Join(s.root, sanitizeName(r.Guild.Name)+"_"+r.Guild.ID)
	path := filepath.Join(dir, r.Timestamp.Format("2006-01-02")+".jsonl")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create guild log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append log record: %w", err)
	}
	return nil
}

// Close is a no-op; files are opened per write.
func (s *JSONFileSink) Close() error { return nil }

// sanitizeName keeps guild names filesystem safe.
func sanitizeName(name string) string {
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
