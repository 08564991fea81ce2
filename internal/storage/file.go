package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "delayd/pkg/logx"
)

// fileStore is the dependency-free journal backend: a single append-only
// JSON Lines file. PruneBefore compacts it through a temp-file rewrite.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendOutcome(ctx context.Context, e OutcomeEntry) error {
	_ = ctx
	if e.Recorded.IsZero() {
		e.Recorded = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("journal file closed")
	}
	return json.NewEncoder(s.f).Encode(e)
}

// PruneBefore rewrites the journal keeping only entries recorded at or after
// cutoff. Malformed lines are dropped along the way.
func (s *fileStore) PruneBefore(ctx context.Context, cutoff time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("journal file closed")
	}

	in, err := os.Open(s.path)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return err
	}

	var kept, dropped int
	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e OutcomeEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			dropped++
			continue
		}
		if e.Recorded.Before(cutoff) {
			dropped++
			continue
		}
		_, _ = w.Write(sc.Bytes())
		_ = w.WriteByte('\n')
		kept++
	}
	scanErr := sc.Err()
	_ = in.Close()
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if scanErr != nil {
		return scanErr
	}

	// Swap under the lock; the open append handle is replaced with one on
	// the compacted file.
	_ = s.f.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		s.f, _ = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return err
	}
	s.f = f
	s.log.Debug("journal compacted", logx.Int("kept", kept), logx.Int("dropped", dropped))
	return nil
}
