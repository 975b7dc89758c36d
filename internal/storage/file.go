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

	logx "postsched/pkg/logx"
)

// fileStore keeps the history as an append-only JSON Lines journal
// (<prefix>.history.jsonl) with an in-memory index by job. Prune rewrites the
// journal through a temp file.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	journal *os.File
	byJob   map[string][]Record
	count   int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{
		log:   log,
		path:  filepath.Join(dir, base) + ".history.jsonl",
		byJob: map[string][]Record{},
	}

	skipped, err := s.replay()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("history journal had unreadable lines", logx.Int("skipped", skipped), logx.String("path", s.path))
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if torn, _ := endsMidLine(s.path); torn {
		_, _ = f.Write([]byte("\n"))
	}
	s.journal = f
	log.Debug("history store opened", logx.String("driver", "file"), logx.String("path", s.path), logx.Int("records", s.count))
	return s, nil
}

func (s *fileStore) replay() (skipped int, err error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.JobID == "" {
			// A torn final line after a crash is expected.
			skipped++
			continue
		}
		s.byJob[r.JobID] = append(s.byJob[r.JobID], r)
		s.count++
	}
	return skipped, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("history journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.byJob[r.JobID] = append(s.byJob[r.JobID], r)
	s.count++
	return nil
}

func (s *fileStore) History(ctx context.Context, jobID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.byJob[jobID]
	if len(recs) == 0 {
		return nil, nil
	}
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, errors.New("history journal closed")
	}

	removed := 0
	kept := make(map[string][]Record, len(s.byJob))
	for id, recs := range s.byJob {
		var keep []Record
		for _, r := range recs {
			if r.At.Before(before) {
				removed++
				continue
			}
			keep = append(keep, r)
		}
		if len(keep) > 0 {
			kept[id] = keep
		}
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, recs := range kept {
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				_ = f.Close()
				_ = os.Remove(tmp)
				return 0, err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}

	// The old handle points at the replaced inode.
	_ = s.journal.Close()
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.journal = nil
		return removed, err
	}
	s.journal = nf
	s.byJob = kept
	s.count -= removed
	return removed, nil
}

func endsMidLine(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return false, err
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, st.Size()-1); err != nil {
		return false, err
	}
	return b[0] != '\n', nil
}
