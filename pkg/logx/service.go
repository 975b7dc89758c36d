package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogFile = "./postsched.log"

type Config struct {
	Level   string
	Console bool
	// JSON writes raw JSON lines to stdout instead of the console format.
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the log sinks. Apply rebuilds them; Loggers handed out by the
// Service see the change on their next write.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]

	stdout io.Writer
	stderr io.Writer
}

func New(cfg Config) (*Service, Logger) {
	s := &Service{stdout: os.Stdout, stderr: os.Stderr}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps sinks and level. The log file is reopened only when its path
// changes. With no sink enabled, console output to stderr is used.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		if cfg.JSON {
			sinks = append(sinks, s.stdout)
		} else {
			sinks = append(sinks, consoleWriter(s.stdout))
		}
	}

	path := ""
	if cfg.File.Enabled {
		path = strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
	}
	if path != s.filePath {
		s.closeFileLocked()
		if path != "" {
			if f, err := openLogFile(path); err != nil {
				fmt.Fprintf(s.stderr, "logx: %v\n", err)
			} else {
				s.file, s.filePath = f, path
			}
		}
	}
	if s.file != nil {
		sinks = append(sinks, zerolog.SyncWriter(s.file))
	}

	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(s.stderr))
	}
	zl := newRoot(zerolog.MultiLevelWriter(sinks...), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	f := s.file
	s.file, s.filePath = nil, ""
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}
