// Package media stores uploaded post images by content hash.
//
// A ref is "<sha256 hex>.<ext>" where ext is jpg or png. Files live under a
// two-character fan-out directory so a busy store doesn't pile everything
// into one directory. The filesystem is an afero.Fs: the OS in production,
// MemMapFs in tests.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	logx "postsched/pkg/logx"
)

const DefaultMaxBytes int64 = 5 << 20

var (
	ErrTooLarge        = errors.New("media: image too large")
	ErrEmpty           = errors.New("media: empty image")
	ErrUnsupportedType = errors.New("media: only jpeg and png images are supported")
	ErrInvalidRef      = errors.New("media: invalid image ref")
	ErrNotFound        = errors.New("media: image not found")
)

var extByType = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
}

var typeByExt = map[string]string{
	"jpg": "image/jpeg",
	"png": "image/png",
}

type Config struct {
	Dir      string
	MaxBytes int64
}

type Store struct {
	fs       afero.Fs
	maxBytes int64
	log      logx.Logger
	now      func() time.Time

	// mu orders Put's write-or-refresh against Sweep's removals.
	mu sync.Mutex
}

// New returns a store rooted at the top of fsys.
func New(fsys afero.Fs, maxBytes int64, log logx.Logger) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{fs: fsys, maxBytes: maxBytes, log: log, now: time.Now}
}

// Open returns a store on the OS filesystem under cfg.Dir, creating it if needed.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("media: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create dir: %w", err)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir), cfg.MaxBytes, log), nil
}

func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Put stores the image read from r and returns its ref and content type.
// Identical content is stored once.
func (s *Store) Put(ctx context.Context, r io.Reader) (ref, ctype string, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("media: read: %w", err)
	}
	if len(data) == 0 {
		return "", "", ErrEmpty
	}
	if int64(len(data)) > s.maxBytes {
		return "", "", fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, s.maxBytes)
	}
	ctype = http.DetectContentType(data)
	ext, ok := extByType[ctype]
	if !ok {
		return "", "", fmt.Errorf("%w: got %s", ErrUnsupportedType, ctype)
	}

	sum := sha256.Sum256(data)
	ref = hex.EncodeToString(sum[:]) + "." + ext
	p := refPath(ref)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := afero.Exists(s.fs, p); err != nil {
		return "", "", fmt.Errorf("media: stat: %w", err)
	} else if ok {
		// A re-upload counts as new so Sweep keeps it for the new job.
		now := s.now()
		if err := s.fs.Chtimes(p, now, now); err != nil {
			return "", "", fmt.Errorf("media: touch: %w", err)
		}
		return ref, ctype, nil
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return "", "", fmt.Errorf("media: mkdir: %w", err)
	}
	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return "", "", fmt.Errorf("media: write: %w", err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return "", "", fmt.Errorf("media: commit: %w", err)
	}
	s.log.Debug("image stored", logx.String("ref", ref), logx.Int("bytes", len(data)))
	return ref, ctype, nil
}

// Load returns the image bytes and content type for ref.
func (s *Store) Load(ctx context.Context, ref string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	ctype, err := validRef(ref)
	if err != nil {
		return nil, "", err
	}
	data, err := afero.ReadFile(s.fs, refPath(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, "", fmt.Errorf("media: read %s: %w", ref, err)
	}
	if !bytes.Equal(hashOf(data), []byte(ref[:64])) {
		return nil, "", fmt.Errorf("media: %s is corrupt", ref)
	}
	return data, ctype, nil
}

func (s *Store) Remove(ref string) error {
	if _, err := validRef(ref); err != nil {
		return err
	}
	if err := s.fs.Remove(refPath(ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("media: remove %s: %w", ref, err)
	}
	return nil
}

// Sweep removes images last written before cutoff unless inUse reports them
// as still referenced. It returns the number removed.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time, inUse func(ref string) bool) (int, error) {
	var stale []string
	err := afero.Walk(s.fs, "/", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			return nil
		}
		ref := path.Base(p)
		if _, err := validRef(ref); err != nil {
			// Leftover temp files from an interrupted Put.
			if strings.HasSuffix(ref, ".tmp") && info.ModTime().Before(cutoff) {
				_ = s.fs.Remove(p)
			}
			return nil
		}
		if info.ModTime().Before(cutoff) && (inUse == nil || !inUse(ref)) {
			stale = append(stale, ref)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("media: sweep: %w", err)
	}
	n := 0
	for _, ref := range stale {
		removed, err := s.removeIfStale(ref, cutoff)
		if err != nil {
			s.log.Warn("image sweep failed", logx.String("ref", ref), logx.Err(err))
			continue
		}
		if removed {
			n++
		}
	}
	return n, nil
}

// removeIfStale re-checks the file under mu, so an image re-uploaded after
// the walk survives.
func (s *Store) removeIfStale(ref string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.fs.Stat(refPath(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("media: stat %s: %w", ref, err)
	}
	if !info.ModTime().Before(cutoff) {
		return false, nil
	}
	if err := s.Remove(ref); err != nil {
		return false, err
	}
	return true, nil
}

func validRef(ref string) (string, error) {
	name, ext, ok := strings.Cut(ref, ".")
	if !ok || len(name) != 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(name); err != nil || strings.ToLower(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	ctype, ok := typeByExt[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return ctype, nil
}

func refPath(ref string) string {
	return path.Join("/", ref[:2], ref)
}

func hashOf(data []byte) []byte {
	sum := sha256.Sum256(data)
	return []byte(hex.EncodeToString(sum[:]))
}
