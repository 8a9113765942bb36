package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"minas/internal/apperr"
)

const stagedSuffix = ".part"

// Stager owns the staging directory where uploads are written and hashed
// before the dedup decision. It must live on the same filesystem as the
// storage root for Commit to be a plain rename.
type Stager struct {
	dir string
}

// NewStager creates <stateDir>/staging.
func NewStager(stateDir string) (*Stager, error) {
	dir := filepath.Join(stateDir, "staging")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Stager{dir: dir}, nil
}

func (s *Stager) Dir() string { return s.dir }

// Stage copies r into a fresh staging file and returns its path and size.
// A stream longer than limit (when limit > 0) is rejected, never truncated,
// and its partial file removed.
func (s *Stager) Stage(ctx context.Context, r io.Reader, limit int64) (path string, size int64, err error) {
	tmp := filepath.Join(s.dir, uuid.NewString()+stagedSuffix)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if limit > 0 {
		// one byte past the limit tells "exactly limit" apart from "more"
		src = io.LimitReader(src, limit+1)
	}
	size, err = io.Copy(f, src)
	if err != nil {
		return "", 0, err
	}
	if limit > 0 && size > limit {
		return "", 0, apperr.New(apperr.KindTooLarge, fmt.Sprintf("File exceeds the %d byte upload limit", limit))
	}
	if err = f.Close(); err != nil {
		return "", 0, err
	}
	return tmp, size, nil
}

// Commit moves a staged file to dst, creating parent directories. Rename is
// atomic within a filesystem; across devices it falls back to copy+fsync.
func (s *Stager) Commit(staged, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(staged, dst); err != nil {
		if err2 := copyFile(staged, dst); err2 != nil {
			return fmt.Errorf("commit staged file: rename=%v copy=%v", err, err2)
		}
		_ = os.Remove(staged)
	}
	return nil
}

// Discard removes a staged file; missing files are fine.
func (s *Stager) Discard(staged string) {
	_ = os.Remove(staged)
}

// Sweep deletes staged files older than maxAge, left behind by aborted
// uploads or crashes. It returns how many were removed.
func (s *Stager) Sweep(maxAge time.Duration) (int, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stagedSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil || errors.Is(err, os.ErrNotExist) {
			n++
		}
	}
	return n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}
