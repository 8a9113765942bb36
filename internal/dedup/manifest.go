package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"minas/internal/metastore"
)

// Manifest maps canonical file paths to the sha256 of their bytes. The
// authoritative data lives in the metadata store; Manifest keeps a reverse
// index (hash -> paths) so duplicate checks do not scan every entry.
//
// All mutations run inside metastore.Apply, which serializes them, so the
// index is only written from the store's merger goroutine.
type Manifest struct {
	store *metastore.Store

	once    sync.Once
	mu      sync.RWMutex
	index   map[string]map[string]struct{}
	pending map[string]chan struct{} // claimed, file not moved into place yet; closed on Settle
}

func NewManifest(store *metastore.Store) *Manifest {
	return &Manifest{store: store, pending: map[string]chan struct{}{}}
}

func (m *Manifest) init() {
	m.once.Do(func() {
		idx := map[string]map[string]struct{}{}
		m.store.View(func(r *metastore.Record) {
			for p, h := range r.FileHashes {
				addIndex(idx, p, h)
			}
		})
		m.mu.Lock()
		m.index = idx
		m.mu.Unlock()
	})
}

func addIndex(idx map[string]map[string]struct{}, p, h string) {
	set := idx[h]
	if set == nil {
		set = map[string]struct{}{}
		idx[h] = set
	}
	set[p] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, p, h string) {
	if set := idx[h]; set != nil {
		delete(set, p)
		if len(set) == 0 {
			delete(idx, h)
		}
	}
}

// ContentHash streams the file at path through sha256 and returns the
// lowercase hex digest. It stops early when ctx is canceled.
func ContentHash(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 1024*1024)
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		rn, rerr := f.Read(buf)
		if rn > 0 {
			_, _ = h.Write(buf[:rn])
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsDuplicate reports whether any manifest entry carries hash.
func (m *Manifest) IsDuplicate(hash string) bool {
	m.init()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index[hash]) > 0
}

// Lookup returns the recorded hash for a canonical path.
func (m *Manifest) Lookup(path string) (string, bool) {
	var (
		h  string
		ok bool
	)
	m.store.View(func(r *metastore.Record) { h, ok = r.FileHashes[path] })
	return h, ok
}

// Admit records path -> hash.
func (m *Manifest) Admit(ctx context.Context, path, hash string) error {
	m.init()
	_, err := m.store.Apply(ctx, func(r *metastore.Record) error {
		m.setLocked(r, path, hash)
		return nil
	})
	return err
}

// Claim atomically admits path -> hash unless some other manifest entry
// already carries hash, in which case it returns false. Uploads use it so two
// concurrent copies of the same bytes cannot both be stored. A successful
// claim must be followed by Settle once the file is in place, or by Release
// if moving it failed.
//
// When the holder is itself a claim still in flight, Claim waits for it to
// settle or be released and then decides again, so a duplicate is never
// reported for bytes that end up not being stored. Entries whose file no
// longer exists on disk (removed outside the API) are dropped on the way
// instead of blocking the upload forever.
func (m *Manifest) Claim(ctx context.Context, path, hash string) (bool, error) {
	m.init()
	for {
		claimed, inflight, err := m.tryClaim(ctx, path, hash)
		if err != nil || inflight == nil {
			return claimed, err
		}
		select {
		case <-inflight:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (m *Manifest) tryClaim(ctx context.Context, path, hash string) (claimed bool, inflight <-chan struct{}, err error) {
	_, err = m.store.Apply(ctx, func(r *metastore.Record) error {
		m.mu.RLock()
		holders := make([]string, 0, len(m.index[hash]))
		for p := range m.index[hash] {
			if ch, ok := m.pending[p]; ok {
				inflight = ch
				m.mu.RUnlock()
				return nil
			}
			holders = append(holders, p)
		}
		m.mu.RUnlock()
		for _, p := range holders {
			if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
				return nil
			}
			m.deleteLocked(r, p)
		}
		m.setLocked(r, path, hash)
		m.mu.Lock()
		m.pending[path] = make(chan struct{})
		m.mu.Unlock()
		claimed = true
		return nil
	})
	return claimed, inflight, err
}

// Settle marks a claimed path as backed by a file on disk and wakes uploads
// waiting on it.
func (m *Manifest) Settle(path string) {
	m.mu.Lock()
	if ch, ok := m.pending[path]; ok {
		delete(m.pending, path)
		close(ch)
	}
	m.mu.Unlock()
}

// Release undoes a claim whose file never made it into place. Waiters retry
// only after the entry is gone.
func (m *Manifest) Release(ctx context.Context, path string) error {
	err := m.Remove(ctx, path)
	m.Settle(path)
	return err
}

// Remove drops the entry for path if present.
func (m *Manifest) Remove(ctx context.Context, path string) error {
	return m.RemoveMany(ctx, []string{path})
}

// RemoveMany drops the entries for paths in a single store update.
func (m *Manifest) RemoveMany(ctx context.Context, paths []string) error {
	m.init()
	_, err := m.store.Apply(ctx, func(r *metastore.Record) error {
		for _, p := range paths {
			m.deleteLocked(r, p)
		}
		return nil
	})
	return err
}

// RemoveUnder drops dir itself and every entry below it; used when a whole
// directory is deleted.
func (m *Manifest) RemoveUnder(ctx context.Context, dirs ...string) error {
	m.init()
	_, err := m.store.Apply(ctx, func(r *metastore.Record) error {
		for p := range r.FileHashes {
			for _, d := range dirs {
				if p == d || strings.HasPrefix(p, d+string(filepath.Separator)) {
					m.deleteLocked(r, p)
					break
				}
			}
		}
		return nil
	})
	return err
}

// Rekey moves the entry for from (and everything below it, for directories)
// to the corresponding path under to.
func (m *Manifest) Rekey(ctx context.Context, from, to string) error {
	m.init()
	_, err := m.store.Apply(ctx, func(r *metastore.Record) error {
		type move struct{ old, new, hash string }
		var moves []move
		for p, h := range r.FileHashes {
			switch {
			case p == from:
				moves = append(moves, move{p, to, h})
			case strings.HasPrefix(p, from+string(filepath.Separator)):
				moves = append(moves, move{p, to + strings.TrimPrefix(p, from), h})
			}
		}
		for _, mv := range moves {
			m.deleteLocked(r, mv.old)
		}
		for _, mv := range moves {
			m.setLocked(r, mv.new, mv.hash)
		}
		return nil
	})
	return err
}

// Len is the number of manifest entries.
func (m *Manifest) Len() int {
	n := 0
	m.store.View(func(r *metastore.Record) { n = len(r.FileHashes) })
	return n
}

// setLocked and deleteLocked must only run inside store.Apply.
func (m *Manifest) setLocked(r *metastore.Record, path, hash string) {
	if r.FileHashes == nil {
		r.FileHashes = map[string]string{}
	}
	m.mu.Lock()
	if old, ok := r.FileHashes[path]; ok {
		dropIndex(m.index, path, old)
	}
	addIndex(m.index, path, hash)
	m.mu.Unlock()
	r.FileHashes[path] = hash
}

func (m *Manifest) deleteLocked(r *metastore.Record, path string) {
	old, ok := r.FileHashes[path]
	if !ok {
		return
	}
	delete(r.FileHashes, path)
	m.mu.Lock()
	dropIndex(m.index, path, old)
	m.mu.Unlock()
}
