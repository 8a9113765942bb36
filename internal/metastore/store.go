// Package metastore keeps the configuration, dedup manifest and device
// registry in one JSON document.
//
// The in-memory copy is authoritative. Every mutation goes through a single
// merger goroutine in FIFO order and is visible to all callers as soon as the
// call returns; a separate persister goroutine writes snapshots to disk with
// temp-file-then-rename. Persist failures are logged and counted but never
// returned from Update/Apply.
package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"minas/internal/metrics"
)

var ErrClosed = errors.New("metastore: closed")

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l.With().Str("component", "metastore").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

type request struct {
	fn   func(*Record) error
	resp chan response
}

type response struct {
	rec Record
	err error
}

type Store struct {
	path      string
	log       zerolog.Logger
	metrics   *metrics.Metrics
	writeFile func(path string, data []byte) error

	loadOnce sync.Once

	mu        sync.RWMutex
	rec       Record
	version   uint64 // bumped on every applied mutation
	attempted uint64 // highest version that had a persist attempt
	attemptCh chan struct{}
	lastErr   error

	reqs          chan request
	dirty         chan struct{}
	quit          chan struct{}
	mergerDone    chan struct{}
	persistStop   chan struct{}
	persisterDone chan struct{}
	closeOnce     sync.Once
}

// Open creates a store backed by path. Nothing is read until first access.
func Open(path string, opts ...Option) *Store {
	s := &Store{
		path:          path,
		log:           zerolog.Nop(),
		writeFile:     atomicWriteFile,
		attemptCh:     make(chan struct{}),
		reqs:          make(chan request),
		dirty:         make(chan struct{}, 1),
		quit:          make(chan struct{}),
		mergerDone:    make(chan struct{}),
		persistStop:   make(chan struct{}),
		persisterDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.runMerger()
	go s.runPersister()
	return s
}

func (s *Store) Path() string { return s.path }

func (s *Store) load() {
	s.loadOnce.Do(func() {
		rec := Record{}
		b, err := os.ReadFile(s.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			s.log.Warn().Err(err).Str("path", s.path).Msg("read metadata failed, starting empty")
		default:
			if err := json.Unmarshal(b, &rec); err != nil {
				s.log.Warn().Err(err).Str("path", s.path).Msg("metadata document is malformed, starting empty")
				rec = Record{}
			}
		}
		s.mu.Lock()
		s.rec = rec
		s.mu.Unlock()
	})
}

// Read returns a deep copy of the current record.
func (s *Store) Read() Record {
	s.load()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Clone()
}

// View runs fn against the live record under the read lock. fn must not
// retain or modify r.
func (s *Store) View(fn func(r *Record)) {
	s.load()
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&s.rec)
}

// Update merges p into the record.
func (s *Store) Update(ctx context.Context, p Patch) (Record, error) {
	return s.Apply(ctx, func(r *Record) error {
		*r = Merge(*r, p)
		return nil
	})
}

// Apply runs fn on a private copy of the record inside the write queue and
// installs the result unless fn fails. Calls are applied in the order they
// reach the queue, each one seeing every earlier mutation.
func (s *Store) Apply(ctx context.Context, fn func(r *Record) error) (Record, error) {
	s.load()
	req := request{fn: fn, resp: make(chan response, 1)}
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case <-s.quit:
		return Record{}, ErrClosed
	}
	// once queued the mutation is applied regardless of ctx; merging is
	// in-memory and short
	res := <-req.resp
	return res.rec, res.err
}

func (s *Store) runMerger() {
	defer close(s.mergerDone)
	for {
		select {
		case req := <-s.reqs:
			s.mu.Lock()
			next := s.rec.Clone()
			err := req.fn(&next)
			if err == nil {
				s.rec = next
				s.version++
			}
			out := s.rec.Clone()
			s.mu.Unlock()
			if err == nil {
				s.markDirty()
			}
			req.resp <- response{rec: out, err: err}
		case <-s.quit:
			return
		}
	}
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
		// a persist is already pending and will pick up this version
	}
}

func (s *Store) runPersister() {
	defer close(s.persisterDone)
	for {
		select {
		case <-s.dirty:
			s.persist()
		case <-s.persistStop:
			s.mu.RLock()
			pending := s.attempted < s.version
			s.mu.RUnlock()
			if pending {
				s.persist()
			}
			return
		}
	}
}

func (s *Store) persist() {
	s.mu.RLock()
	v := s.version
	data, err := json.MarshalIndent(s.rec, "", "  ")
	s.mu.RUnlock()

	start := time.Now()
	if err == nil {
		err = s.writeFile(s.path, data)
	}
	s.metrics.Persist(err, time.Since(start))
	if err != nil {
		s.log.Error().Err(err).Str("path", s.path).Uint64("version", v).Msg("persist metadata failed, keeping in-memory state")
	}

	s.mu.Lock()
	if v > s.attempted {
		s.attempted = v
	}
	s.lastErr = err
	close(s.attemptCh)
	s.attemptCh = make(chan struct{})
	s.mu.Unlock()
}

// Flush blocks until every mutation applied before the call has been through
// a persist attempt, and returns that attempt's error.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	target := s.version
	s.mu.RUnlock()
	for {
		s.mu.RLock()
		done, err, ch := s.attempted >= target, s.lastErr, s.attemptCh
		s.mu.RUnlock()
		if done {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.persisterDone:
			s.mu.RLock()
			defer s.mu.RUnlock()
			if s.attempted >= target {
				return s.lastErr
			}
			return ErrClosed
		}
	}
}

// LastPersistError reports the result of the most recent disk write; nil
// after a successful one. It lets operators detect degraded persistence
// without changing the in-memory success contract of Update.
func (s *Store) LastPersistError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Close stops accepting mutations, writes any pending state and stops the
// background goroutines.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.mergerDone
		close(s.persistStop)
		<-s.persisterDone
	})
	return s.LastPersistError()
}

// TokenSecret returns the signing secret, generating and persisting it on
// first use.
func (s *Store) TokenSecret(ctx context.Context) (string, error) {
	var secret string
	s.View(func(r *Record) { secret = r.TokenSecret })
	if secret != "" {
		return secret, nil
	}
	rec, err := s.Apply(ctx, func(r *Record) error {
		if r.TokenSecret == "" {
			r.TokenSecret = uuid.NewString()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return rec.TokenSecret, nil
}

// PersistentSubdomain returns the stable public name of this instance,
// generating "minas-xxxxxx" on first use.
func (s *Store) PersistentSubdomain(ctx context.Context) (string, error) {
	var sub string
	s.View(func(r *Record) { sub = r.PersistentSubdomain })
	if sub != "" {
		return sub, nil
	}
	rec, err := s.Apply(ctx, func(r *Record) error {
		if r.PersistentSubdomain == "" {
			r.PersistentSubdomain = "minas-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return rec.PersistentSubdomain, nil
}

// atomicWriteFile writes data next to path and renames it into place, so a
// concurrent reader sees either the old or the new document.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	// holds the password hash and token secret
	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	success = true
	return nil
}
