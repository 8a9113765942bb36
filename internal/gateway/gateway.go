// Package gateway implements the file operations behind the /api/fs routes:
// listing, uploads with content dedup, downloads, previews, folder creation
// and deletion. Every client path goes through fsutil.Resolve first.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"minas/internal/apperr"
	"minas/internal/dedup"
	"minas/internal/fsutil"
	"minas/internal/metrics"
	"minas/internal/preview"
)

const (
	TypeFile   = "file"
	TypeFolder = "folder"

	DefaultMaxUploadBytes int64 = 10 << 30
)

// Entry is one child of a listed directory.
type Entry struct {
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Stats is the space accounting of the volume holding the storage root.
type Stats struct {
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
}

// File is an opened download or preview. Content must be closed by the caller.
type File struct {
	Name        string
	ContentType string
	ModTime     time.Time
	Size        int64
	Content     io.ReadSeekCloser
}

type Options struct {
	Root     string
	StateDir string

	Manifest   *dedup.Manifest
	Stager     *dedup.Stager
	Transcoder *preview.Transcoder

	// MaxUploadBytes is the per-file ceiling; 0 means DefaultMaxUploadBytes,
	// negative disables the check.
	MaxUploadBytes int64

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

type Gateway struct {
	root     string
	stateDir string

	manifest   *dedup.Manifest
	stager     *dedup.Stager
	transcoder *preview.Transcoder
	maxUpload  int64

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New canonicalizes the root and state directories. Root must exist.
func New(opts Options) (*Gateway, error) {
	if opts.Manifest == nil || opts.Stager == nil {
		return nil, errors.New("gateway: manifest and stager are required")
	}
	root, err := fsutil.Canonical(opts.Root)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, errors.New("gateway: storage root is not a directory")
	}
	stateDir := ""
	if opts.StateDir != "" {
		if stateDir, err = fsutil.Canonical(opts.StateDir); err != nil {
			return nil, err
		}
	}
	g := &Gateway{
		root:       root,
		stateDir:   stateDir,
		manifest:   opts.Manifest,
		stager:     opts.Stager,
		transcoder: opts.Transcoder,
		maxUpload:  opts.MaxUploadBytes,
		log:        zerolog.Nop(),
		metrics:    opts.Metrics,
	}
	if g.maxUpload == 0 {
		g.maxUpload = DefaultMaxUploadBytes
	}
	if opts.Logger != nil {
		g.log = opts.Logger.With().Str("component", "gateway").Logger()
	}
	return g, nil
}

func (g *Gateway) Root() string { return g.root }

// Resolve maps a virtual path into the storage root. Paths inside the state
// directory are not addressable through the API.
func (g *Gateway) Resolve(virtualPath string) (string, error) {
	target, err := fsutil.Resolve(g.root, virtualPath)
	if err != nil {
		return "", err
	}
	if g.internal(target) {
		return "", apperr.AccessDenied("Access denied: Reserved path")
	}
	return target, nil
}

// ResolveEntry is Resolve without following a symlink in the last segment,
// so operations on a link act on the link itself.
func (g *Gateway) ResolveEntry(virtualPath string) (string, error) {
	target, err := g.Resolve(virtualPath)
	if err != nil || target == g.root {
		return target, err
	}
	rel := fsutil.CleanRelPath(virtualPath)
	if rel == "" {
		return target, nil
	}
	parent, err := g.Resolve(path.Dir(rel))
	if err != nil {
		return "", err
	}
	entry := filepath.Join(parent, path.Base(rel))
	if g.internal(entry) {
		return "", apperr.AccessDenied("Access denied: Reserved path")
	}
	return entry, nil
}

// IsReserved reports whether the canonical path p belongs to the state
// directory.
func (g *Gateway) IsReserved(p string) bool { return g.internal(p) }

func (g *Gateway) internal(p string) bool {
	return g.stateDir != "" && fsutil.Within(g.stateDir, p)
}

// List returns the children of the directory at virtualPath. Children that
// cannot be stat'ed (removed mid-listing, dangling links) are left out.
func (g *Gateway) List(ctx context.Context, virtualPath string) ([]Entry, error) {
	dir, err := g.Resolve(virtualPath)
	if err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, classify(err, "Directory not found")
	}
	out := make([]Entry, 0, len(ents))
	for _, e := range ents {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		child := filepath.Join(dir, e.Name())
		if g.internal(child) {
			continue
		}
		// follows links, like the directory view in a file browser
		info, err := os.Stat(child)
		if err != nil {
			continue
		}
		typ := TypeFile
		if info.IsDir() {
			typ = TypeFolder
		}
		out = append(out, Entry{
			Name:         e.Name(),
			Type:         typ,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	return out, nil
}

// Stats reports the space of the root volume, or zeros if it cannot be read.
func (g *Gateway) Stats() Stats {
	s, err := statfs(g.root)
	if err != nil {
		g.log.Debug().Err(err).Msg("statfs failed")
		return Stats{}
	}
	return s
}

// Download opens the regular file at virtualPath.
func (g *Gateway) Download(ctx context.Context, virtualPath string) (*File, error) {
	target, err := g.Resolve(virtualPath)
	if err != nil {
		return nil, err
	}
	return g.open(target)
}

func (g *Gateway) open(target string) (*File, error) {
	f, err := os.Open(target)
	if err != nil {
		return nil, classify(err, "File not found")
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, apperr.IOFailure("stat file", err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, apperr.InvalidInput("Path is a directory")
	}
	return &File{
		Name:        st.Name(),
		ContentType: contentTypeForName(st.Name()),
		ModTime:     st.ModTime(),
		Size:        st.Size(),
		Content:     f,
	}, nil
}

// Preview is Download, except that formats browsers cannot render are
// transcoded to JPEG. When decoding fails the original bytes are served.
func (g *Gateway) Preview(ctx context.Context, virtualPath string) (*File, error) {
	target, err := g.Resolve(virtualPath)
	if err != nil {
		return nil, err
	}
	f, err := g.open(target)
	if err != nil || g.transcoder == nil || !preview.NeedsTranscode(f.Name) {
		return f, err
	}
	b, terr := g.transcoder.Transcode(ctx, target)
	if terr != nil {
		if ctx.Err() == nil {
			g.log.Warn().Err(terr).Str("path", target).Msg("preview transcode failed, serving original")
		}
		return f, nil
	}
	_ = f.Content.Close()
	return &File{
		Name:        strings.TrimSuffix(f.Name, filepath.Ext(f.Name)) + ".jpg",
		ContentType: preview.ContentType,
		ModTime:     f.ModTime,
		Size:        int64(len(b)),
		Content:     nopCloser{bytes.NewReader(b)},
	}, nil
}

type nopCloser struct{ io.ReadSeeker }

func (nopCloser) Close() error { return nil }

// Mkdir creates parent/name and any missing ancestors. Creating an existing
// directory succeeds.
func (g *Gateway) Mkdir(ctx context.Context, parent, name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.InvalidInput("Folder name required")
	}
	if parent == "" {
		parent = "/"
	}
	target, err := g.Resolve(path.Join(parent, name))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return classify(err, "Parent not found")
	}
	g.log.Debug().Str("path", target).Msg("folder created")
	return nil
}

// DeleteOne removes the file or directory tree at virtualPath and drops the
// manifest entries under it.
func (g *Gateway) DeleteOne(ctx context.Context, virtualPath string) error {
	target, err := g.removeItem(virtualPath)
	if err != nil {
		g.metrics.Delete("failed")
		return err
	}
	g.metrics.Delete("deleted")
	// the file is gone; the manifest must follow even if the client hung up
	return g.manifest.RemoveUnder(context.WithoutCancel(ctx), target)
}

// DeleteBatch deletes each path in order and stops at the first failure.
// Items removed before the failure stay removed, and the manifest is updated
// once for all of them. A nil list means the client sent no paths and is
// rejected; an empty one is a no-op.
func (g *Gateway) DeleteBatch(ctx context.Context, virtualPaths []string) error {
	if virtualPaths == nil {
		return apperr.InvalidInput("Paths array required")
	}
	if len(virtualPaths) == 0 {
		return nil
	}
	removed := make([]string, 0, len(virtualPaths))
	var failed error
	for _, vp := range virtualPaths {
		target, err := g.removeItem(vp)
		if err != nil {
			g.metrics.Delete("failed")
			failed = err
			break
		}
		g.metrics.Delete("deleted")
		removed = append(removed, target)
	}
	if len(removed) > 0 {
		if err := g.manifest.RemoveUnder(context.WithoutCancel(ctx), removed...); err != nil && failed == nil {
			failed = err
		}
	}
	if failed != nil && len(removed) > 0 {
		g.log.Warn().Err(failed).Int("deleted", len(removed)).Int("requested", len(virtualPaths)).Msg("batch delete stopped early")
	}
	return failed
}

func (g *Gateway) removeItem(virtualPath string) (string, error) {
	if strings.TrimSpace(virtualPath) == "" {
		return "", apperr.InvalidInput("Path required")
	}
	target, err := g.ResolveEntry(virtualPath)
	if err != nil {
		return "", err
	}
	if target == g.root {
		return "", apperr.AccessDenied("Access denied: Cannot delete the storage root")
	}
	if g.stateDir != "" && fsutil.Within(target, g.stateDir) {
		return "", apperr.AccessDenied("Access denied: Reserved path")
	}
	st, err := os.Lstat(target)
	if err != nil {
		return "", classify(err, "Item not found")
	}
	if st.IsDir() {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		return "", classify(err, "Item not found")
	}
	g.log.Info().Str("path", target).Bool("dir", st.IsDir()).Msg("deleted")
	return target, nil
}

// classify maps filesystem errors onto the API error kinds.
func classify(err error, notFound string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return apperr.Wrap(apperr.KindNotFound, notFound, err)
	case errors.Is(err, fs.ErrPermission):
		return apperr.Wrap(apperr.KindAccessDenied, "Access denied: Permission denied", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperr.IOFailure("filesystem operation failed", err)
	}
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".json", ".yaml", ".yml", ".csv":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
