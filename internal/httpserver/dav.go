package httpserver

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/net/webdav"

	"minas/internal/apperr"
	"minas/internal/dedup"
	"minas/internal/gateway"
)

// davFS exposes the storage root to WebDAV clients. Paths are sandboxed the
// same way as the REST routes. WebDAV writes bypass dedup, so any manifest
// entry they touch is dropped or moved along.
type davFS struct {
	gw       *gateway.Gateway
	manifest *dedup.Manifest
}

func (s *Server) davHandler() http.Handler {
	h := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: &davFS{gw: s.gw, manifest: s.manifest},
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				s.log.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("webdav")
			}
		},
	}
	return s.auth.Middleware(s.writeError, h)
}

func (d *davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	p, err := d.gw.ResolveEntry(name)
	if err != nil {
		return davErr("mkdir", name, err)
	}
	return os.Mkdir(p, perm)
}

func (d *davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	p, err := d.gw.Resolve(name)
	if err != nil {
		return nil, davErr("open", name, err)
	}
	f, err := os.OpenFile(p, flag, perm)
	if err != nil {
		return nil, err
	}
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_TRUNC) != 0 {
		if _, tracked := d.manifest.Lookup(p); tracked {
			if err := d.manifest.Remove(context.WithoutCancel(ctx), p); err != nil {
				_ = f.Close()
				return nil, err
			}
		}
	}
	return &davFile{File: f, dir: p, gw: d.gw}, nil
}

func (d *davFS) RemoveAll(ctx context.Context, name string) error {
	p, err := d.gw.ResolveEntry(name)
	if err != nil {
		return davErr("remove", name, err)
	}
	if p == d.gw.Root() {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrPermission}
	}
	if err := os.RemoveAll(p); err != nil {
		return err
	}
	return d.manifest.RemoveUnder(context.WithoutCancel(ctx), p)
}

func (d *davFS) Rename(ctx context.Context, oldName, newName string) error {
	from, err := d.gw.ResolveEntry(oldName)
	if err != nil {
		return davErr("rename", oldName, err)
	}
	to, err := d.gw.ResolveEntry(newName)
	if err != nil {
		return davErr("rename", newName, err)
	}
	if from == d.gw.Root() || to == d.gw.Root() {
		return &fs.PathError{Op: "rename", Path: oldName, Err: fs.ErrPermission}
	}
	if err := os.Rename(from, to); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	// an overwritten destination no longer holds its old bytes
	if err := d.manifest.RemoveUnder(ctx, to); err != nil {
		return err
	}
	return d.manifest.Rekey(ctx, from, to)
}

func (d *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	p, err := d.gw.Resolve(name)
	if err != nil {
		return nil, davErr("stat", name, err)
	}
	return os.Stat(p)
}

// davFile hides the state directory from PROPFIND listings.
type davFile struct {
	*os.File
	dir string
	gw  *gateway.Gateway
}

func (f *davFile) Readdir(count int) ([]fs.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	out := infos[:0]
	for _, fi := range infos {
		if !f.gw.IsReserved(filepath.Join(f.dir, fi.Name())) {
			out = append(out, fi)
		}
	}
	return out, err
}

// davErr turns sandbox rejections into permission errors the webdav package
// understands.
func davErr(op, name string, err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindAccessDenied, apperr.KindInvalidInput:
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrPermission}
	case apperr.KindNotFound:
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return err
}
