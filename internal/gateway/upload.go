package gateway

import (
	"context"
	"errors"
	"io"
	"path"

	"minas/internal/apperr"
	"minas/internal/dedup"
	"minas/internal/fsutil"
)

// FileSource yields the files of one upload request in order. Next returns
// io.EOF once there are no more files; body is only valid until the next call.
type FileSource interface {
	Next() (name string, body io.Reader, err error)
}

// UploadResult names the stored files and the ones skipped as duplicates.
type UploadResult struct {
	Uploaded []string `json:"uploaded"`
	Skipped  []string `json:"skipped"`
}

// Upload stores every file from src in the directory at virtualPath, creating
// it if needed. A file whose bytes are already held by another manifest entry
// is discarded and reported as skipped; the remaining files are still
// processed. The first hard failure aborts the rest of the batch.
func (g *Gateway) Upload(ctx context.Context, virtualPath string, src FileSource) (UploadResult, error) {
	res := UploadResult{Uploaded: []string{}, Skipped: []string{}}
	if virtualPath == "" {
		virtualPath = "/"
	}
	if _, err := g.Resolve(virtualPath); err != nil {
		return res, err
	}
	seen := 0
	for {
		name, body, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, apperr.Wrap(apperr.KindInvalidInput, "Malformed upload", err)
		}
		seen++
		stored, err := g.uploadOne(ctx, virtualPath, name, body)
		if err != nil {
			g.metrics.Upload("failed", 0)
			return res, err
		}
		if stored {
			res.Uploaded = append(res.Uploaded, name)
		} else {
			res.Skipped = append(res.Skipped, name)
		}
	}
	if seen == 0 {
		return res, apperr.InvalidInput("No files were uploaded.")
	}
	return res, nil
}

func (g *Gateway) uploadOne(ctx context.Context, dir, name string, body io.Reader) (bool, error) {
	base, err := fsutil.SafeName(name)
	if err != nil {
		return false, err
	}
	dst, err := g.ResolveEntry(path.Join(dir, base))
	if err != nil {
		return false, err
	}

	staged, size, err := g.stager.Stage(ctx, body, g.maxUpload)
	if err != nil {
		return false, classify(err, "Upload failed")
	}
	hash, err := dedup.ContentHash(ctx, staged)
	if err != nil {
		g.stager.Discard(staged)
		return false, classify(err, "Upload failed")
	}
	claimed, err := g.manifest.Claim(ctx, dst, hash)
	if err != nil {
		g.stager.Discard(staged)
		return false, err
	}
	if !claimed {
		g.stager.Discard(staged)
		g.metrics.Upload("duplicate", 0)
		g.log.Info().Str("path", dst).Str("sha256", hash).Msg("duplicate upload skipped")
		return false, nil
	}
	if err := g.stager.Commit(staged, dst); err != nil {
		g.stager.Discard(staged)
		if rerr := g.manifest.Release(context.WithoutCancel(ctx), dst); rerr != nil {
			g.log.Error().Err(rerr).Str("path", dst).Msg("release manifest claim")
		}
		return false, apperr.IOFailure("store upload", err)
	}
	g.manifest.Settle(dst)
	g.metrics.Upload("stored", size)
	g.log.Info().Str("path", dst).Int64("size", size).Msg("file stored")
	return true, nil
}
