package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"minas/internal/apperr"
	"minas/internal/auth"
	"minas/internal/dedup"
	"minas/internal/gateway"
	"minas/internal/metrics"
	"minas/internal/ratelimit"
)

const (
	maxJSONBody = 1 << 20

	msgTooManyAttempts = "Too many attempts, please try again later."
)

type Options struct {
	Auth     *auth.Service
	Gateway  *gateway.Gateway
	Manifest *dedup.Manifest

	// LoginLimiter throttles POST /api/auth/login per client IP; nil disables it.
	LoginLimiter *ratelimit.KeyedLimiter

	// TrustedProxies is the number of reverse proxies in front of the
	// server whose X-Forwarded-For hops are believed. 0 keys on the peer.
	TrustedProxies int

	Metrics *metrics.Metrics
	Logger  *zerolog.Logger

	WebDAV    bool
	StaticDir string
}

type Server struct {
	auth     *auth.Service
	gw       *gateway.Gateway
	manifest *dedup.Manifest
	limiter  *ratelimit.KeyedLimiter
	proxies  int
	metrics  *metrics.Metrics
	log      zerolog.Logger

	webdav    bool
	staticDir string
}

func New(opts Options) (*Server, error) {
	if opts.Auth == nil || opts.Gateway == nil {
		return nil, errors.New("httpserver: auth and gateway are required")
	}
	if opts.WebDAV && opts.Manifest == nil {
		return nil, errors.New("httpserver: webdav needs the dedup manifest")
	}
	s := &Server{
		auth:      opts.Auth,
		gw:        opts.Gateway,
		manifest:  opts.Manifest,
		limiter:   opts.LoginLimiter,
		proxies:   opts.TrustedProxies,
		metrics:   opts.Metrics,
		log:       zerolog.Nop(),
		webdav:    opts.WebDAV,
		staticDir: opts.StaticDir,
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "http").Logger()
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("GET /api/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// auth
	mux.HandleFunc("GET /api/auth/status", s.handleStatus)
	mux.Handle("POST /api/auth/login", s.limitLogin(http.HandlerFunc(s.handleLogin)))
	mux.Handle("POST /api/auth/change-password", s.require(s.handleChangePassword))
	mux.Handle("GET /api/auth/devices", s.require(s.handleDevices))
	mux.Handle("POST /api/auth/devices/ban", s.require(s.handleBan))
	mux.Handle("POST /api/auth/devices/unban", s.require(s.handleUnban))

	// files
	mux.Handle("GET /api/fs/stats", s.require(s.handleStats))
	mux.Handle("GET /api/fs/list", s.require(s.handleList))
	mux.Handle("GET /api/fs/download", s.require(s.handleDownload))
	mux.Handle("GET /api/fs/preview", s.require(s.handlePreview))
	mux.Handle("POST /api/fs/upload", s.require(s.handleUpload))
	mux.Handle("POST /api/fs/folder", s.require(s.handleFolder))
	mux.Handle("DELETE /api/fs/item", s.require(s.handleDeleteItem))
	mux.Handle("POST /api/fs/batch-delete", s.require(s.handleBatchDelete))

	if s.webdav {
		mux.Handle("/dav/", s.davHandler())
	}
	if s.staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.staticDir)))
	}

	return withHeaders(withCORS(s.withRequestLog(mux)))
}

func (s *Server) require(h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(s.writeError, h)
}

func (s *Server) limitLogin(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(ratelimit.ClientIP(r, s.proxies)) {
			s.metrics.AuthFailure("rate_limited")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: msgTooManyAttempts})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- auth handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	configured := s.auth.IsConfigured()
	writeJSON(w, http.StatusOK, map[string]any{
		"isConfigured":  configured,
		"needsPassword": !configured,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password   string `json:"password"`
		DeviceID   string `json:"deviceId"`
		DeviceName string `json:"deviceName"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.auth.Login(r.Context(), req.Password, req.DeviceID, req.DeviceName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewPassword string `json:"newPassword"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.auth.ChangePassword(r.Context(), req.NewPassword); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Password updated successfully"})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auth.Devices())
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, s.auth.BanDevice)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, s.auth.UnbanDevice)
}

func (s *Server) deviceAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := fn(r.Context(), req.DeviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- file handlers ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Stats())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		p = "/"
	}
	entries, err := s.gw.List(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, s.gw.Download, "attachment")
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, s.gw.Preview, "inline")
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, open func(context.Context, string) (*gateway.File, error), disposition string) {
	p := r.URL.Query().Get("path")
	if p == "" {
		s.writeError(w, r, apperr.InvalidInput("Path required"))
		return
	}
	f, err := open(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Content.Close()
	w.Header().Set("Content-Type", f.ContentType)
	if cd := mime.FormatMediaType(disposition, map[string]string{"filename": f.Name}); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	}
	http.ServeContent(w, r, f.Name, f.ModTime, f.Content)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, apperr.InvalidInput("No files were uploaded."))
		return
	}
	src := &multipartSource{mr: mr}
	defer src.close()
	res, err := s.gw.Upload(r.Context(), r.URL.Query().Get("path"), src)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"uploaded": res.Uploaded,
		"skipped":  res.Skipped,
	})
}

// multipartSource streams the parts of the "files" field without buffering
// them in memory or in temp files.
type multipartSource struct {
	mr   *multipart.Reader
	part *multipart.Part
}

func (m *multipartSource) Next() (string, io.Reader, error) {
	for {
		m.close()
		p, err := m.mr.NextPart()
		if err != nil {
			return "", nil, err
		}
		m.part = p
		if p.FormName() != "files" || p.FileName() == "" {
			continue
		}
		return p.FileName(), p, nil
	}
}

func (m *multipartSource) close() {
	if m.part != nil {
		_ = m.part.Close()
		m.part = nil
	}
}

func (s *Server) handleFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path       string `json:"path"`
		FolderName string `json:"folderName"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.gw.Mkdir(r.Context(), req.Path, req.FolderName); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		s.writeError(w, r, apperr.InvalidInput("Path required"))
		return
	}
	if err := s.gw.DeleteOne(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths json.RawMessage `json:"paths"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var paths []string
	if err := json.Unmarshal(req.Paths, &paths); err != nil || paths == nil {
		s.writeError(w, r, apperr.InvalidInput("Paths array required"))
		return
	}
	if err := s.gw.DeleteBatch(r.Context(), paths); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- helpers ---

type errorBody struct {
	Error string `json:"error"`
}

// writeError renders err as {error} with the status of its kind. Causes of
// internal failures are logged, never sent.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		s.log.Debug().Str("path", r.URL.Path).Msg("client went away")
		return
	}
	status := apperr.HTTPStatus(err)
	ev := s.log.Debug()
	if status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	if status == http.StatusUnauthorized && strings.HasPrefix(r.URL.Path, "/dav/") {
		w.Header().Set("WWW-Authenticate", `Basic realm="minas"`)
	}
	writeJSON(w, status, errorBody{Error: apperr.PublicMessage(err)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "Invalid JSON body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
