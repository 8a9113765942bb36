package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"minas/internal/apperr"
	"minas/internal/metastore"
	"minas/internal/metrics"
)

const (
	DeviceHeader = "X-Device-Id"
	// DeviceQuery and TokenQuery carry credentials for links that cannot set
	// headers (inline previews, downloads opened in a new tab).
	DeviceQuery = "X-Device-Id"
	TokenQuery  = "token"

	MinPasswordLen = 4

	// lastSeen is refreshed at most this often per device.
	touchInterval = time.Minute
)

// Stable client-facing messages; the web client matches on them.
const (
	MsgBanned         = "Device is banned"
	MsgMissingToken   = "Unauthorized: Missing token"
	MsgInvalidToken   = "Unauthorized: Invalid token"
	MsgNotConfigured  = "Not configured"
	MsgInvalidPass    = "Invalid password"
	MsgShortPassword  = "Password must be at least 4 characters long"
	MsgDeviceRequired = "Device id required"
)

type ctxKey string

const principalKey ctxKey = "minas.principal"

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	Role      string
	DeviceID  string // as presented by the request
	TokenDev  string // as bound into the token at login
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

type Options struct {
	Hasher   PasswordHasher
	TokenTTL time.Duration
	Logger   *zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Service issues and verifies device-bound tokens and manages the device
// registry and ban list held in the metadata store.
type Service struct {
	store   *metastore.Store
	hasher  PasswordHasher
	ttl     time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store *metastore.Store, opts Options) *Service {
	s := &Service{
		store:   store,
		hasher:  opts.Hasher,
		ttl:     opts.TokenTTL,
		log:     zerolog.Nop(),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "auth").Logger()
	}
	if s.hasher == nil {
		s.hasher = BcryptHasher{}
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// IsConfigured reports whether a password has been set.
func (s *Service) IsConfigured() bool {
	configured := false
	s.store.View(func(r *metastore.Record) { configured = r.IsConfigured() })
	return configured
}

// Login checks the password and mints a token bound to deviceID. The device is
// recorded (or refreshed) in the registry.
func (s *Service) Login(ctx context.Context, password, deviceID, deviceName string) (string, error) {
	var hash string
	banned := false
	s.store.View(func(r *metastore.Record) {
		hash = r.PasswordHash
		banned = r.IsBanned(deviceID)
	})
	if hash == "" {
		return "", apperr.New(apperr.KindNotConfigured, MsgNotConfigured)
	}
	if strings.TrimSpace(deviceID) == "" {
		return "", apperr.InvalidInput(MsgDeviceRequired)
	}
	if err := s.hasher.Compare(hash, password); err != nil {
		s.metrics.AuthFailure("password")
		if !errors.Is(err, ErrMismatch) {
			s.log.Warn().Err(err).Msg("password compare failed")
		}
		return "", apperr.New(apperr.KindInvalidCredentials, MsgInvalidPass)
	}
	if banned {
		s.metrics.AuthFailure("banned")
		return "", apperr.Forbidden(MsgBanned)
	}

	secret, err := s.store.TokenSecret(ctx)
	if err != nil {
		return "", err
	}
	now := s.now()
	token, err := issueToken(secret, deviceID, now, s.ttl)
	if err != nil {
		return "", err
	}
	if err := s.recordDevice(ctx, deviceID, deviceName, now); err != nil {
		return "", err
	}
	s.log.Info().Str("device", deviceID).Msg("device logged in")
	return token, nil
}

func (s *Service) recordDevice(ctx context.Context, id, name string, now time.Time) error {
	_, err := s.store.Apply(ctx, func(r *metastore.Record) error {
		if r.Devices == nil {
			r.Devices = map[string]metastore.Device{}
		}
		d, ok := r.Devices[id]
		if !ok {
			d = metastore.Device{ID: id, Status: metastore.StatusActive}
		}
		if name != "" {
			d.Name = name
		}
		ts := now
		d.LastSeen = &ts
		r.Devices[id] = d
		return nil
	})
	return err
}

// Authenticate validates the device and token carried by r.
//
// The ban check runs first and relies on the device id the client presents;
// a banned device that omits the header is only stopped once its token
// expires. WebDAV clients that only speak Basic auth send the device id as
// user name and the token as password.
func (s *Service) Authenticate(r *http.Request) (Principal, error) {
	deviceID := r.Header.Get(DeviceHeader)
	if deviceID == "" {
		deviceID = r.URL.Query().Get(DeviceQuery)
	}
	raw := bearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		raw = r.URL.Query().Get(TokenQuery)
	}
	if raw == "" {
		if user, pass, ok := r.BasicAuth(); ok {
			raw = pass
			if deviceID == "" {
				deviceID = user
			}
		}
	}

	if deviceID != "" && s.isBanned(deviceID) {
		s.metrics.AuthFailure("banned")
		return Principal{}, apperr.Forbidden(MsgBanned)
	}
	if raw == "" {
		s.metrics.AuthFailure("missing_token")
		return Principal{}, apperr.Unauthorized(MsgMissingToken)
	}

	secret, err := s.store.TokenSecret(r.Context())
	if err != nil {
		return Principal{}, err
	}
	claims, err := parseToken(secret, raw, s.now())
	if err != nil {
		s.metrics.AuthFailure("invalid_token")
		s.log.Debug().Err(err).Str("device", deviceID).Msg("token rejected")
		return Principal{}, apperr.Wrap(apperr.KindUnauthorized, MsgInvalidToken, err)
	}

	p := Principal{
		Role:     claims.Role,
		DeviceID: deviceID,
		TokenDev: claims.DeviceID,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

func (s *Service) isBanned(deviceID string) bool {
	banned := false
	s.store.View(func(r *metastore.Record) { banned = r.IsBanned(deviceID) })
	return banned
}

func bearerToken(v string) string {
	const prefix = "Bearer "
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}

// Middleware rejects unauthenticated requests via onError and attaches the
// principal to the context of the rest.
func (s *Service) Middleware(onError func(http.ResponseWriter, *http.Request, error), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Authenticate(r)
		if err != nil {
			onError(w, r, err)
			return
		}
		if p.DeviceID != "" {
			s.touch(r.Context(), p.DeviceID)
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// touch refreshes lastSeen for known devices, throttled to touchInterval so
// ordinary traffic does not turn into a metadata write per request.
func (s *Service) touch(ctx context.Context, deviceID string) {
	now := s.now()
	stale := false
	s.store.View(func(r *metastore.Record) {
		d, ok := r.Devices[deviceID]
		stale = ok && (d.LastSeen == nil || now.Sub(*d.LastSeen) >= touchInterval)
	})
	if !stale {
		return
	}
	_, err := s.store.Apply(ctx, func(r *metastore.Record) error {
		if d, ok := r.Devices[deviceID]; ok {
			ts := now
			d.LastSeen = &ts
			r.Devices[deviceID] = d
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Str("device", deviceID).Msg("refresh lastSeen failed")
	}
}

// ChangePassword replaces the admin password. Existing tokens stay valid.
func (s *Service) ChangePassword(ctx context.Context, newPassword string) error {
	if len(newPassword) < MinPasswordLen {
		return apperr.InvalidInput(MsgShortPassword)
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	_, err = s.store.Update(ctx, metastore.Patch{PasswordHash: metastore.String(hash)})
	return err
}

// BanDevice adds id to the ban list and marks its record banned.
func (s *Service) BanDevice(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.InvalidInput(MsgDeviceRequired)
	}
	_, err := s.store.Apply(ctx, func(r *metastore.Record) error {
		if !slices.Contains(r.BannedDevices, id) {
			r.BannedDevices = append(r.BannedDevices, id)
		}
		if r.Devices == nil {
			r.Devices = map[string]metastore.Device{}
		}
		d, ok := r.Devices[id]
		if !ok {
			d = metastore.Device{ID: id}
		}
		d.Status = metastore.StatusBanned
		r.Devices[id] = d
		return nil
	})
	if err == nil {
		s.log.Info().Str("device", id).Msg("device banned")
	}
	return err
}

// UnbanDevice removes id from the ban list and reactivates its record.
func (s *Service) UnbanDevice(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.InvalidInput(MsgDeviceRequired)
	}
	_, err := s.store.Apply(ctx, func(r *metastore.Record) error {
		r.BannedDevices = slices.DeleteFunc(r.BannedDevices, func(v string) bool { return v == id })
		if d, ok := r.Devices[id]; ok {
			d.Status = metastore.StatusActive
			r.Devices[id] = d
		}
		return nil
	})
	if err == nil {
		s.log.Info().Str("device", id).Msg("device unbanned")
	}
	return err
}

// Devices lists the registry ordered by id.
func (s *Service) Devices() []metastore.Device {
	var out []metastore.Device
	s.store.View(func(r *metastore.Record) {
		out = make([]metastore.Device, 0, len(r.Devices))
		for _, d := range (metastore.Record{Devices: r.Devices}).Clone().Devices {
			out = append(out, d)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
