package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"minas/internal/apperr"
	"minas/internal/metastore"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func setup(t *testing.T, password string) (*Service, *metastore.Store, *clock) {
	t.Helper()
	store := metastore.Open(filepath.Join(t.TempDir(), "cfg.json"))
	t.Cleanup(func() { _ = store.Close() })
	c := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	svc := New(store, Options{Hasher: BcryptHasher{Cost: bcrypt.MinCost}, Now: c.Now})
	if password != "" {
		require.NoError(t, svc.ChangePassword(context.Background(), password))
	}
	return svc, store, c
}

func request(token, deviceID string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/fs/list?path=/", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	if deviceID != "" {
		r.Header.Set(DeviceHeader, deviceID)
	}
	return r
}

func TestLogin_NotConfigured(t *testing.T) {
	svc, _, _ := setup(t, "")
	assert.False(t, svc.IsConfigured())
	_, err := svc.Login(context.Background(), "whatever", "d1", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotConfigured, apperr.KindOf(err))
}

func TestLogin_InvalidPassword(t *testing.T) {
	svc, _, _ := setup(t, "secret")
	_, err := svc.Login(context.Background(), "wrong", "d1", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidCredentials, apperr.KindOf(err))
	assert.Equal(t, http.StatusUnauthorized, apperr.HTTPStatus(err))
}

func TestLogin_RequiresDevice(t *testing.T) {
	svc, _, _ := setup(t, "secret")
	_, err := svc.Login(context.Background(), "secret", " ", "")
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestLogin_IssuesDeviceBoundToken(t *testing.T) {
	svc, store, c := setup(t, "secret")
	token, err := svc.Login(context.Background(), "secret", "d1", "laptop")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	p, err := svc.Authenticate(request(token, "d1"))
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, p.Role)
	assert.Equal(t, "d1", p.DeviceID)
	assert.Equal(t, "d1", p.TokenDev)
	assert.Equal(t, c.t.Add(DefaultTokenTTL), p.ExpiresAt)

	dev, ok := store.Read().Devices["d1"]
	require.True(t, ok)
	assert.Equal(t, "laptop", dev.Name)
	assert.Equal(t, metastore.StatusActive, dev.Status)
	require.NotNil(t, dev.LastSeen)
}

func TestAuthenticate_Missing_Invalid_Expired(t *testing.T) {
	svc, _, c := setup(t, "secret")
	token, err := svc.Login(context.Background(), "secret", "d1", "")
	require.NoError(t, err)

	_, err = svc.Authenticate(request("", "d1"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.Equal(t, MsgMissingToken, apperr.PublicMessage(err))

	_, err = svc.Authenticate(request("not-a-jwt", "d1"))
	require.Error(t, err)
	assert.Equal(t, MsgInvalidToken, apperr.PublicMessage(err))

	c.t = c.t.Add(DefaultTokenTTL + time.Hour)
	_, err = svc.Authenticate(request(token, "d1"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	svc, _, c := setup(t, "secret")
	forged, err := issueToken("some-other-secret", "d1", c.t, time.Hour)
	require.NoError(t, err)
	_, err = svc.Authenticate(request(forged, "d1"))
	require.Error(t, err)
	assert.Equal(t, MsgInvalidToken, apperr.PublicMessage(err))
}

func TestAuthenticate_QueryCredentials(t *testing.T) {
	svc, _, _ := setup(t, "secret")
	token, err := svc.Login(context.Background(), "secret", "d1", "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/fs/preview?path=/a.jpg&token="+token+"&X-Device-Id=d1", nil)
	p, err := svc.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "d1", p.DeviceID)

	require.NoError(t, svc.BanDevice(context.Background(), "d1"))
	_, err = svc.Authenticate(r)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestBanUnban(t *testing.T) {
	svc, store, _ := setup(t, "secret")
	ctx := context.Background()
	token, err := svc.Login(ctx, "secret", "d1", "")
	require.NoError(t, err)

	_, err = svc.Authenticate(request(token, "d1"))
	require.NoError(t, err)

	require.NoError(t, svc.BanDevice(ctx, "d1"))
	require.NoError(t, svc.BanDevice(ctx, "d1"), "banning twice is harmless")
	_, err = svc.Authenticate(request(token, "d1"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	assert.Equal(t, MsgBanned, apperr.PublicMessage(err))
	assert.Equal(t, []string{"d1"}, store.Read().BannedDevices)
	assert.Equal(t, metastore.StatusBanned, store.Read().Devices["d1"].Status)

	// enforcement relies on the presented device id
	_, err = svc.Authenticate(request(token, ""))
	assert.NoError(t, err)

	_, err = svc.Login(ctx, "secret", "d1", "")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	require.NoError(t, svc.UnbanDevice(ctx, "d1"))
	_, err = svc.Authenticate(request(token, "d1"))
	assert.NoError(t, err)
	assert.Empty(t, store.Read().BannedDevices)
	assert.Equal(t, metastore.StatusActive, store.Read().Devices["d1"].Status)
}

func TestBan_BanCheckBeforeToken(t *testing.T) {
	svc, _, _ := setup(t, "secret")
	require.NoError(t, svc.BanDevice(context.Background(), "evil"))
	_, err := svc.Authenticate(request("", "evil"))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestChangePassword(t *testing.T) {
	svc, _, _ := setup(t, "secret")
	ctx := context.Background()

	err := svc.ChangePassword(ctx, "abc")
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	require.NoError(t, svc.ChangePassword(ctx, "better-secret"))
	_, err = svc.Login(ctx, "secret", "d1", "")
	assert.Equal(t, apperr.KindInvalidCredentials, apperr.KindOf(err))
	_, err = svc.Login(ctx, "better-secret", "d1", "")
	assert.NoError(t, err)
}

func TestTokenSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	hasher := BcryptHasher{Cost: bcrypt.MinCost}
	store := metastore.Open(path)
	svc := New(store, Options{Hasher: hasher})
	require.NoError(t, svc.ChangePassword(context.Background(), "secret"))
	token, err := svc.Login(context.Background(), "secret", "d1", "")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2 := metastore.Open(path)
	defer store2.Close()
	_, err = New(store2, Options{Hasher: hasher}).Authenticate(request(token, "d1"))
	assert.NoError(t, err)
}

func TestMiddleware(t *testing.T) {
	svc, store, c := setup(t, "secret")
	token, err := svc.Login(context.Background(), "secret", "d1", "")
	require.NoError(t, err)
	before := *store.Read().Devices["d1"].LastSeen

	var got Principal
	h := svc.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(apperr.HTTPStatus(err))
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("", "d1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	c.t = c.t.Add(2 * time.Minute)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request(token, "d1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "d1", got.DeviceID)
	assert.True(t, store.Read().Devices["d1"].LastSeen.After(before), "lastSeen refreshed")
}

func TestDevicesSorted(t *testing.T) {
	svc, _, _ := setup(t, "secret")
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		_, err := svc.Login(ctx, "secret", id, "")
		require.NoError(t, err)
	}
	devs := svc.Devices()
	require.Len(t, devs, 3)
	assert.Equal(t, "a", devs[0].ID)
	assert.Equal(t, "c", devs[2].ID)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc"))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken(""))
}

func TestAuthenticate_BasicAuth(t *testing.T) {
	svc, _, _ := setup(t, "secret")
	token, err := svc.Login(context.Background(), "secret", "d1", "")
	require.NoError(t, err)

	r := httptest.NewRequest("PROPFIND", "/dav/", nil)
	r.SetBasicAuth("d1", token)
	p, err := svc.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "d1", p.DeviceID)

	require.NoError(t, svc.BanDevice(context.Background(), "d1"))
	_, err = svc.Authenticate(r)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}
