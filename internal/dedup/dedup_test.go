package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minas/internal/apperr"
	"minas/internal/metastore"
)

func newManifest(t *testing.T) (*Manifest, *metastore.Store) {
	t.Helper()
	store := metastore.Open(filepath.Join(t.TempDir(), "cfg.json"))
	t.Cleanup(func() { _ = store.Close() })
	return NewManifest(store), store
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestContentHash(t *testing.T) {
	data := bytes.Repeat([]byte("minas"), 500_000) // spans several read chunks
	p := filepath.Join(t.TempDir(), "f.bin")
	writeFile(t, p, data)

	got, err := ContentHash(context.Background(), p)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestContentHash_Canceled(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f.bin")
	writeFile(t, p, []byte("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ContentHash(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdmitRemoveRoundTrip(t *testing.T) {
	m, store := newManifest(t)
	ctx := context.Background()

	require.NoError(t, m.Admit(ctx, "/root/a.bin", "h1"))
	assert.True(t, m.IsDuplicate("h1"))
	h, ok := m.Lookup("/root/a.bin")
	require.True(t, ok)
	assert.Equal(t, "h1", h)
	assert.Equal(t, "h1", store.Read().FileHashes["/root/a.bin"])

	require.NoError(t, m.Remove(ctx, "/root/a.bin"))
	assert.False(t, m.IsDuplicate("h1"))
	assert.Equal(t, 0, m.Len())
}

func TestIsDuplicate_SharedHash(t *testing.T) {
	m, _ := newManifest(t)
	ctx := context.Background()
	require.NoError(t, m.Admit(ctx, "/r/a", "h"))
	require.NoError(t, m.Admit(ctx, "/r/b", "h"))

	require.NoError(t, m.Remove(ctx, "/r/a"))
	assert.True(t, m.IsDuplicate("h"), "another path still holds the hash")
	require.NoError(t, m.Remove(ctx, "/r/b"))
	assert.False(t, m.IsDuplicate("h"))
}

func TestAdmit_OverwriteReindexes(t *testing.T) {
	m, _ := newManifest(t)
	ctx := context.Background()
	require.NoError(t, m.Admit(ctx, "/r/a", "old"))
	require.NoError(t, m.Admit(ctx, "/r/a", "new"))
	assert.False(t, m.IsDuplicate("old"))
	assert.True(t, m.IsDuplicate("new"))
}

func TestIndexBuiltFromExistingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fileHashes":{"/r/a":"abc"}}`), 0o600))
	store := metastore.Open(path)
	defer store.Close()

	m := NewManifest(store)
	assert.True(t, m.IsDuplicate("abc"))
	assert.False(t, m.IsDuplicate("def"))
}

func TestRemoveManyAndUnder(t *testing.T) {
	m, _ := newManifest(t)
	ctx := context.Background()
	sep := string(filepath.Separator)
	for i, p := range []string{"/r/a", "/r/dir/x", "/r/dir/sub/y", "/r/dir-2/z", "/r/b"} {
		require.NoError(t, m.Admit(ctx, filepath.FromSlash(p), strings.Repeat("h", i+1)))
	}

	require.NoError(t, m.RemoveMany(ctx, []string{filepath.FromSlash("/r/a"), filepath.FromSlash("/r/missing")}))
	assert.False(t, m.IsDuplicate("h"))

	require.NoError(t, m.RemoveUnder(ctx, sep+filepath.Join("r", "dir")))
	assert.False(t, m.IsDuplicate("hh"))
	assert.False(t, m.IsDuplicate("hhh"))
	assert.True(t, m.IsDuplicate("hhhh"), "sibling with shared prefix survives")
	assert.True(t, m.IsDuplicate("hhhhh"))
	assert.Equal(t, 2, m.Len())
}

func TestRekey(t *testing.T) {
	m, _ := newManifest(t)
	ctx := context.Background()
	from := filepath.FromSlash("/r/old")
	to := filepath.FromSlash("/r/new")
	require.NoError(t, m.Admit(ctx, filepath.Join(from, "a"), "ha"))
	require.NoError(t, m.Admit(ctx, from+"-keep", "hk"))

	require.NoError(t, m.Rekey(ctx, from, to))
	_, ok := m.Lookup(filepath.Join(to, "a"))
	assert.True(t, ok)
	_, ok = m.Lookup(filepath.Join(from, "a"))
	assert.False(t, ok)
	_, ok = m.Lookup(from + "-keep")
	assert.True(t, ok)
	assert.True(t, m.IsDuplicate("ha"))
}

func TestClaim(t *testing.T) {
	m, _ := newManifest(t)
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")

	ok, err := m.Claim(ctx, a, "h")
	require.NoError(t, err)
	require.True(t, ok)

	writeFile(t, a, []byte("data"))
	m.Settle(a)
	ok, err = m.Claim(ctx, b, "h")
	require.NoError(t, err)
	assert.False(t, ok)

	// a vanished behind our back: the stale entry no longer blocks
	require.NoError(t, os.Remove(a))
	ok, err = m.Claim(ctx, b, "h")
	require.NoError(t, err)
	assert.True(t, ok)
	_, stale := m.Lookup(a)
	assert.False(t, stale)
}

type claimResult struct {
	ok  bool
	err error
}

func claimAsync(ctx context.Context, m *Manifest, path, hash string) <-chan claimResult {
	out := make(chan claimResult, 1)
	go func() {
		ok, err := m.Claim(ctx, path, hash)
		out <- claimResult{ok, err}
	}()
	return out
}

func TestClaim_WaitsForInflightSettle(t *testing.T) {
	m, _ := newManifest(t)
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")

	ok, err := m.Claim(ctx, a, "h")
	require.NoError(t, err)
	require.True(t, ok)

	res := claimAsync(ctx, m, filepath.Join(dir, "b.bin"), "h")
	select {
	case <-res:
		t.Fatal("claim returned while the holder was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	writeFile(t, a, []byte("data"))
	m.Settle(a)
	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.False(t, r.ok, "settled holder makes it a duplicate")
	case <-time.After(5 * time.Second):
		t.Fatal("claim did not wake up after Settle")
	}
}

func TestClaim_TakesOverAfterRelease(t *testing.T) {
	m, _ := newManifest(t)
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")

	ok, err := m.Claim(ctx, a, "h")
	require.NoError(t, err)
	require.True(t, ok)

	res := claimAsync(ctx, m, b, "h")
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Release(ctx, a))

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.True(t, r.ok, "released bytes are claimed by the waiting upload")
	case <-time.After(5 * time.Second):
		t.Fatal("claim did not wake up after Release")
	}
	h, found := m.Lookup(b)
	assert.True(t, found)
	assert.Equal(t, "h", h)
	_, found = m.Lookup(a)
	assert.False(t, found)
}

func TestClaim_WaitHonorsContext(t *testing.T) {
	m, _ := newManifest(t)
	dir := t.TempDir()
	ok, err := m.Claim(context.Background(), filepath.Join(dir, "a.bin"), "h")
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ok, err = m.Claim(ctx, filepath.Join(dir, "b.bin"), "h")
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	m, _ := newManifest(t)
	ctx := context.Background()
	dir := t.TempDir()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := filepath.Join(dir, string(rune('a'+i)))
			ok, err := m.Claim(ctx, p, "same")
			assert.NoError(t, err)
			if ok {
				// losers wait on the winner until its file is in place
				assert.NoError(t, os.WriteFile(p, []byte("same"), 0o644))
				m.Settle(p)
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRelease(t *testing.T) {
	m, _ := newManifest(t)
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "x")
	ok, err := m.Claim(ctx, p, "h")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Release(ctx, p))
	assert.False(t, m.IsDuplicate("h"))
}

func TestStager_StageCommit(t *testing.T) {
	state := t.TempDir()
	st, err := NewStager(state)
	require.NoError(t, err)

	staged, n, err := st.Stage(context.Background(), strings.NewReader("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, filepath.Join(state, "staging"), filepath.Dir(staged))

	dst := filepath.Join(t.TempDir(), "nested", "dir", "hello.txt")
	require.NoError(t, st.Commit(staged, dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))
}

func TestStager_LimitRejectsOversized(t *testing.T) {
	st, err := NewStager(t.TempDir())
	require.NoError(t, err)

	_, _, err = st.Stage(context.Background(), strings.NewReader("0123456789"), 9)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTooLarge, apperr.KindOf(err))
	ents, _ := os.ReadDir(st.Dir())
	assert.Empty(t, ents, "partial file is removed")

	_, n, err := st.Stage(context.Background(), strings.NewReader("0123456789"), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestStager_CanceledStage(t *testing.T) {
	st, err := NewStager(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = st.Stage(ctx, strings.NewReader("abc"), 0)
	assert.ErrorIs(t, err, context.Canceled)
	ents, _ := os.ReadDir(st.Dir())
	assert.Empty(t, ents)
}

func TestStager_Sweep(t *testing.T) {
	st, err := NewStager(t.TempDir())
	require.NoError(t, err)

	oldPath, _, err := st.Stage(context.Background(), strings.NewReader("old"), 0)
	require.NoError(t, err)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))
	fresh, _, err := st.Stage(context.Background(), strings.NewReader("fresh"), 0)
	require.NoError(t, err)

	n, err := st.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
