package persistence

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

func roundTrip(t *testing.T, svc Service) {
	t.Helper()
	store := svc.NewStore("state", "paper", "ladder")

	var missing sample
	require.ErrorIs(t, store.Load(&missing), ErrNotExists)

	in := sample{Name: "paper", Lines: []string{"setorder BTC-USDT buy 100 101 0.01 active"}}
	require.NoError(t, store.Save(&in))

	var out sample
	require.NoError(t, store.Load(&out))
	assert.Equal(t, in, out)

	other := svc.NewStore("state", "paper", "other")
	require.ErrorIs(t, other.Load(&out), ErrNotExists)
}

func TestJSONFileStore(t *testing.T) {
	roundTrip(t, NewJSONFileService(t.TempDir()))
}

func TestMemoryStore(t *testing.T) {
	roundTrip(t, NewMemoryService())
}

func TestBadgerStore(t *testing.T) {
	svc, err := OpenBadger(BadgerOptions{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	roundTrip(t, svc)
}

func TestBadgerStoreEncrypted(t *testing.T) {
	key, err := ParseKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	svc, err := OpenBadger(BadgerOptions{Path: t.TempDir(), EncryptionKey: key})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	roundTrip(t, svc)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("")
	require.NoError(t, err)
	assert.Nil(t, k)

	raw := strings.Repeat("01", 32)
	k, err = ParseKey("0x" + raw)
	require.NoError(t, err)
	assert.Equal(t, raw, hex.EncodeToString(k))

	_, err = ParseKey("abcd")
	assert.Error(t, err)

	k, err = ParseKey("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	require.NoError(t, err)
	assert.Len(t, k, 32)

	_, err = ParseKey("not a key!")
	assert.Error(t, err)
}
