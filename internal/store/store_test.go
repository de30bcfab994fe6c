package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidNickname(t *testing.T) {
	for _, name := range []string{"Mei", "a", "Play_er", "abc-123", "1234567"} {
		assert.True(t, ValidNickname(name), "%q should be valid", name)
	}
	for _, name := range []string{"", "12345678", "sp ace", "emoji🎲", "dot.dot", "雾萌"} {
		assert.False(t, ValidNickname(name), "%q should be invalid", name)
	}
}

func TestMemStoreDefaultsAndReset(t *testing.T) {
	s := NewMemStore()
	assert.Equal(t, "Player", Nickname(s))

	require.NoError(t, SetNickname(s, "Mei"))
	assert.Equal(t, "Mei", Nickname(s))

	assert.ErrorIs(t, SetNickname(s, "way_too_long"), ErrInvalidNickname)
	assert.Equal(t, "Mei", Nickname(s), "failed set leaves the value alone")

	require.NoError(t, s.Reset())
	assert.Equal(t, "Player", Nickname(s))
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saves", "user_config.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, SetNickname(s, "Mei"))
	require.NoError(t, s.Set("extra", "kept"))

	// A fresh store sees the persisted values plus merged defaults.
	s2, err := NewFileStore(path)
	require.NoError(t, err)
	assert.Equal(t, "Mei", Nickname(s2))
	v, ok := s2.Get("extra")
	assert.True(t, ok)
	assert.Equal(t, "kept", v)
	ver, ok := s2.Get(KeyVersion)
	assert.True(t, ok)
	assert.Equal(t, "1.0", ver)
}

func TestFileStoreCorruptFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	assert.Equal(t, "Player", Nickname(s))
}

func TestFileStoreAllReturnsCopy(t *testing.T) {
	s := NewMemStore()
	all := s.All()
	all[KeyNickname] = "mutated"
	assert.Equal(t, "Player", Nickname(s))
}
