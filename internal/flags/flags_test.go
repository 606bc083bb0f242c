package flags

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	firstSleep  = "first-sleep-pending"
	deepSleep   = "deep-sleep-armed"
	maintenance = "maintenance-pending"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "state")
	s, err := Open(dir, firstSleep, deepSleep, maintenance)
	require.NoError(t, err)
	return s, dir
}

func TestSetHasConsume(t *testing.T) {
	s, dir := newStore(t)

	ok, err := s.Has(deepSleep)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(deepSleep))
	require.NoError(t, s.Set(deepSleep))
	_, err = os.Stat(filepath.Join(dir, deepSleep))
	require.NoError(t, err)

	ok, err = s.Consume(deepSleep)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Consume(deepSleep)
	require.NoError(t, err)
	assert.False(t, ok, "second consume must see nothing")
}

func TestClearMissingIsNoop(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Clear(maintenance))
}

func TestArmClearsOthers(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Set(firstSleep))
	require.NoError(t, s.Set(maintenance))

	require.NoError(t, s.Arm(deepSleep))

	active, err := s.Active()
	require.NoError(t, err)
	assert.Equal(t, []string{deepSleep}, active)
}

func TestFlagsSurviveReopen(t *testing.T) {
	s, dir := newStore(t)
	require.NoError(t, s.Set(firstSleep))

	s2, err := Open(dir, firstSleep, deepSleep, maintenance)
	require.NoError(t, err)
	ok, err := s2.Has(firstSleep)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidNames(t *testing.T) {
	_, err := Open(t.TempDir(), "../escape")
	require.Error(t, err)

	s, _ := newStore(t)
	err = s.Set("a/b")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrIO))
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestIOErrorsWrapErrIO(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	s, dir := newStore(t)
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	err := s.Set(deepSleep)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))
}
