package caps

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLockdownEngageRelease(t *testing.T) {
	dir := t.TempDir()
	l := NewLockdown(dir, nil)
	assert.False(t, l.Active())

	require.NoError(t, l.Engage("maintenance"))
	assert.True(t, l.Active())
	_, err := os.Stat(filepath.Join(dir, LockdownFile))
	require.NoError(t, err)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
	assert.False(t, l.Active())
	_, err = os.Stat(filepath.Join(dir, LockdownFile))
	assert.True(t, os.IsNotExist(err))
}

func TestLockdownBareFlagFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockdownFile), nil, 0o644))
	l := NewLockdown(dir, nil)
	assert.True(t, l.Active())
	assert.Empty(t, l.Status().Reason)
}

func TestLockdownInMemory(t *testing.T) {
	l := NewLockdown("", nil)
	require.NoError(t, l.Engage("x"))
	assert.True(t, l.Active())
	require.NoError(t, l.Watch(context.Background()))
	l.Stop()
	require.NoError(t, l.Release())
	assert.False(t, l.Active())
}

func TestWatchFollowsExternalChanges(t *testing.T) {
	dir := t.TempDir()
	l := NewLockdown(dir, nil)
	require.NoError(t, l.Watch(context.Background()))
	defer l.Stop()
	require.NoError(t, l.Watch(context.Background()), "second watch is a no-op")

	other := NewLockdown(dir, nil)
	require.NoError(t, other.Engage("from elsewhere"))
	assert.Eventually(t, func() bool {
		return l.Active() && l.Status().Reason == "from elsewhere"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, other.Release())
	assert.Eventually(t, func() bool { return !l.Active() }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLockdown(t.TempDir(), nil)
	require.NoError(t, l.Watch(ctx))
	cancel()
	l.Stop()
	l.Stop()
}

func TestWatchRestartsAfterContextEnds(t *testing.T) {
	dir := t.TempDir()
	l := NewLockdown(dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Watch(ctx))
	assert.True(t, l.watching())
	cancel()
	assert.Eventually(t, func() bool { return !l.watching() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Watch(context.Background()))
	defer l.Stop()
	assert.True(t, l.watching())

	other := NewLockdown(dir, nil)
	require.NoError(t, other.Engage("second watch"))
	assert.Eventually(t, l.Active, 2*time.Second, 10*time.Millisecond)
}
