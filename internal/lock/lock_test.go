package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// The etcd client dials lazily, so everything up to session creation is
// testable without a broker. Acquire against a live cluster is covered by
// integration environments, not here.

func newTestLock(t *testing.T) *VenueLock {
	t.Helper()
	l, err := New(Config{Endpoints: []string{"localhost:2379"}}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestNewRequiresEndpoints(t *testing.T) {
	_, err := New(Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoints")
}

func TestNewAppliesDefaults(t *testing.T) {
	l := newTestLock(t)

	assert.Equal(t, 5*time.Second, l.cfg.DialTimeout)
	assert.Equal(t, 15*time.Second, l.cfg.SessionTTL)
	assert.Equal(t, "/fixcore/venues", l.cfg.KeyPrefix)
	assert.Equal(t, "/fixcore/venues/NYQ", l.keyFor("NYQ"))
}

func TestKeyPrefixOverride(t *testing.T) {
	l, err := New(Config{
		Endpoints: []string{"localhost:2379"},
		KeyPrefix: "/trading/leases",
	}, nil)
	require.NoError(t, err)
	defer l.Close(context.Background())

	assert.Equal(t, "/trading/leases/ARCA", l.keyFor("ARCA"))
}

func TestReleaseWithoutAcquire(t *testing.T) {
	l := newTestLock(t)

	err := l.Release(context.Background(), "NYQ")
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestAcquireValidation(t *testing.T) {
	l := newTestLock(t)

	err := l.Acquire(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty venue")
}

func TestCloseIsTerminalAndIdempotent(t *testing.T) {
	l := newTestLock(t)

	assert.Empty(t, l.Held())
	assert.Nil(t, l.Done())

	require.NoError(t, l.Close(context.Background()))
	require.NoError(t, l.Close(context.Background()))

	assert.ErrorIs(t, l.Acquire(context.Background(), "NYQ"), ErrClosed)
	assert.ErrorIs(t, l.Release(context.Background(), "NYQ"), ErrClosed)
}
