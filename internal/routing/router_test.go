package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(Config{
		Ranks: map[string][]VenueRank{
			"tech":    {{Venue: "NYQ", Rank: 1}, {Venue: "ARCA", Rank: 2}},
			"default": {{Venue: "DARK", Rank: 1}},
		},
		Classes: map[string]string{"AAPL": "tech"},
	}, zap.NewNop())
}

func TestRoutePrefersBestRankedUpVenue(t *testing.T) {
	r := newTestRouter(t)
	r.SetHealth("NYQ", HealthUp)
	r.SetHealth("ARCA", HealthUp)

	venue, err := r.Route("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "NYQ", venue)
}

func TestRouteFallsBackWhenPreferredDegraded(t *testing.T) {
	r := newTestRouter(t)
	r.SetHealth("NYQ", HealthDegraded)
	r.SetHealth("ARCA", HealthUp)

	venue, err := r.Route("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "ARCA", venue, "an Up venue beats a better-ranked Degraded one")
}

func TestRouteSkipsDownVenue(t *testing.T) {
	r := newTestRouter(t)
	r.SetHealth("NYQ", HealthUp)
	r.SetHealth("ARCA", HealthUp)

	venue, err := r.Route("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "NYQ", venue)

	r.SetHealth("NYQ", HealthDown)
	venue, err = r.Route("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "ARCA", venue)
}

func TestRouteSettlesForDegradedWhenNoUp(t *testing.T) {
	r := newTestRouter(t)
	r.SetHealth("NYQ", HealthDegraded)
	r.SetHealth("ARCA", HealthDown)

	venue, err := r.Route("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "NYQ", venue)
}

func TestRouteFailsWhenAllDown(t *testing.T) {
	r := newTestRouter(t)
	r.SetHealth("NYQ", HealthDown)
	r.SetHealth("ARCA", HealthDown)

	_, err := r.Route("AAPL")
	assert.ErrorIs(t, err, ErrNoVenueAvailable)

	// Ranked venues start Down before any session reports in.
	r2 := newTestRouter(t)
	_, err = r2.Route("AAPL")
	assert.ErrorIs(t, err, ErrNoVenueAvailable)
}

func TestRouteUsesDefaultClass(t *testing.T) {
	r := newTestRouter(t)
	r.SetHealth("DARK", HealthUp)

	venue, err := r.Route("MSFT")
	require.NoError(t, err)
	assert.Equal(t, "DARK", venue)
}

func TestRouteLatencyBreaksRankTies(t *testing.T) {
	r := NewRouter(Config{
		Ranks: map[string][]VenueRank{
			"default": {{Venue: "A", Rank: 1}, {Venue: "B", Rank: 1}},
		},
		WindowSize: 4,
	}, zap.NewNop())
	r.SetHealth("A", HealthUp)
	r.SetHealth("B", HealthUp)

	// No samples anywhere: table order decides.
	venue, err := r.Route("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, "A", venue)

	// A measured venue beats an unmeasured equal-ranked one.
	for i := 0; i < 4; i++ {
		r.ObserveLatency("B", 2*time.Millisecond)
	}
	venue, err = r.Route("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, "B", venue)

	// The faster venue wins once both are measured.
	for i := 0; i < 4; i++ {
		r.ObserveLatency("A", time.Millisecond)
	}
	venue, err = r.Route("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, "A", venue)
}

func TestRoutePinned(t *testing.T) {
	r := newTestRouter(t)
	r.SetHealth("NYQ", HealthUp)
	r.SetHealth("ARCA", HealthDown)

	venue, err := r.RoutePinned("NYQ")
	require.NoError(t, err)
	assert.Equal(t, "NYQ", venue)

	_, err = r.RoutePinned("ARCA")
	assert.ErrorIs(t, err, ErrNoVenueAvailable)

	_, err = r.RoutePinned("NOPE")
	assert.ErrorIs(t, err, ErrNoVenueAvailable)

	r.SetHealth("ARCA", HealthDegraded)
	venue, err = r.RoutePinned("ARCA")
	require.NoError(t, err)
	assert.Equal(t, "ARCA", venue, "degraded pinned venue still routes")
}

func TestStatusSnapshot(t *testing.T) {
	r := newTestRouter(t)
	hb := time.Now()
	r.SetHealth("NYQ", HealthUp)
	r.ObserveHeartbeat("NYQ", hb)
	r.ObserveLatency("NYQ", 3*time.Millisecond)
	r.ObserveLatency("NYQ", 5*time.Millisecond)

	all := r.Status()
	require.Len(t, all, 3, "every ranked venue is tracked")
	assert.Equal(t, "ARCA", all[0].Venue, "status is sorted by venue")

	vs, ok := r.StatusOf("NYQ")
	require.True(t, ok)
	assert.Equal(t, "UP", vs.Health)
	assert.Equal(t, hb, vs.LastHeartbeat)
	assert.Equal(t, 2, vs.Samples)
	assert.NotZero(t, vs.P50)

	vs, ok = r.StatusOf("ARCA")
	require.True(t, ok)
	assert.Equal(t, "DOWN", vs.Health)

	_, ok = r.StatusOf("NOPE")
	assert.False(t, ok)
}
