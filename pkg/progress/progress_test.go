package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSnapshotWithKnownTotal(t *testing.T) {
	r := NewReporter(zap.NewNop(), "shop", "orders", 1000, time.Minute)
	r.Start()
	defer r.Stop()

	r.Observe(250)
	time.Sleep(10 * time.Millisecond)

	s := r.Snapshot()
	require.Equal(t, int64(250), s.Rows)
	require.Equal(t, int64(1000), s.Total)
	require.InDelta(t, 25.0, s.Percent, 0.01)
	require.Greater(t, s.Rate, 0.0)
	require.Greater(t, s.ETA, time.Duration(0))
}

func TestSnapshotWithUnknownTotal(t *testing.T) {
	r := NewReporter(zap.NewNop(), "shop", "orders", 0, time.Minute)
	r.Start()
	defer r.Stop()

	r.Observe(500)
	s := r.Snapshot()
	require.Zero(t, s.Percent)
	require.Zero(t, s.ETA)
}

func TestNoETAWhenComplete(t *testing.T) {
	r := NewReporter(zap.NewNop(), "shop", "orders", 100, time.Minute)
	r.Start()
	defer r.Stop()

	r.Observe(100)
	time.Sleep(5 * time.Millisecond)
	require.Zero(t, r.Snapshot().ETA)
}

func TestStopIsIdempotent(t *testing.T) {
	r := NewReporter(zap.NewNop(), "shop", "orders", 0, time.Millisecond)
	r.Start()
	r.Stop()
	r.Stop()
}

func TestPercentIsCapped(t *testing.T) {
	require.Equal(t, "100.0%", percentString(120))
	require.Equal(t, "42.5%", percentString(42.5))
}
