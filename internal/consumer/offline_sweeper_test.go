package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manumohan/farm-automation/internal/liveness"
	"github.com/manumohan/farm-automation/internal/metrics"
	"github.com/manumohan/farm-automation/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingSweeper 统计调用次数，可注入错误或 panic
type countingSweeper struct {
	calls    atomic.Int32
	err      error
	panicMsg string
}

func (s *countingSweeper) SweepOffline(context.Context, time.Time, time.Duration) ([]string, error) {
	s.calls.Add(1)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return nil, s.err
}

func (s *countingSweeper) StatusCounts() map[models.DeviceStatus]int {
	return map[models.DeviceStatus]int{}
}

func TestOfflineSweeper_SweepOnce(t *testing.T) {
	store := liveness.NewStore(liveness.Options{}, zap.NewNop())
	seen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Update(context.Background(), "esp-01", "1", models.DeviceStatusOnline, seen))
	require.NoError(t, store.Update(context.Background(), "esp-02", "1", models.DeviceStatusOnline, seen.Add(4*time.Minute)))

	m := metrics.New()
	sw := NewOfflineSweeper(store, time.Minute, 5*time.Minute, m, zap.NewNop())
	sw.now = func() time.Time { return seen.Add(6 * time.Minute) }

	ids := sw.SweepOnce(context.Background())
	assert.Equal(t, []string{"esp-01"}, ids)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DevicesByStatus.WithLabelValues("offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DevicesByStatus.WithLabelValues("online")))
}

func TestOfflineSweeper_ErrorsSwallowed(t *testing.T) {
	sw := NewOfflineSweeper(&countingSweeper{err: errors.New("db down")}, time.Minute, 5*time.Minute, nil, zap.NewNop())
	assert.NotPanics(t, func() { sw.SweepOnce(context.Background()) })
}

func TestOfflineSweeper_PanicRecovered(t *testing.T) {
	sw := NewOfflineSweeper(&countingSweeper{panicMsg: "boom"}, time.Minute, 5*time.Minute, nil, zap.NewNop())
	assert.NotPanics(t, func() { sw.SweepOnce(context.Background()) })
}

func TestOfflineSweeper_StartRunsUntilCancelled(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("transient")}
	sw := NewOfflineSweeper(sweeper, 10*time.Millisecond, 5*time.Minute, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Start(ctx) }()

	// 立即执行一次，之后每个周期一次，出错也继续
	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
