package curationstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPruner struct {
	calls atomic.Int64
	err   error
}

func (p *countingPruner) PruneBefore(_ context.Context, _ time.Time) (int64, error) {
	p.calls.Add(1)
	if p.err != nil {
		return 0, p.err
	}
	return 3, nil
}

func TestRetentionSweeper_SweepsOnInterval(t *testing.T) {
	pruner := &countingPruner{}
	sweeper, err := NewRetentionSweeper(RetentionConfig{
		Interval: 20 * time.Millisecond,
		MaxAge:   time.Hour,
	}, map[string]Pruner{"lineage": pruner}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, sweeper.Start(context.Background()))
	require.Eventually(t, func() bool {
		return pruner.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sweeper.Stop(context.Background()))
}

func TestRetentionSweeper_OneFailingPrunerDoesNotStopOthers(t *testing.T) {
	failing := &countingPruner{err: errors.New("firestore unavailable")}
	healthy := &countingPruner{}
	sweeper, err := NewRetentionSweeper(RetentionConfig{
		Interval: 20 * time.Millisecond,
		MaxAge:   time.Hour,
	}, map[string]Pruner{"failing": failing, "healthy": healthy}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, sweeper.Start(context.Background()))
	require.Eventually(t, func() bool {
		return failing.calls.Load() >= 1 && healthy.calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sweeper.Stop(context.Background()))
}

func TestRetentionSweeper_RequiresPruners(t *testing.T) {
	_, err := NewRetentionSweeper(RetentionConfig{}, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestRetentionSweeper_StopWithoutStart(t *testing.T) {
	sweeper, err := NewRetentionSweeper(RetentionConfig{}, map[string]Pruner{
		"noop": PrunerFunc(func(context.Context, time.Time) (int64, error) { return 0, nil }),
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sweeper.Stop(context.Background()))
}

func TestPrunerFunc_Adapts(t *testing.T) {
	called := false
	var p Pruner = PrunerFunc(func(context.Context, time.Time) (int64, error) {
		called = true
		return 7, nil
	})
	n, err := p.PruneBefore(context.Background(), time.Now())
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, int64(7), n)
}
