package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurger struct {
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakePurger) PurgeWebhookEvents(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return f.n, f.err
}

type countingObserver struct{ total int64 }

func (c *countingObserver) ObservePurge(n int64) { c.total += n }

func TestPurgeOnceUsesRetention(t *testing.T) {
	p := &fakePurger{n: 7}
	obs := &countingObserver{}
	s, err := New(p, 90*24*time.Hour, "@daily", obs)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2030, 4, 1, 12, 0, 0, 0, time.UTC) }

	n, err := s.PurgeOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, int64(7), obs.total)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC), p.cutoffs[0])
}

func TestPurgeOnceError(t *testing.T) {
	p := &fakePurger{err: errors.New("db down")}
	obs := &countingObserver{}
	s, err := New(p, time.Hour, "@hourly", obs)
	require.NoError(t, err)

	_, err = s.PurgeOnce(context.Background())
	assert.Error(t, err)
	assert.Zero(t, obs.total)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(&fakePurger{}, time.Hour, "every tuesday", nil)
	assert.Error(t, err)

	_, err = New(&fakePurger{}, 0, "@daily", nil)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(&fakePurger{}, time.Hour, "@every 1h", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
