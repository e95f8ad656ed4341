package warming

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/geoquota/pkg/geo"
)

func TestQueue_EnqueueValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, GeocodeTarget("Alexanderplatz 1"), 0, time.Time{})
	assert.Error(t, err)
	_, err = f.queue.Enqueue(ctx, GeocodeTarget("Alexanderplatz 1"), 9, time.Time{})
	assert.Error(t, err)
	_, err = f.queue.Enqueue(ctx, GeocodeTarget(""), PriorityNormal, time.Time{})
	assert.Error(t, err)
	_, err = f.queue.Enqueue(ctx, RouteTarget([]geo.Point{{Lat: 1, Lng: 1}}, geo.RouteOptions{}), PriorityNormal, time.Time{})
	assert.Error(t, err)

	job, err := f.queue.Enqueue(ctx, GeocodeTarget("Alexanderplatz 1"), PriorityNormal, time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, wednesday, job.ExecuteAfter)
}

func TestQueue_DueOrdering(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	low, err := f.queue.Enqueue(ctx, GeocodeTarget("a"), PriorityNormal, time.Time{})
	require.NoError(t, err)
	f.clock.advance(time.Second)
	high1, err := f.queue.Enqueue(ctx, GeocodeTarget("b"), PriorityHigh, time.Time{})
	require.NoError(t, err)
	f.clock.advance(time.Second)
	critical, err := f.queue.Enqueue(ctx, GeocodeTarget("c"), PriorityCritical, time.Time{})
	require.NoError(t, err)
	f.clock.advance(time.Second)
	high2, err := f.queue.Enqueue(ctx, GeocodeTarget("d"), PriorityHigh, time.Time{})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, GeocodeTarget("e"), PriorityCritical, f.clock.now().Add(time.Hour))
	require.NoError(t, err)

	due, err := f.queue.Due(ctx, PriorityHigh, 20)
	require.NoError(t, err)
	var ids []string
	for _, j := range due {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{critical.ID, high1.ID, high2.ID}, ids)

	due, err = f.queue.Due(ctx, PriorityLow, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	due, err = f.queue.Due(ctx, PriorityLow, 0)
	require.NoError(t, err)
	assert.Len(t, due, 4)
	assert.Equal(t, low.ID, due[3].ID)

	n, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestQueue_Lifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, GeocodeTarget("Alexanderplatz 1"), PriorityCritical, time.Time{})
	require.NoError(t, err)

	ok, err := f.queue.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.queue.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "already claimed")

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "Alexanderplatz 1", got.Target.Address)

	f.clock.advance(time.Minute)
	require.NoError(t, f.queue.Fail(ctx, job.ID, "provider down"))
	got, err = f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "provider down", got.Error)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, wednesday.Add(time.Minute), got.ProcessedAt)

	_, err = f.queue.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueue_ConcurrentClaim(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, GeocodeTarget("Alexanderplatz 1"), PriorityCritical, time.Time{})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.queue.Claim(ctx, job.ID)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
