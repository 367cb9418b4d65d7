package obsbridge

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dratasich/obsbridge/observation"
	"github.com/dratasich/obsbridge/transport"
)

// awaitReady is a startup barrier waiting for all subscribers to connect
func awaitReady(subs ...*Subscriber) Barrier {
	return func(ctx context.Context) error {
		for _, s := range subs {
			select {
			case <-s.Ready():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

func TestPublishSubscribeSine(t *testing.T) {
	mem := transport.NewMemory(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := NewSubscriber(SubscriberConfig{
		ConnectAddress: "mem://gym",
		TMax:           500 * time.Millisecond,
		Dt:             100 * time.Millisecond,
		ReceiveTimeout: time.Second,
	}, mem)
	require.NoError(t, err)
	pub, err := NewPublisher(PublisherConfig{
		BindAddress: "mem://gym",
		TMax:        500 * time.Millisecond,
		Dt:          100 * time.Millisecond,
	}, observation.Sine(observation.Range{Min: -1, Max: 1}, 1), mem, WithPublisherBarrier(awaitReady(sub)))
	require.NoError(t, err)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error { return sub.Run(grpCtx) })
	grp.Go(func() error { return pub.Run(grpCtx) })
	require.NoError(t, grp.Wait())

	history := sub.History()
	require.Len(t, history, 5)
	for i, sample := range history {
		ts := float64(i) / 10
		assert.InDelta(t, math.Sin(2*math.Pi*ts), sample.Observation.Value, 1e-9)
		assert.InDelta(t, ts, sample.Seconds(), 1e-9)
		assert.Equal(t, -1.0, sample.Observation.Min)
		assert.Equal(t, 1.0, sample.Observation.Max)
		if i > 0 {
			assert.Greater(t, sample.Time, history[i-1].Time)
			assert.GreaterOrEqual(t, sample.Observation.Timestamp, history[i-1].Observation.Timestamp)
		}
	}
}

func TestBroadcastIsolation(t *testing.T) {
	mem := transport.NewMemory(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := SubscriberConfig{
		ConnectAddress: "mem://gym",
		TMax:           500 * time.Millisecond,
		Dt:             100 * time.Millisecond,
		ReceiveTimeout: time.Second,
	}
	fast, err := NewSubscriber(cfg, mem)
	require.NoError(t, err)
	slow, err := NewSubscriber(cfg, mem, WithHandler(func(ctx context.Context, s Sample) {
		time.Sleep(150 * time.Millisecond)
	}))
	require.NoError(t, err)

	// a subscriber that goes away right after connecting
	failingCtx, failingCancel := context.WithCancel(ctx)
	failing, err := NewSubscriber(cfg, mem, WithSubscriberBarrier(func(ctx context.Context) error {
		failingCancel()
		return ctx.Err()
	}))
	require.NoError(t, err)

	pub, err := NewPublisher(PublisherConfig{
		BindAddress: "mem://gym",
		TMax:        500 * time.Millisecond,
		Dt:          100 * time.Millisecond,
	}, observation.Sine(observation.Range{Min: -1, Max: 1}, 1), mem, WithPublisherBarrier(awaitReady(fast, slow, failing)))
	require.NoError(t, err)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error { return fast.Run(grpCtx) })
	grp.Go(func() error { return slow.Run(grpCtx) })
	grp.Go(func() error { return pub.Run(grpCtx) })
	failingErr := failing.Run(failingCtx)
	require.NoError(t, grp.Wait())

	assert.ErrorIs(t, failingErr, context.Canceled)
	assert.Equal(t, int64(5), pub.Sent())
	assert.Equal(t, fast.History().Values(), slow.History().Values())
	assert.Len(t, fast.History(), 5)
}
