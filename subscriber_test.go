package obsbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dratasich/obsbridge/observation"
	"github.com/dratasich/obsbridge/transport"
)

func subscriberConfig(address string) SubscriberConfig {
	return SubscriberConfig{
		ConnectAddress: address,
		TMax:           time.Second,
		Dt:             100 * time.Millisecond,
		ReceiveTimeout: 10 * time.Millisecond,
	}
}

func TestSubscriberTerminatesWithoutPublisher(t *testing.T) {
	metrics := NewMetrics(nil)
	sub, err := NewSubscriber(subscriberConfig("mem://nobody"), transport.NewMemory(0), WithSubscriberMetrics(metrics))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sub.Run(context.Background()))

	assert.Equal(t, 10, sub.Iterations())
	assert.Empty(t, sub.History())
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.timeouts))
	// ten polls bounded by the receive timeout each
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubscriberReceiveIsBounded(t *testing.T) {
	cfg := subscriberConfig("mem://nobody")
	cfg.TMax = cfg.Dt
	cfg.ReceiveTimeout = 100 * time.Millisecond
	sub, err := NewSubscriber(cfg, transport.NewMemory(0))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sub.Run(context.Background()))
	elapsed := time.Since(start)

	assert.Equal(t, 1, sub.Iterations())
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond)
}

func TestSubscriberHoldOnTimeoutNeedsExternalBound(t *testing.T) {
	cfg := subscriberConfig("mem://nobody")
	cfg.OnTimeout = HoldOnTimeout
	sub, err := NewSubscriber(cfg, transport.NewMemory(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = sub.Run(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// more polls than the clock has ticks, none of them advanced it
	assert.Greater(t, sub.Iterations(), 10)
}

// sendOnStart returns a barrier that queues payloads after the subscriber connected
func sendOnStart(t *testing.T, mem *transport.Memory, address string, payloads ...[]byte) Barrier {
	return func(ctx context.Context) error {
		sender, err := mem.Bind(ctx, address)
		require.NoError(t, err)
		t.Cleanup(func() { sender.Close() })
		for _, payload := range payloads {
			require.NoError(t, sender.Send(ctx, payload))
		}
		return nil
	}
}

func TestSubscriberDropsMalformedPayloads(t *testing.T) {
	mem := transport.NewMemory(0)
	metrics := NewMetrics(nil)

	cfg := subscriberConfig("mem://gym")
	cfg.TMax = 300 * time.Millisecond
	sub, err := NewSubscriber(cfg, mem, WithSubscriberMetrics(metrics), WithSubscriberBarrier(sendOnStart(t, mem, "mem://gym",
		[]byte(`[{"min": -1, "max": 1, "ts": 1}]`),
		[]byte(`not json`),
		[]byte(`[{"min": -1, "max": 1, "value": 0.5, "ts": 1}]`),
	)))
	require.NoError(t, err)

	require.NoError(t, sub.Run(context.Background()))

	assert.Equal(t, 3, sub.Iterations())
	assert.Equal(t, 2, sub.Dropped())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.decodeErrors))
	require.Len(t, sub.History(), 1)
	assert.Equal(t, 0.5, sub.History()[0].Observation.Value)
	assert.Equal(t, 200*time.Millisecond, sub.History()[0].Time)
}

func TestSubscriberInvokesHandler(t *testing.T) {
	mem := transport.NewMemory(0)
	var payloads [][]byte
	for _, v := range []float64{0.1, 0.2} {
		payload, err := observation.Encode(observation.Observation{Min: 0, Max: 1, Value: v, Timestamp: 1})
		require.NoError(t, err)
		payloads = append(payloads, payload)
	}

	var handled []Sample
	cfg := subscriberConfig("mem://gym")
	cfg.TMax = 200 * time.Millisecond
	sub, err := NewSubscriber(cfg, mem,
		WithHandler(func(ctx context.Context, s Sample) {
			handled = append(handled, s)
		}),
		WithSubscriberBarrier(sendOnStart(t, mem, "mem://gym", payloads...)),
	)
	require.NoError(t, err)

	require.NoError(t, sub.Run(context.Background()))

	require.Len(t, handled, 2)
	assert.Equal(t, sub.History(), History(handled))
	assert.Equal(t, []float64{0.1, 0.2}, History(handled).Values())
	assert.Equal(t, []float64{0, 0.1}, History(handled).Times())
}

func TestSubscriberThrottle(t *testing.T) {
	mem := transport.NewMemory(0)
	payload := []byte(`{"min": 0, "max": 1, "value": 1, "ts": 1}`)

	cfg := subscriberConfig("mem://gym")
	cfg.TMax = 300 * time.Millisecond
	cfg.Throttle = 50 * time.Millisecond
	sub, err := NewSubscriber(cfg, mem, WithSubscriberBarrier(sendOnStart(t, mem, "mem://gym", payload, payload, payload)))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sub.Run(context.Background()))

	assert.Len(t, sub.History(), 3)
	// all messages were queued up front, processing is spaced by the throttle
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSubscriberThrottleBeyondDeadline(t *testing.T) {
	mem := transport.NewMemory(0)
	payload := []byte(`{"min": 0, "max": 1, "value": 1, "ts": 1}`)

	cfg := subscriberConfig("mem://gym")
	cfg.Throttle = time.Hour
	sub, err := NewSubscriber(cfg, mem, WithSubscriberBarrier(sendOnStart(t, mem, "mem://gym", payload, payload, payload)))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = sub.Run(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	// the first message uses the initial token, the second waits for a slot past the deadline
	assert.Len(t, sub.History(), 2)
}

func TestSubscriberConnectError(t *testing.T) {
	sub, err := NewSubscriber(subscriberConfig("mem://"), transport.NewMemory(0))
	require.NoError(t, err)

	err = sub.Run(context.Background())

	var connectErr *transport.ConnectError
	assert.True(t, errors.As(err, &connectErr), "expected ConnectError, got %v", err)
}

func TestSubscriberCancelled(t *testing.T) {
	cfg := subscriberConfig("mem://nobody")
	cfg.ReceiveTimeout = time.Minute
	sub, err := NewSubscriber(cfg, transport.NewMemory(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sub.Ready()
		cancel()
	}()

	assert.ErrorIs(t, sub.Run(ctx), context.Canceled)
}

func TestSubscriberConfigValidate(t *testing.T) {
	valid := subscriberConfig("mem://gym")
	assert.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*SubscriberConfig){
		"no address":        func(c *SubscriberConfig) { c.ConnectAddress = "" },
		"no duration":       func(c *SubscriberConfig) { c.TMax = 0 },
		"no dt":             func(c *SubscriberConfig) { c.Dt = 0 },
		"no timeout":        func(c *SubscriberConfig) { c.ReceiveTimeout = 0 },
		"negative throttle": func(c *SubscriberConfig) { c.Throttle = -time.Second },
		"unknown policy":    func(c *SubscriberConfig) { c.OnTimeout = "retry" },
	} {
		cfg := valid
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}
