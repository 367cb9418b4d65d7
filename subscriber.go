package obsbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dratasich/obsbridge/observation"
	"github.com/dratasich/obsbridge/transport"
)

// TimeoutPolicy decides whether a poll without a message advances the virtual clock
type TimeoutPolicy string

const (
	// AdvanceOnTimeout counts a timeout as a tick, the run ends after
	// at most ceil(t_max/dt) polls even if no publisher ever shows up.
	AdvanceOnTimeout TimeoutPolicy = "advance"
	// HoldOnTimeout polls again without advancing. Without a publisher the
	// run never ends by itself, the caller must bound it with the context.
	HoldOnTimeout TimeoutPolicy = "hold"
)

func (p TimeoutPolicy) Validate() error {
	switch p {
	case AdvanceOnTimeout, HoldOnTimeout:
		return nil
	}
	return fmt.Errorf("unknown timeout policy %q (expected %q or %q)", p, AdvanceOnTimeout, HoldOnTimeout)
}

// SubscriberConfig of a receive loop
type SubscriberConfig struct {
	ConnectAddress string        `env:"CONNECT_ADDRESS, overwrite" yaml:"connect_address"` // address of the publisher
	TMax           time.Duration `env:"T_MAX, overwrite" yaml:"t_max"`                     // total virtual duration
	Dt             time.Duration `env:"DT, overwrite" yaml:"dt"`                           // tick interval
	ReceiveTimeout time.Duration `env:"RECEIVE_TIMEOUT, overwrite" yaml:"receive_timeout"` // max wait per poll
	// minimum interval between processed messages, 0 disables throttling
	Throttle  time.Duration `env:"THROTTLE, overwrite" yaml:"throttle"`
	OnTimeout TimeoutPolicy `env:"ON_TIMEOUT, overwrite" yaml:"on_timeout"`
}

func (c SubscriberConfig) Validate() error {
	if c.ConnectAddress == "" {
		return errors.New("subscriber: connect address is required")
	}
	if c.TMax <= 0 {
		return fmt.Errorf("subscriber: t_max must be positive, got %s", c.TMax)
	}
	if c.Dt <= 0 {
		return fmt.Errorf("subscriber: dt must be positive, got %s", c.Dt)
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("subscriber: receive timeout must be positive, got %s", c.ReceiveTimeout)
	}
	if c.Throttle < 0 {
		return fmt.Errorf("subscriber: throttle must not be negative, got %s", c.Throttle)
	}
	if c.OnTimeout != "" {
		if err := c.OnTimeout.Validate(); err != nil {
			return fmt.Errorf("subscriber: %w", err)
		}
	}
	return nil
}

// Sample is an observation together with the virtual time it was received at
type Sample struct {
	Time        time.Duration
	Observation observation.Observation
}

// Seconds of virtual time
func (s Sample) Seconds() float64 {
	return s.Time.Seconds()
}

// History of received samples in receive order
type History []Sample

// Times in virtual seconds
func (h History) Times() []float64 {
	out := make([]float64, len(h))
	for i, s := range h {
		out[i] = s.Seconds()
	}
	return out
}

// Values of the observations
func (h History) Values() []float64 {
	out := make([]float64, len(h))
	for i, s := range h {
		out[i] = s.Observation.Value
	}
	return out
}

// Handler is invoked for every decoded observation
type Handler func(ctx context.Context, s Sample)

// Subscriber polls a publisher once per tick
type Subscriber struct {
	config    SubscriberConfig
	transport transport.Transport

	handler Handler
	metrics *Metrics
	barrier Barrier
	now     func() time.Time

	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	history    History
	iterations int
	dropped    int
}

type SubscriberOption func(*Subscriber)

func WithHandler(h Handler) SubscriberOption {
	return func(s *Subscriber) {
		s.handler = h
	}
}

func WithSubscriberMetrics(m *Metrics) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = m
	}
}

func WithSubscriberBarrier(b Barrier) SubscriberOption {
	return func(s *Subscriber) {
		s.barrier = b
	}
}

func NewSubscriber(cfg SubscriberConfig, tr transport.Transport, opts ...SubscriberOption) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, errors.New("subscriber: transport is required")
	}
	if cfg.OnTimeout == "" {
		cfg.OnTimeout = AdvanceOnTimeout
	}
	s := &Subscriber{
		config:    cfg,
		transport: tr,
		now:       time.Now,
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ready is closed once the subscriber is connected
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// History returns a copy of the samples received so far
func (s *Subscriber) History() History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(History(nil), s.history...)
}

// Iterations is the number of polls performed so far
func (s *Subscriber) Iterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterations
}

// Dropped is the number of payloads rejected as malformed
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run connects to the publisher and polls until the virtual clock reaches t_max.
//
// It returns a *transport.ConnectError if the publisher address cannot be
// connected and ctx.Err() if cancelled. Timeouts and malformed payloads are
// not errors; a run without any message ends normally.
func (s *Subscriber) Run(ctx context.Context) error {
	logger := log.With().Str("component", "subscriber").Str("address", s.config.ConnectAddress).Logger()

	receiver, err := s.transport.Connect(ctx, s.config.ConnectAddress)
	if err != nil {
		var connectErr *transport.ConnectError
		if !errors.As(err, &connectErr) {
			err = &transport.ConnectError{Address: s.config.ConnectAddress, Err: err}
		}
		return err
	}
	defer func() {
		if err := receiver.Close(); err != nil {
			logger.Error().Msgf("Failed to close receiver: %s", err)
		}
	}()
	s.readyOnce.Do(func() { close(s.ready) })

	if s.barrier != nil {
		if err := s.barrier(ctx); err != nil {
			return fmt.Errorf("startup barrier: %w", err)
		}
	}

	var limiter *rate.Limiter
	if s.config.Throttle > 0 {
		limiter = rate.NewLimiter(rate.Every(s.config.Throttle), 1)
	}
	if _, bounded := ctx.Deadline(); s.config.OnTimeout == HoldOnTimeout && !bounded {
		logger.Warn().Msg("Timeouts do not advance the clock, the run is unbounded while no publisher sends")
	}

	clock := NewClock(s.config.TMax, s.config.Dt)
	logger.Info().Msgf("Start receiving for %s every %s (timeout %s, on timeout: %s)",
		s.config.TMax, s.config.Dt, s.config.ReceiveTimeout, s.config.OnTimeout)

	for !clock.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		s.iterations++
		s.mu.Unlock()

		payload, err := receiver.Receive(ctx, s.config.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("receiver closed: %w", err)
			}
			if errors.Is(err, transport.ErrTimeout) {
				s.metrics.ObserveTimeout()
				logger.Debug().Msgf("No message within %s at t=%s", s.config.ReceiveTimeout, clock.Now())
			} else {
				logger.Error().Msgf("Failed to receive: %s", err)
			}
			if s.config.OnTimeout == AdvanceOnTimeout {
				s.advance(clock)
			}
			continue
		}

		obs, err := observation.Decode(payload)
		if err != nil {
			s.metrics.ObserveDecodeError()
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			logger.Warn().Msgf("Dropping malformed payload: %s. Payload: %s", err, payload)
			s.advance(clock)
			continue
		}

		s.process(ctx, Sample{Time: clock.Now(), Observation: obs})
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				// the next slot lies beyond the ctx deadline, stay throttled until then
				<-ctx.Done()
				return ctx.Err()
			}
		}
		s.advance(clock)
	}

	logger.Info().Msgf("Stop receiving after %d polls (%d samples, %d dropped)", s.Iterations(), len(s.History()), s.Dropped())
	return nil
}

func (s *Subscriber) advance(clock *Clock) {
	clock.Advance()
	s.metrics.SetVirtualTime("subscriber", clock.Now())
}

func (s *Subscriber) process(ctx context.Context, sample Sample) {
	s.metrics.ObserveReceived(sample.Observation, s.now())
	log.Debug().Float64("t", sample.Seconds()).Msgf("recv %+v", sample.Observation)

	s.mu.Lock()
	s.history = append(s.history, sample)
	s.mu.Unlock()

	if s.handler != nil {
		s.handler(ctx, sample)
	}
}
