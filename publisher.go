package obsbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dratasich/obsbridge/observation"
	"github.com/dratasich/obsbridge/transport"
)

// PublisherConfig of a publish loop
type PublisherConfig struct {
	BindAddress string        `env:"BIND_ADDRESS, overwrite" yaml:"bind_address"` // address to publish on
	TMax        time.Duration `env:"T_MAX, overwrite" yaml:"t_max"`               // total virtual duration
	Dt          time.Duration `env:"DT, overwrite" yaml:"dt"`                     // tick interval
}

func (c PublisherConfig) Validate() error {
	if c.BindAddress == "" {
		return errors.New("publisher: bind address is required")
	}
	if c.TMax <= 0 {
		return fmt.Errorf("publisher: t_max must be positive, got %s", c.TMax)
	}
	if c.Dt <= 0 {
		return fmt.Errorf("publisher: dt must be positive, got %s", c.Dt)
	}
	return nil
}

// Barrier is called once the endpoint is set up and before the first tick.
// It lets the caller synchronize startup with other processes.
type Barrier func(ctx context.Context) error

// Publisher broadcasts a sampled signal once per tick
type Publisher struct {
	config    PublisherConfig
	signal    observation.Signal
	transport transport.Transport

	newPacer PacerFactory
	metrics  *Metrics
	barrier  Barrier
	now      func() time.Time

	ready     chan struct{}
	readyOnce sync.Once

	sent   atomic.Int64
	failed atomic.Int64
}

type PublisherOption func(*Publisher)

// WithPublisherPacer replaces the wall-clock ticker
func WithPublisherPacer(f PacerFactory) PublisherOption {
	return func(p *Publisher) {
		if f != nil {
			p.newPacer = f
		}
	}
}

func WithPublisherMetrics(m *Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func WithPublisherBarrier(b Barrier) PublisherOption {
	return func(p *Publisher) {
		p.barrier = b
	}
}

// WithNow replaces the wall clock used for timestamps
func WithNow(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPublisher(cfg PublisherConfig, signal observation.Signal, tr transport.Transport, opts ...PublisherOption) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if signal.Fn == nil {
		return nil, errors.New("publisher: signal has no value function")
	}
	if tr == nil {
		return nil, errors.New("publisher: transport is required")
	}
	p := &Publisher{
		config:    cfg,
		signal:    signal,
		transport: tr,
		newPacer:  NewTickerPacer,
		now:       time.Now,
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Ready is closed once the publisher is bound
func (p *Publisher) Ready() <-chan struct{} {
	return p.ready
}

// Sent is the number of observations handed to the transport
func (p *Publisher) Sent() int64 {
	return p.sent.Load()
}

// Failed is the number of observations the transport rejected
func (p *Publisher) Failed() int64 {
	return p.failed.Load()
}

// Run binds the address and publishes one observation per tick until t_max.
// It returns a *transport.BindError if the address cannot be bound and
// ctx.Err() if cancelled. Lost sends are not an error.
func (p *Publisher) Run(ctx context.Context) error {
	logger := log.With().Str("component", "publisher").Str("address", p.config.BindAddress).Logger()

	sender, err := p.transport.Bind(ctx, p.config.BindAddress)
	if err != nil {
		var bindErr *transport.BindError
		if !errors.As(err, &bindErr) {
			err = &transport.BindError{Address: p.config.BindAddress, Err: err}
		}
		return err
	}
	defer func() {
		if err := sender.Close(); err != nil {
			logger.Error().Msgf("Failed to close sender: %s", err)
		}
	}()
	if addressed, ok := sender.(transport.Addressed); ok {
		logger.Info().Strs("addresses", addressed.Addresses()).Msg("Publisher bound")
	}
	p.readyOnce.Do(func() { close(p.ready) })

	if p.barrier != nil {
		if err := p.barrier(ctx); err != nil {
			return fmt.Errorf("startup barrier: %w", err)
		}
	}

	clock := NewClock(p.config.TMax, p.config.Dt)
	pacer := p.newPacer(p.config.Dt)
	defer pacer.Stop()

	logger.Info().Msgf("Start sending for %s every %s", p.config.TMax, p.config.Dt)
	for !clock.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.publish(ctx, sender, clock)
		clock.Advance()
		p.metrics.SetVirtualTime("publisher", clock.Now())

		if clock.Done() {
			break
		}
		if err := pacer.Wait(ctx); err != nil {
			return err
		}
	}
	logger.Info().Msgf("Stop sending after %d ticks (%d sent, %d lost)", clock.Ticks(), p.Sent(), p.Failed())
	return nil
}

func (p *Publisher) publish(ctx context.Context, sender transport.Sender, clock *Clock) {
	t := clock.Seconds()
	obs := observation.New(p.signal.Range, p.signal.At(t), p.now())

	payload, err := observation.Encode(obs)
	if err != nil {
		p.failed.Add(1)
		p.metrics.ObserveSendFailure()
		log.Error().Float64("t", t).Msgf("Failed to encode observation: %s", err)
		return
	}
	if err := sender.Send(ctx, payload); err != nil {
		// no retries, a lost tick stays lost
		p.failed.Add(1)
		p.metrics.ObserveSendFailure()
		log.Debug().Float64("t", t).Msgf("Dropped observation: %s", err)
		return
	}
	p.sent.Add(1)
	p.metrics.ObservePublished()
	log.Debug().Float64("t", t).Msgf("send %s", payload)
}
