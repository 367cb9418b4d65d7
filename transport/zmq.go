package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog/log"
)

// ZMQConfig configures the ZeroMQ transport
type ZMQConfig struct {
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT, overwrite" yaml:"connect_timeout"` // max time spent dialing the publisher
	BufferSize     int           `env:"BUFFER_SIZE, overwrite" yaml:"buffer_size"`         // payloads queued per receiver
}

const (
	zmqScheme         = "tcp://"
	zmqExplicitScheme = "zmq+tcp://"

	zmqDialRetry = 100 * time.Millisecond
)

func isZMQAddress(address string) bool {
	return strings.HasPrefix(address, zmqScheme) || strings.HasPrefix(address, zmqExplicitScheme)
}

// parseZMQAddress returns the zmq endpoint of `tcp://host:port` or `zmq+tcp://host:port`.
// A wildcard host (`tcp://*:5556`) is only allowed when binding.
func parseZMQAddress(address string, bind bool) (string, error) {
	hostPort, ok := strings.CutPrefix(strings.TrimPrefix(address, "zmq+"), zmqScheme)
	if !ok {
		return "", fmt.Errorf("expected tcp://host:port, got %q", address)
	}
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", address, err)
	}
	if port == "" {
		return "", fmt.Errorf("missing port in %q", address)
	}
	switch host {
	case "*", "":
		if !bind {
			return "", fmt.Errorf("cannot connect to wildcard host in %q", address)
		}
		host = "0.0.0.0"
	}
	return zmqScheme + net.JoinHostPort(host, port), nil
}

// ZMQ broadcasts observations over ZeroMQ PUB/SUB sockets.
//
// The wire format matches `send_json`/`recv_json` peers: one frame holding
// the JSON encoded observation. As with any SUB socket, a subscriber that
// just connected may miss the first payloads until the publisher has
// processed its subscription.
type ZMQ struct {
	config ZMQConfig
}

func NewZMQ(cfg ZMQConfig) *ZMQ {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultMemoryBuffer
	}
	return &ZMQ{config: cfg}
}

func (t *ZMQ) Bind(ctx context.Context, address string) (Sender, error) {
	endpoint, err := parseZMQAddress(address, true)
	if err != nil {
		return nil, &BindError{Address: address, Err: err}
	}

	sockCtx, cancel := context.WithCancel(context.Background())
	pub := zmq4.NewPub(sockCtx)
	if err := pub.Listen(endpoint); err != nil {
		_ = pub.Close()
		cancel()
		return nil, &BindError{Address: address, Err: err}
	}
	log.Info().Msgf("Publishing on %s", pub.Addr())
	return &zmqSender{sock: pub, cancel: cancel}, nil
}

func (t *ZMQ) Connect(ctx context.Context, address string) (Receiver, error) {
	endpoint, err := parseZMQAddress(address, false)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}

	retries := int(t.config.ConnectTimeout / zmqDialRetry)
	sockCtx, cancel := context.WithCancel(context.Background())
	sub := zmq4.NewSub(sockCtx,
		zmq4.WithDialerRetry(zmqDialRetry),
		zmq4.WithDialerMaxRetries(retries),
	)
	if err := sub.Dial(endpoint); err != nil {
		_ = sub.Close()
		cancel()
		return nil, &ConnectError{Address: address, Err: err}
	}
	// empty prefix, receive everything
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = sub.Close()
		cancel()
		return nil, &ConnectError{Address: address, Err: fmt.Errorf("subscribe: %w", err)}
	}

	r := &zmqReceiver{
		sock:   sub,
		cancel: cancel,
		queue:  make(chan []byte, t.config.BufferSize),
		done:   make(chan struct{}),
	}
	go r.pump()
	log.Info().Msgf("Connected to publisher %s", endpoint)
	return r, nil
}

type zmqSender struct {
	sock   zmq4.Socket
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (s *zmqSender) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.sock.Send(zmq4.NewMsg(payload)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (s *zmqSender) Addresses() []string {
	if addr := s.sock.Addr(); addr != nil {
		return []string{zmqScheme + addr.String()}
	}
	return nil
}

func (s *zmqSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.sock.Close()
	s.cancel()
	return err
}

type zmqReceiver struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
	queue  chan []byte
	done   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

// pump moves messages from the socket into the queue until the socket is closed
func (r *zmqReceiver) pump() {
	defer close(r.done)
	for {
		msg, err := r.sock.Recv()
		if err != nil {
			if !r.closed.Load() {
				log.Error().Msgf("Failed to receive: %s", err)
			}
			return
		}
		if len(msg.Frames) == 0 {
			continue
		}
		select {
		case r.queue <- msg.Bytes():
		default:
			log.Debug().Msg("Receive queue full, dropping message")
		}
	}
}

func (r *zmqReceiver) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case payload := <-r.queue:
		return payload, nil
	default:
	}

	expired, stop := waitTimer(timeout)
	defer stop()
	select {
	case payload := <-r.queue:
		return payload, nil
	case <-r.done:
		return nil, fmt.Errorf("socket stopped receiving: %w", ErrClosed)
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *zmqReceiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
		err = r.sock.Close()
		select {
		case <-r.done:
		case <-time.After(time.Second):
			log.Warn().Msg("Receive loop did not stop")
		}
	})
	return err
}
