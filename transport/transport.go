// Package transport provides broadcast pub/sub channels for observation payloads.
//
// A publisher binds an address and sends fire-and-forget, subscribers connect
// to that address and poll with a bounded timeout. Delivery is at-most-once and
// subscribers that connect late miss everything sent before.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned by Receive when no payload arrived in time.
	// It is an expected outcome, not a failure.
	ErrTimeout = errors.New("receive timeout")
	// ErrClosed is returned when using a sender or receiver after Close.
	ErrClosed = errors.New("transport closed")
	// ErrAddressInUse is returned when binding an address that is already bound.
	ErrAddressInUse = errors.New("address already in use")
)

// BindError is returned when a publisher cannot bind its address at startup
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ConnectError is returned when a subscriber cannot connect at startup
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Sender is the publishing end of a bound address
type Sender interface {
	// Send broadcasts payload to all currently connected receivers.
	// There is no acknowledgment and no retry.
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Receiver is the subscribing end connected to an address
type Receiver interface {
	// Receive waits at most timeout for the next payload and
	// returns ErrTimeout if none arrived.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// Transport creates senders and receivers
type Transport interface {
	Bind(ctx context.Context, address string) (Sender, error)
	Connect(ctx context.Context, address string) (Receiver, error)
}

// Registry selects a transport by the scheme of the address:
//
//	mem://name                        in-process
//	tcp://host:5556                   ZeroMQ PUB/SUB (also zmq+tcp)
//	mqtt://host:1883/topic            MQTT broker (also ssl, mqtts, ws, wss)
//	/ip4/127.0.0.1/tcp/5556[/p2p/id]  libp2p gossipsub
type Registry struct {
	Memory *Memory
	ZMQ    *ZMQ
	MQTT   *MQTT
	Libp2p *Libp2p
}

// For returns the transport handling address
func (r *Registry) For(address string) (Transport, error) {
	switch {
	case strings.HasPrefix(address, memoryScheme):
		if r.Memory == nil {
			return nil, errors.New("memory transport not configured")
		}
		return r.Memory, nil
	case strings.HasPrefix(address, "/"):
		if r.Libp2p == nil {
			return nil, errors.New("libp2p transport not configured")
		}
		return r.Libp2p, nil
	case isZMQAddress(address):
		if r.ZMQ == nil {
			return nil, errors.New("zmq transport not configured")
		}
		return r.ZMQ, nil
	case isMQTTAddress(address):
		if r.MQTT == nil {
			return nil, errors.New("mqtt transport not configured")
		}
		return r.MQTT, nil
	default:
		return nil, fmt.Errorf("unsupported address %q", address)
	}
}

func (r *Registry) Bind(ctx context.Context, address string) (Sender, error) {
	t, err := r.For(address)
	if err != nil {
		return nil, &BindError{Address: address, Err: err}
	}
	return t.Bind(ctx, address)
}

func (r *Registry) Connect(ctx context.Context, address string) (Receiver, error) {
	t, err := r.For(address)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}
	return t.Connect(ctx, address)
}

// waitTimer is shared by receivers polling a channel
func waitTimer(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		ch := make(chan time.Time)
		close(ch)
		return ch, func() {}
	}
	timer := time.NewTimer(timeout)
	return timer.C, func() { timer.Stop() }
}
