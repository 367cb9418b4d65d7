package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	memoryScheme = "mem://"

	defaultMemoryBuffer = 64
)

// Memory is a process-local broadcast transport
//
// Addresses have the form `mem://name`. Receivers may connect before the
// address is bound; they start receiving once a sender is bound.
type Memory struct {
	bufferSize int

	mu   sync.Mutex
	hubs map[string]*hub
}

type hub struct {
	mu     sync.RWMutex
	bound  bool
	nextID int
	subs   map[int]chan []byte
}

// NewMemory creates a memory transport. Each receiver buffers up to
// bufferSize payloads, further payloads are dropped for that receiver.
func NewMemory(bufferSize int) *Memory {
	if bufferSize <= 0 {
		bufferSize = defaultMemoryBuffer
	}
	return &Memory{
		bufferSize: bufferSize,
		hubs:       make(map[string]*hub),
	}
}

func memoryName(address string) (string, error) {
	name, found := strings.CutPrefix(address, memoryScheme)
	if !found || name == "" {
		return "", errors.New("expected mem://<name>")
	}
	return name, nil
}

func (m *Memory) hub(name string) *hub {
	h, ok := m.hubs[name]
	if !ok {
		h = &hub{subs: make(map[int]chan []byte)}
		m.hubs[name] = h
	}
	return h
}

// release drops the hub once nobody uses it anymore
func (m *Memory) release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[name]
	if !ok {
		return
	}
	h.mu.RLock()
	unused := !h.bound && len(h.subs) == 0
	h.mu.RUnlock()
	if unused {
		delete(m.hubs, name)
	}
}

func (m *Memory) Bind(ctx context.Context, address string) (Sender, error) {
	name, err := memoryName(address)
	if err != nil {
		return nil, &BindError{Address: address, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hub(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bound {
		return nil, &BindError{Address: address, Err: ErrAddressInUse}
	}
	h.bound = true

	log.Debug().Str("address", address).Msg("Memory sender bound")
	return &memorySender{memory: m, name: name, hub: h}, nil
}

func (m *Memory) Connect(ctx context.Context, address string) (Receiver, error) {
	name, err := memoryName(address)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hub(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan []byte, m.bufferSize)
	h.subs[id] = ch

	log.Debug().Str("address", address).Msgf("Memory receiver #%d connected", id)
	return &memoryReceiver{memory: m, name: name, hub: h, id: id, ch: ch}, nil
}

type memorySender struct {
	memory *Memory
	name   string
	hub    *hub

	closeOnce sync.Once
	closed    bool
}

func (s *memorySender) Send(ctx context.Context, payload []byte) error {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	for id, ch := range s.hub.subs {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
			// a slow receiver must not stall the sender
			log.Debug().Msgf("Memory receiver #%d buffer full, dropping payload", id)
		}
	}
	return nil
}

func (s *memorySender) Close() error {
	s.closeOnce.Do(func() {
		s.hub.mu.Lock()
		s.closed = true
		s.hub.bound = false
		s.hub.mu.Unlock()
		s.memory.release(s.name)
	})
	return nil
}

type memoryReceiver struct {
	memory *Memory
	name   string
	hub    *hub
	id     int
	ch     chan []byte

	closeOnce sync.Once
}

func (r *memoryReceiver) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case payload, ok := <-r.ch:
		return received(payload, ok)
	default:
	}

	expired, stop := waitTimer(timeout)
	defer stop()
	select {
	case payload, ok := <-r.ch:
		return received(payload, ok)
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func received(payload []byte, ok bool) ([]byte, error) {
	if !ok {
		return nil, ErrClosed
	}
	return payload, nil
}

func (r *memoryReceiver) Close() error {
	r.closeOnce.Do(func() {
		r.hub.mu.Lock()
		if ch, ok := r.hub.subs[r.id]; ok {
			delete(r.hub.subs, r.id)
			close(ch)
		}
		r.hub.mu.Unlock()
		r.memory.release(r.name)
	})
	return nil
}
