package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	// gossipsub topic observations are published on
	Topic string `env:"TOPIC, overwrite" yaml:"topic"`
	// listen addresses of subscriber hosts, defaults to an ephemeral local port
	ListenAddrs []string `env:"LISTEN_ADDRS, overwrite" yaml:"listen_addrs"`
	// persistent publisher identity, keeps the /p2p/ part of its address stable
	IdentityKeyFile string        `env:"IDENTITY_KEY_FILE, overwrite" yaml:"identity_key_file"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT, overwrite" yaml:"connect_timeout"`
	BufferSize      int           `env:"BUFFER_SIZE, overwrite" yaml:"buffer_size"`
}

// Addressed is implemented by senders that can tell receivers where to connect
type Addressed interface {
	Addresses() []string
}

const defaultLibp2pTopic = "gym-observations"

// Libp2p broadcasts observations with gossipsub.
//
// The publisher listens on a TCP multiaddr such as `/ip4/0.0.0.0/tcp/5556`,
// subscribers connect to its full address `/ip4/127.0.0.1/tcp/5556/p2p/<id>`.
type Libp2p struct {
	opts Libp2pOptions
}

func NewLibp2p(opts Libp2pOptions) *Libp2p {
	if opts.Topic == "" {
		opts.Topic = defaultLibp2pTopic
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultMemoryBuffer
	}
	return &Libp2p{opts: opts}
}

// gossipNode is a host joined to the observation topic
type gossipNode struct {
	ctx    context.Context
	cancel context.CancelFunc

	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	relay pubsub.RelayCancelFunc
}

func (t *Libp2p) newNode(libp2pOpts ...libp2p.Option) (*gossipNode, error) {
	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	topic, err := ps.Join(t.opts.Topic)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("join topic %s: %w", t.opts.Topic, err)
	}
	return &gossipNode{ctx: ctx, cancel: cancel, host: h, ps: ps, topic: topic}, nil
}

func (n *gossipNode) close() error {
	if n.relay != nil {
		n.relay()
	}
	err := n.topic.Close()
	n.cancel()
	return errors.Join(err, n.host.Close())
}

func (n *gossipNode) addresses() []string {
	out := make([]string, 0, len(n.host.Addrs()))
	for _, addr := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), n.host.ID().String()))
	}
	return out
}

func (t *Libp2p) Bind(ctx context.Context, address string) (Sender, error) {
	listen, err := ma.NewMultiaddr(address)
	if err != nil {
		return nil, &BindError{Address: address, Err: fmt.Errorf("invalid listen multiaddr: %w", err)}
	}

	// without reuseport a second publisher on the same port fails to bind
	opts := []libp2p.Option{
		libp2p.ListenAddrs(listen),
		libp2p.Transport(tcp.NewTCPTransport, tcp.DisableReuseport()),
	}
	if t.opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(t.opts.IdentityKeyFile)
		if err != nil {
			return nil, &BindError{Address: address, Err: fmt.Errorf("load identity key: %w", err)}
		}
		opts = append(opts, libp2p.Identity(key))
	}

	node, err := t.newNode(opts...)
	if err != nil {
		return nil, &BindError{Address: address, Err: err}
	}
	// announce the topic so subscribers can tell when the publisher knows about them
	node.relay, err = node.topic.Relay()
	if err != nil {
		_ = node.close()
		return nil, &BindError{Address: address, Err: fmt.Errorf("relay topic %s: %w", t.opts.Topic, err)}
	}
	for _, addr := range node.addresses() {
		log.Info().Msgf("Publishing on %s", addr)
	}
	return &libp2pSender{node: node}, nil
}

func (t *Libp2p) Connect(ctx context.Context, address string) (Receiver, error) {
	addr, err := ma.NewMultiaddr(address)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: fmt.Errorf("invalid multiaddr: %w", err)}
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: fmt.Errorf("expected .../p2p/<peer id>: %w", err)}
	}

	listenAddrs := make([]ma.Multiaddr, 0, len(t.opts.ListenAddrs))
	for _, s := range t.opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, &ConnectError{Address: address, Err: fmt.Errorf("invalid listen multiaddr %q: %w", s, err)}
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	node, err := t.newNode(libp2p.ListenAddrs(listenAddrs...))
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}

	// subscribe first, the subscription is then part of the hello sent on connect
	sub, err := node.topic.Subscribe(pubsub.WithBufferSize(t.opts.BufferSize))
	if err != nil {
		_ = node.close()
		return nil, &ConnectError{Address: address, Err: fmt.Errorf("subscribe: %w", err)}
	}
	events, err := node.topic.EventHandler()
	if err != nil {
		sub.Cancel()
		_ = node.close()
		return nil, &ConnectError{Address: address, Err: fmt.Errorf("topic events: %w", err)}
	}
	fail := func(err error) (Receiver, error) {
		events.Cancel()
		sub.Cancel()
		_ = node.close()
		return nil, &ConnectError{Address: address, Err: err}
	}

	connCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()
	if err := node.host.Connect(connCtx, *info); err != nil {
		return fail(err)
	}
	if err := awaitPeerJoin(connCtx, events, info.ID); err != nil {
		return fail(fmt.Errorf("publisher did not join topic %s: %w", t.opts.Topic, err))
	}
	events.Cancel()
	log.Info().Msgf("Connected to publisher %s", info.ID)

	return &libp2pReceiver{node: node, sub: sub}, nil
}

// awaitPeerJoin blocks until id announced the topic
func awaitPeerJoin(ctx context.Context, events *pubsub.TopicEventHandler, id peer.ID) error {
	for {
		ev, err := events.NextPeerEvent(ctx)
		if err != nil {
			return err
		}
		if ev.Type == pubsub.PeerJoin && ev.Peer == id {
			return nil
		}
	}
}

type libp2pSender struct {
	node *gossipNode

	mu     sync.Mutex
	closed bool
}

func (s *libp2pSender) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.node.topic.Publish(ctx, payload)
}

func (s *libp2pSender) Addresses() []string {
	return s.node.addresses()
}

func (s *libp2pSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.node.close()
}

type libp2pReceiver struct {
	node *gossipNode
	sub  *pubsub.Subscription

	mu     sync.Mutex
	closed bool
}

func (r *libp2pReceiver) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	if timeout <= 0 {
		timeout = time.Millisecond
	}
	recvCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		msg, err := r.sub.Next(recvCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, err
		}
		if msg.ReceivedFrom == r.node.host.ID() {
			continue
		}
		return append([]byte(nil), msg.Data...), nil
	}
}

func (r *libp2pReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.sub.Cancel()
	return r.node.close()
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
