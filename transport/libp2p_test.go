package transport

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibp2pConnectRequiresPeerID(t *testing.T) {
	_, err := NewLibp2p(Libp2pOptions{}).Connect(context.Background(), "/ip4/127.0.0.1/tcp/5556")

	var connectErr *ConnectError
	assert.True(t, errors.As(err, &connectErr))
}

func TestLibp2pBindInvalidAddress(t *testing.T) {
	_, err := NewLibp2p(Libp2pOptions{}).Bind(context.Background(), "/ip4/not-an-ip/tcp/5556")

	var bindErr *BindError
	assert.True(t, errors.As(err, &bindErr))
}

func TestLibp2pIdentityKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)
	second, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)

	assert.True(t, first.Equals(second))
}

func TestLibp2pBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping libp2p integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	tr := NewLibp2p(Libp2pOptions{Topic: "obsbridge-test"})

	sender, err := tr.Bind(ctx, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	defer sender.Close()
	addrs := sender.(Addressed).Addresses()
	require.NotEmpty(t, addrs)

	receiver, err := tr.Connect(ctx, addrs[0])
	require.NoError(t, err)
	defer receiver.Close()

	// the gossip mesh needs a moment, keep sending until something arrives
	var payload []byte
	for payload == nil && ctx.Err() == nil {
		require.NoError(t, sender.Send(ctx, []byte("hello")))
		payload, err = receiver.Receive(ctx, 200*time.Millisecond)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "hello", string(payload))
}

func TestLibp2pReceivesFirstPayloadAfterConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping libp2p integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	tr := NewLibp2p(Libp2pOptions{Topic: "obsbridge-first"})

	sender, err := tr.Bind(ctx, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := tr.Connect(ctx, sender.(Addressed).Addresses()[0])
	require.NoError(t, err)
	defer receiver.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, sender.Send(ctx, []byte{byte('0' + i)}))
		time.Sleep(50 * time.Millisecond)
	}

	var got []string
	for i := 0; i < 3; i++ {
		payload, err := receiver.Receive(ctx, 2*time.Second)
		require.NoError(t, err)
		got = append(got, string(payload))
	}
	assert.Equal(t, []string{"0", "1", "2"}, got)
}

func TestLibp2pConnectWithoutPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping libp2p integration test")
	}

	ctx := context.Background()
	tr := NewLibp2p(Libp2pOptions{ConnectTimeout: 500 * time.Millisecond})
	sender, err := tr.Bind(ctx, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	address := sender.(Addressed).Addresses()[0]
	require.NoError(t, sender.Close())

	_, err = tr.Connect(ctx, address)
	var connectErr *ConnectError
	assert.True(t, errors.As(err, &connectErr), "expected ConnectError, got %v", err)
}

func TestLibp2pBindAddressInUse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping libp2p integration test")
	}

	ctx := context.Background()
	tr := NewLibp2p(Libp2pOptions{})
	sender, err := tr.Bind(ctx, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	defer sender.Close()

	// strip the /p2p/<id> suffix to get the listen address back
	listen := sender.(Addressed).Addresses()[0]
	listen = listen[:len(listen)-len("/p2p/")-len(lastPathElement(listen))]

	_, err = tr.Bind(ctx, listen)
	var bindErr *BindError
	assert.True(t, errors.As(err, &bindErr))
}

func lastPathElement(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return s[i+1:]
		}
	}
	return s
}
