package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MQTT configuration shared by all connections of the transport
type MQTTConfig struct {
	// set username = access token (and leave password empty) for token based brokers
	Username string `env:"USERNAME, overwrite" yaml:"username"` // MQTT Username to use when connecting to server
	Password string `env:"PASSWORD, overwrite" yaml:"password"` // MQTT Password to use when connecting to server

	KeepAlive uint16 `env:"KEEP_ALIVE, overwrite" yaml:"keep_alive"` // seconds between keepalive packets
	QoS       byte   `env:"QOS, overwrite" yaml:"qos"`               // qos to utilise when publishing and subscribing

	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT, overwrite" yaml:"connect_timeout"` // max wait for the broker at startup
	SendTimeout    time.Duration `env:"SEND_TIMEOUT, overwrite" yaml:"send_timeout"`       // max wait per publish
	BufferSize     int           `env:"BUFFER_SIZE, overwrite" yaml:"buffer_size"`         // payloads queued per receiver
}

const (
	defaultTopic = "gym/observation"

	defaultKeepAlive      = 60
	defaultConnectTimeout = 5 * time.Second
	defaultSendTimeout    = time.Second
)

// tcp:// is left to ZeroMQ
var mqttSchemes = []string{"mqtt://", "mqtts://", "ssl://", "tls://", "ws://", "wss://"}

func isMQTTAddress(address string) bool {
	for _, scheme := range mqttSchemes {
		if strings.HasPrefix(address, scheme) {
			return true
		}
	}
	return false
}

// parseMQTTAddress splits `mqtt://host:port/some/topic` into broker url and topic
func parseMQTTAddress(address string) (*url.URL, string, error) {
	parsedURL, err := url.Parse(address)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse server URL: %w", err)
	}
	if parsedURL.Host == "" {
		return nil, "", errors.New("missing broker host")
	}
	// url.Parse takes everything after # as fragment
	if parsedURL.Fragment != "" || strings.Contains(address, "#") {
		return nil, "", fmt.Errorf("wildcards are not allowed in topic of %q", address)
	}
	topic := strings.Trim(parsedURL.Path, "/")
	if topic == "" {
		topic = defaultTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return nil, "", fmt.Errorf("wildcards are not allowed in topic %q", topic)
	}
	broker := *parsedURL
	broker.Path = ""
	broker.RawPath = ""
	if broker.Scheme == "mqtt" {
		broker.Scheme = "tcp"
	}
	return &broker, topic, nil
}

// MQTT broadcasts observations through an MQTT broker.
// Every sender and receiver owns its own broker connection.
type MQTT struct {
	config MQTTConfig
}

func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultMemoryBuffer
	}
	if cfg.QoS > 2 {
		cfg.QoS = 0
	}
	return &MQTT{config: cfg}
}

// mqttConn is a connection manager together with the context that keeps it alive
type mqttConn struct {
	client      *autopaho.ConnectionManager
	cancel      context.CancelFunc
	isConnected atomic.Bool
}

func (t *MQTT) connect(ctx context.Context, broker *url.URL, onUp func(*autopaho.ConnectionManager), router paho.Router) (*mqttConn, error) {
	conn := &mqttConn{}
	clientID := "obsbridge-" + uuid.NewString()

	cliCfg := autopaho.ClientConfig{
		BrokerUrls:                    []*url.URL{broker},
		KeepAlive:                     t.config.KeepAlive,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info().Str("client", clientID).Msg("MQTT connection up")
			conn.isConnected.Store(true)
			if onUp != nil {
				onUp(cm)
			}
		},
		OnConnectError: func(err error) {
			log.Error().Msgf("Error whilst attempting connection: %s", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			Router:   router,
			OnClientError: func(err error) {
				log.Error().Msgf("Client error: %s", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				conn.isConnected.Store(false)
				if d.Properties != nil {
					log.Error().Msgf("Server requested disconnect: %s", d.Properties.ReasonString)
				} else {
					log.Error().Msgf("Server requested disconnect with reason code: %d", d.ReasonCode)
				}
			},
		},
	}
	if t.config.Username != "" {
		cliCfg.ConnectUsername = t.config.Username
		cliCfg.ConnectPassword = []byte(t.config.Password)
	}

	// the connection outlives the startup context, it is stopped by close
	connCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel

	log.Info().Msgf("Connect to MQTT broker %s ...", broker.Redacted())
	client, err := autopaho.NewConnection(connCtx, cliCfg)
	if err != nil {
		cancel()
		return nil, err
	}
	conn.client = client

	awaitCtx, awaitCancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer awaitCancel()
	if err := client.AwaitConnection(awaitCtx); err != nil {
		conn.close()
		return nil, fmt.Errorf("broker not reachable: %w", err)
	}
	return conn, nil
}

func (c *mqttConn) close() {
	if c.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if c.isConnected.Load() {
			if err := c.client.Disconnect(ctx); err != nil {
				log.Error().Msgf("Failed to disconnect: %s", err)
			}
		}
	}
	c.cancel()
	if c.client != nil {
		<-c.client.Done()
	}
	c.isConnected.Store(false)
	log.Info().Msg("Disconnected from MQTT broker")
}

func (t *MQTT) Bind(ctx context.Context, address string) (Sender, error) {
	broker, topic, err := parseMQTTAddress(address)
	if err != nil {
		return nil, &BindError{Address: address, Err: err}
	}
	conn, err := t.connect(ctx, broker, nil, paho.NewStandardRouter())
	if err != nil {
		return nil, &BindError{Address: address, Err: err}
	}
	return &mqttSender{conn: conn, topic: topic, qos: t.config.QoS, timeout: t.config.SendTimeout}, nil
}

func (t *MQTT) Connect(ctx context.Context, address string) (Receiver, error) {
	broker, topic, err := parseMQTTAddress(address)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}

	queue := make(chan []byte, t.config.BufferSize)
	handler := func(msg *paho.Publish) {
		if msg.Topic != topic {
			log.Debug().Msgf("Ignoring message on unexpected topic %s", msg.Topic)
			return
		}
		select {
		case queue <- append([]byte(nil), msg.Payload...):
		default:
			log.Debug().Msgf("Receive queue full, dropping message on %s", topic)
		}
	}

	subscribe := func(ctx context.Context, cm *autopaho.ConnectionManager) error {
		suback, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: t.config.QoS}},
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		for _, code := range suback.Reasons {
			if code >= 0x80 {
				return fmt.Errorf("subscription to %s refused with reason code %d", topic, code)
			}
		}
		log.Info().Msgf("MQTT subscription made to %s", topic)
		return nil
	}

	// the first subscription is made before Connect returns,
	// later connections (after a broker restart) resubscribe on their own
	var subscribed atomic.Bool
	resubscribe := func(cm *autopaho.ConnectionManager) {
		if !subscribed.Load() {
			return
		}
		if err := subscribe(context.Background(), cm); err != nil {
			log.Error().Msgf("Failed to resubscribe: %s", err)
		}
	}

	conn, err := t.connect(ctx, broker, resubscribe, paho.NewStandardRouterWithDefault(handler))
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}
	subCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()
	if err := subscribe(subCtx, conn.client); err != nil {
		conn.close()
		return nil, &ConnectError{Address: address, Err: err}
	}
	subscribed.Store(true)
	return &mqttReceiver{conn: conn, queue: queue}, nil
}

type mqttSender struct {
	conn    *mqttConn
	topic   string
	qos     byte
	timeout time.Duration

	closeOnce sync.Once
	closed    atomic.Bool
}

// Send publishes the payload; it gives up after the send timeout
func (s *mqttSender) Send(ctx context.Context, payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.conn.client.Publish(sendCtx, &paho.Publish{
		QoS:     s.qos,
		Topic:   s.topic,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (s *mqttSender) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.conn.close()
	})
	return nil
}

type mqttReceiver struct {
	conn  *mqttConn
	queue chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func (r *mqttReceiver) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
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
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *mqttReceiver) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.conn.close()
	})
	return nil
}
