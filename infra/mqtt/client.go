// Package mqtt implements the event-bus client on Eclipse Paho. Reconnection
// is driven by a small internal state machine rather than Paho's auto
// reconnect, so the connection state is always observable and publishes fail
// fast while the broker is away.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	corebus "github.com/voltgrid/csms/core/bus"
	"github.com/voltgrid/csms/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker            string          `json:"broker"`
	ClientID          string          `json:"client_id"`
	Username          string          `json:"username"`
	Password          string          `json:"password"`
	UseTLS            bool            `json:"use_tls"`
	ClientCert        string          `json:"client_cert"`
	ClientKey         string          `json:"client_key"`
	CABundle          string          `json:"ca_bundle"`
	QoS               map[string]byte `json:"qos"`
	BaseIntervalMS    int             `json:"base_interval_ms"`
	BackoffMultiplier float64         `json:"backoff_multiplier"`
	MaxDelayMS        int             `json:"max_delay_ms"`
	MaxAttempts       int             `json:"max_attempts"`
	TLSConfig         *tls.Config     `json:"-"`
}

// SetDefaults fills the reconnect parameters.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "csms-" + uuid.NewString()[:8]
	}
	if c.BaseIntervalMS <= 0 {
		c.BaseIntervalMS = 1000
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxDelayMS <= 0 {
		c.MaxDelayMS = 60000
	}
}

// ConnState is the client's connection state machine.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnectScheduled
)

// String returns the state name for logs.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "disconnected"
	}
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

type subscription struct {
	topic    string
	qos      byte
	handler  corebus.Handler
	prefetch chan struct{}
}

// Client implements corebus.Client on Paho.
type Client struct {
	cli pahoClient
	cfg Config
	log logger.Logger

	mu      sync.Mutex
	state   ConnState
	backoff Backoff
	subs    []*subscription
	closed  bool
	timer   *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the client and starts the first connection attempt. The fixed
// exchanges (ocpp/events, ems/events, notification/events) are topic roots on
// MQTT; declaring them is establishing the subscriptions that bind to them.
func New(cfg Config) (*Client, error) {
	cfg.SetDefaults()
	opts, err := newClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg: cfg,
		log: logger.New("event-bus"),
		backoff: Backoff{
			Base:        time.Duration(cfg.BaseIntervalMS) * time.Millisecond,
			Multiplier:  cfg.BackoffMultiplier,
			Max:         time.Duration(cfg.MaxDelayMS) * time.Millisecond,
			MaxAttempts: cfg.MaxAttempts,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	opts.OnConnect = func(paho.Client) { c.onConnect() }
	opts.OnConnectionLost = func(_ paho.Client, err error) { c.onConnectionLost(err) }
	c.cli = newMQTTClient(opts)

	c.setState(StateConnecting)
	if token := c.cli.Connect(); token.Wait() && token.Error() != nil {
		// First connect failing is not fatal: the state machine keeps
		// retrying in the background with backoff.
		c.log.Errorf("initial broker connect failed: %v", token.Error())
		c.scheduleReconnect()
	}
	return c, nil
}

func newClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	// Reconnects run through our own state machine.
	opts.AutoReconnect = false
	opts.ConnectRetry = false
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.loadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

func (c *Config) loadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		c.log.Infof("broker connection %s -> %s", old, s)
	}
}

func (c *Client) onConnect() {
	c.mu.Lock()
	c.state = StateConnected
	c.backoff.Reset()
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	c.log.Infof("broker connected, restoring %d subscriptions", len(subs))
	for _, s := range subs {
		c.subscribe(s)
	}
}

func (c *Client) onConnectionLost(err error) {
	c.log.Errorf("broker connection lost: %v", err)
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delay, ok := c.backoff.Next()
	if !ok {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.log.Errorf("reconnect attempts exhausted, staying disconnected")
		return
	}
	c.state = StateReconnectScheduled
	attempt := c.backoff.Attempt()
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
	c.log.Warnf("reconnect attempt %d scheduled in %s", attempt, delay)
}

func (c *Client) reconnect() {
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	c.setState(StateConnecting)
	if token := c.cli.Connect(); token.Wait() && token.Error() != nil {
		c.log.Errorf("reconnect failed: %v", token.Error())
		c.setState(StateDisconnected)
		c.scheduleReconnect()
	}
}

// Publish sends one JSON payload to exchange/routingKey. While the connection
// is down it fails fast with ErrBusUnavailable: callers treat bus delivery as
// best-effort telemetry, nothing queues on their behalf.
func (c *Client) Publish(exchange, routingKey string, payload any) error {
	if c.State() != StateConnected {
		return fmt.Errorf("%w: %s/%s", corebus.ErrBusUnavailable, exchange, routingKey)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", exchange, routingKey, err)
	}
	topic := exchange + "/" + routingKey
	token := c.cli.Publish(topic, c.qosFor(exchange), false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Consume binds a handler to exchange/routingKey. Prefetch bounds concurrent
// handler invocations; the bound holds across reconnects because the
// semaphore lives on the subscription, not the connection.
func (c *Client) Consume(exchange, routingKey string, handler corebus.Handler, opts corebus.ConsumeOptions) error {
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	sub := &subscription{
		topic:    exchange + "/" + routingKey,
		qos:      c.qosFor(exchange),
		handler:  handler,
		prefetch: make(chan struct{}, prefetch),
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	connected := c.state == StateConnected
	c.mu.Unlock()
	if connected {
		return c.subscribe(sub)
	}
	return nil
}

func (c *Client) subscribe(s *subscription) error {
	token := c.cli.Subscribe(s.topic, s.qos, func(_ paho.Client, msg paho.Message) {
		s.prefetch <- struct{}{}
		go func() {
			defer func() { <-s.prefetch }()
			s.handler(c.ctx, msg.Topic(), msg.Payload())
		}()
	})
	if token.Wait() && token.Error() != nil {
		c.log.Errorf("subscribe %s: %v", s.topic, token.Error())
		return token.Error()
	}
	c.log.Infof("consuming %s (prefetch %d)", s.topic, cap(s.prefetch))
	return nil
}

func (c *Client) qosFor(exchange string) byte {
	if q, ok := c.cfg.QoS[exchange]; ok {
		return q
	}
	return 1
}

// Close stops the reconnect loop and disconnects.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.cancel()
	if c.cli != nil && c.cli.IsConnected() {
		c.cli.Disconnect(250)
	}
	c.setState(StateDisconnected)
}
