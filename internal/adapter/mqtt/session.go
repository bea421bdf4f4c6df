// Package mqtt maintains the broker session: connect, the connection
// error taxonomy, and publishing with the post-publish settle delay.
// Retry policy is deliberately not implemented here; failures are
// reported to the caller and the control loop tries again on its next
// iteration.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"

	"github.com/buteomont/mqtt-moisture-reporter/internal/domain"
	"github.com/buteomont/mqtt-moisture-reporter/internal/metrics"
)

// State is the session state machine position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// SessionConfig contains MQTT session configuration. Broker address,
// credentials and client id come from the persisted settings record.
type SessionConfig struct {
	BrokerAddress  string
	Username       string
	Password       string
	ClientID       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// SettleDelay is the pause after every successful publish, giving
	// the in-flight transaction time to drain before the device sleeps
	// or reboots. Zero disables it.
	SettleDelay time.Duration
}

// MessageHandler receives inbound payloads from a subscribed topic.
type MessageHandler func(payload []byte)

// Session wraps the paho client behind the supervisor state machine.
type Session struct {
	config  SessionConfig
	client  paho.Client
	logger  zerolog.Logger
	metrics *metrics.Registry

	state atomic.Int32

	handlersMu sync.Mutex
	handlers   map[string]MessageHandler

	publishes     atomic.Uint64
	publishErrors atomic.Uint64
	lostCount     atomic.Uint64
}

// NewSession creates a session supervisor. The client does not connect
// until Connect is called.
func NewSession(config SessionConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Session {
	s := &Session{
		config:   config,
		logger:   logger.With().Str("component", "mqtt-session").Logger(),
		metrics:  metricsReg,
		handlers: make(map[string]MessageHandler),
	}

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerAddress).
		SetClientID(config.ClientID).
		SetKeepAlive(config.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(config.ConnectTimeout).
		SetConnectionLostHandler(s.onConnectionLost).
		SetOnConnectHandler(s.onConnect)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	s.client = paho.NewClient(opts)
	return s
}

// Connect attempts a single connection using the stored broker address
// and credentials. Failures are classified into the fixed taxonomy and
// returned; the session transitions back to Disconnected.
func (s *Session) Connect(ctx context.Context) error {
	s.state.Store(int32(StateConnecting))
	s.logger.Info().
		Str("broker", s.config.BrokerAddress).
		Str("client_id", s.config.ClientID).
		Msg("Connecting to MQTT broker")

	token := s.client.Connect()
	if !token.WaitTimeout(s.config.ConnectTimeout) {
		s.state.Store(int32(StateDisconnected))
		s.metrics.IncConnectFailures()
		return &domain.MqttError{Code: domain.CodeConnectionTimeout}
	}
	if err := token.Error(); err != nil {
		s.state.Store(int32(StateDisconnected))
		s.metrics.IncConnectFailures()
		return Classify(err)
	}

	s.state.Store(int32(StateConnected))
	return nil
}

// Disconnect cleanly closes the session.
func (s *Session) Disconnect() {
	s.client.Disconnect(uint(s.config.SettleDelay / time.Millisecond))
	s.state.Store(int32(StateDisconnected))
	s.logger.Info().Msg("Disconnected from MQTT broker")
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsConnected reports whether the session can publish.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected && s.client.IsConnected()
}

// Publish sends a payload and then waits out the settle delay. It fails
// fast with ErrNotConnected when the session is not Connected rather
// than queueing the message.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if !s.IsConnected() {
		return domain.ErrNotConnected
	}

	token := s.client.Publish(topic, s.config.QoS, false, payload)
	if !token.WaitTimeout(s.config.PublishTimeout) {
		s.publishErrors.Add(1)
		s.metrics.IncPublishErrors()
		return &domain.MqttError{Code: domain.CodeConnectionTimeout, Err: fmt.Errorf("publish to %s", topic)}
	}
	if err := token.Error(); err != nil {
		s.publishErrors.Add(1)
		s.metrics.IncPublishErrors()
		return Classify(err)
	}

	s.publishes.Add(1)
	s.metrics.IncPublishes()
	s.settle(ctx)
	return nil
}

// settle pauses for the configured delay, honoring cancellation.
func (s *Session) settle(ctx context.Context) {
	if s.config.SettleDelay <= 0 {
		return
	}
	timer := time.NewTimer(s.config.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Subscribe registers a handler for one topic. Handlers survive
// reconnection; they are re-registered by the on-connect callback.
func (s *Session) Subscribe(topic string, handler MessageHandler) error {
	s.handlersMu.Lock()
	s.handlers[topic] = handler
	s.handlersMu.Unlock()

	if !s.client.IsConnected() {
		return nil
	}
	return s.subscribe(topic, handler)
}

func (s *Session) subscribe(topic string, handler MessageHandler) error {
	token := s.client.Subscribe(topic, s.config.QoS, func(_ paho.Client, msg paho.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(s.config.ConnectTimeout) {
		return &domain.MqttError{Code: domain.CodeConnectionTimeout, Err: fmt.Errorf("subscribe to %s", topic)}
	}
	if err := token.Error(); err != nil {
		return Classify(err)
	}
	s.logger.Info().Str("topic", topic).Msg("Subscribed")
	return nil
}

// Stats returns session statistics for the status endpoint.
func (s *Session) Stats() map[string]interface{} {
	return map[string]interface{}{
		"state":            s.State().String(),
		"broker":           s.config.BrokerAddress,
		"client_id":        s.config.ClientID,
		"publishes":        s.publishes.Load(),
		"publish_errors":   s.publishErrors.Load(),
		"connections_lost": s.lostCount.Load(),
	}
}

func (s *Session) onConnect(client paho.Client) {
	s.state.Store(int32(StateConnected))
	s.logger.Info().Msg("Connected to MQTT broker")

	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	for topic, handler := range s.handlers {
		if err := s.subscribe(topic, handler); err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe")
		}
	}
}

func (s *Session) onConnectionLost(client paho.Client, err error) {
	s.state.Store(int32(StateDisconnected))
	s.lostCount.Add(1)
	s.metrics.IncConnectionsLost()
	s.logger.Warn().Err(err).Msg("Connection lost to MQTT broker")
}

// Classify maps an underlying client error onto the closed connection
// error taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	code := domain.CodeConnectionRefused
	switch {
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		code = domain.CodeUnacceptableProtocolVersion
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		code = domain.CodeIdentifierRejected
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		code = domain.CodeServerUnavailable
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		code = domain.CodeBadCredentials
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		code = domain.CodeNotAuthorized
	case errors.Is(err, context.DeadlineExceeded):
		code = domain.CodeConnectionTimeout
	}
	return &domain.MqttError{Code: code, Err: err}
}
