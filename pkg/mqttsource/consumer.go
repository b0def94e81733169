// Package mqttsource is the messagepipeline.MessageConsumer for MQTT
// connections. Unlike kafkasource, MQTT's own QoS handling is the
// broker-level acknowledgement mechanism, so this package feeds the plain
// messagepipeline.StreamingService rather than the AtLeastOnceStream: every
// delivered Message's Ack/Nack are no-ops for QoS > 0.
//
// The consumer subscribes the connection.Source model's list of source
// addresses and carries the originating connection ID as a message
// attribute for downstream mapping-rule dispatch.
package mqttsource

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jimmy777/ditto-connectivity/pkg/connection"
	"github.com/jimmy777/ditto-connectivity/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// ClientConfig holds the Paho client settings a Consumer needs.
type ClientConfig struct {
	BrokerURL          string
	ClientIDPrefix     string
	Username           string
	Password           string
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
	ReconnectWaitMax   time.Duration
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// DefaultClientConfig returns operational defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ClientIDPrefix:   "connectivity-gateway-",
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
	}
}

// Consumer implements messagepipeline.MessageConsumer over a Paho MQTT
// client subscribed to every connection.Source address of one Connection.
type Consumer struct {
	pahoClient   mqtt.Client
	cfg          ClientConfig
	connectionID string
	sources      []connection.Source
	logger       zerolog.Logger
	outputChan   chan messagepipeline.Message
	doneChan     chan struct{}
	stopOnce     sync.Once
}

// NewConsumer creates a Consumer for sources; it does not connect until
// Start is called.
func NewConsumer(cfg ClientConfig, connectionID string, sources []connection.Source, logger zerolog.Logger) (*Consumer, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source address is required")
	}
	return &Consumer{
		cfg:          cfg,
		connectionID: connectionID,
		sources:      sources,
		logger:       logger.With().Str("component", "mqttsource.Consumer").Str("connectionId", connectionID).Logger(),
		outputChan:   make(chan messagepipeline.Message, 1000),
		doneChan:     make(chan struct{}),
	}, nil
}

// Messages returns the read-only channel messagepipeline.StreamingService
// consumes from.
func (c *Consumer) Messages() <-chan messagepipeline.Message {
	return c.outputChan
}

// Start connects to the broker and subscribes to every configured source
// address. Connection is attempted once synchronously with a short
// deadline; thereafter Paho's own auto-reconnect keeps retrying in the
// background, so a broker that is down at startup does not fail Start.
func (c *Consumer) Start(ctx context.Context) error {
	opts := c.createMqttOptions(ctx)
	c.pahoClient = mqtt.NewClient(opts)

	c.logger.Info().Msg("attempting to connect to MQTT broker")
	if token := c.pahoClient.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Msg("failed to connect to MQTT broker on startup, client will keep retrying")
	} else if token.Error() == nil {
		c.logger.Info().Msg("initial connection to MQTT broker successful")
	}

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()

	return nil
}

// Stop gracefully unsubscribes and disconnects the underlying Paho client.
func (c *Consumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		if c.pahoClient != nil && c.pahoClient.IsConnected() {
			for _, src := range c.sources {
				if token := c.pahoClient.Unsubscribe(src.Address); token.WaitTimeout(2*time.Second) && token.Error() != nil {
					c.logger.Warn().Err(token.Error()).Str("address", src.Address).Msg("failed to unsubscribe from MQTT topic")
				}
			}
			c.pahoClient.Disconnect(500)
		}
		close(c.outputChan)
		close(c.doneChan)
	})
	return nil
}

// Done returns a channel that is closed when the consumer has fully stopped.
func (c *Consumer) Done() <-chan struct{} {
	return c.doneChan
}

// IsConnected reports the Paho client's connection status, useful for
// readiness checks and tests.
func (c *Consumer) IsConnected() bool {
	return c.pahoClient != nil && c.pahoClient.IsConnected()
}

func (c *Consumer) handleIncomingMessage(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payloadCopy := make([]byte, len(msg.Payload()))
		copy(payloadCopy, msg.Payload())

		consumed := messagepipeline.Message{
			MessageData: messagepipeline.MessageData{
				ID:          fmt.Sprintf("%d", msg.MessageID()),
				Payload:     payloadCopy,
				PublishTime: time.Now().UTC(),
			},
			Attributes: map[string]string{
				"mqtt_topic":    msg.Topic(),
				"connection_id": c.connectionID,
			},
			// For MQTT with QoS > 0 the broker-level ack is handled by the
			// Paho client itself; these satisfy the pipeline interface only.
			Ack:  func() {},
			Nack: func() {},
		}
		select {
		case c.outputChan <- consumed:
		case <-ctx.Done():
			c.logger.Warn().Str("topic", msg.Topic()).Msg("consumer shutting down, dropping MQTT message")
		}
	}
}

func (c *Consumer) createMqttOptions(ctx context.Context) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	uniqueSuffix := time.Now().UnixNano() % 1000000
	opts.SetClientID(fmt.Sprintf("%s%d", c.cfg.ClientIDPrefix, uniqueSuffix))
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)
	opts.SetDefaultPublishHandler(c.handleIncomingMessage(ctx))

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Paho client connected to MQTT broker")
		for _, src := range c.sources {
			address := src.Address
			token := client.Subscribe(address, byte(src.QoS), nil)
			go func() {
				if token.WaitTimeout(5*time.Second) && token.Error() != nil {
					c.logger.Error().Err(token.Error()).Str("address", address).Msg("failed to subscribe to MQTT topic")
				} else {
					c.logger.Info().Str("address", address).Msg("subscribed to MQTT topic")
				}
			}()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error().Err(err).Msg("Paho client lost MQTT connection")
	})

	if strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "tls://") {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to create TLS config, proceeding without it")
		} else {
			opts.SetTLSConfig(tlsConfig)
		}
	}
	return opts
}

func newTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
