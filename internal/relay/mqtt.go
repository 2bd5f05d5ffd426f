package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// MQTTBroker relays over an MQTT broker. Channels map to topics under the
// configured prefix, published with QoS 1.
type MQTTBroker struct {
	mu sync.Mutex

	client  mqtt.Client
	prefix  string
	server  string
	handler map[string]func([]byte)
	logger  zerolog.Logger
}

// NewMQTTBroker configures a client for the broker in cfg. Connect must be
// called before use.
func NewMQTTBroker(cfg *config.Config, instanceID string) (*MQTTBroker, error) {
	mqttCfg := cfg.MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	b := &MQTTBroker{
		prefix:  strings.TrimSuffix(mqttCfg.TopicPrefix, "/"),
		server:  fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port),
		handler: make(map[string]func([]byte)),
		logger:  util.ComponentLogger("mqtt"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.server)

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID("trstats-" + instanceID)
	}
	if mqttCfg.Username != "" {
		opts.SetUsername(mqttCfg.Username)
		opts.SetPassword(mqttCfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	// Subscriptions do not survive a clean session, so restore them on
	// every reconnect.
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		b.logger.Info().Str("broker", b.server).Msg("MQTT connected")
		b.resubscribe(client)
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		b.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	b.client = mqtt.NewClient(opts)
	return b, nil
}

// Connect connects to the broker, giving up when ctx is done.
func (b *MQTTBroker) Connect(ctx context.Context) error {
	b.logger.Info().Str("broker", b.server).Msg("connecting to MQTT broker")
	if err := wait(ctx, b.client.Connect()); err != nil {
		return fmt.Errorf("MQTT connect failed: %w", err)
	}
	return nil
}

func (b *MQTTBroker) topic(channel string) string {
	if b.prefix == "" {
		return channel
	}
	return b.prefix + "/" + channel
}

func (b *MQTTBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if !b.client.IsConnected() {
		return fmt.Errorf("MQTT not connected")
	}
	return wait(ctx, b.client.Publish(b.topic(channel), 1, false, payload))
}

func (b *MQTTBroker) Subscribe(ctx context.Context, channel string, fn func([]byte)) error {
	topic := b.topic(channel)

	b.mu.Lock()
	b.handler[topic] = fn
	b.mu.Unlock()

	return wait(ctx, b.client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		fn(m.Payload())
	}))
}

func (b *MQTTBroker) resubscribe(client mqtt.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, fn := range b.handler {
		fn := fn
		token := client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
			fn(m.Payload())
		})
		go func(topic string) {
			token.Wait()
			if token.Error() != nil {
				b.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT resubscribe failed")
			}
		}(topic)
	}
}

func (b *MQTTBroker) Connected() bool {
	return b.client.IsConnected()
}

func (b *MQTTBroker) Close() error {
	b.client.Disconnect(250)
	b.logger.Info().Msg("MQTT disconnected")
	return nil
}

// wait blocks until token completes or ctx is done.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
