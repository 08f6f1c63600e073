package sink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// BrokerConfig describes one MQTT broker connection
type BrokerConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	ClientID  string
	TLSCAFile string
	KeepAlive time.Duration
}

// ClientIDPrefix is used when no client id is configured; a random suffix
// keeps concurrent instances from kicking each other off the broker.
const ClientIDPrefix = "bmsd-"

// NewBrokerClient builds a paho client that does not reconnect on its own:
// reconnects are driven by a supervisor through MQTTTransport. onConnect runs
// after every successful CONNECT, onLost when the connection drops.
func NewBrokerClient(cfg BrokerConfig, onConnect func(mqtt.Client), onLost func(error)) (mqtt.Client, error) {
	scheme := "tcp"
	var tlsConfig *tls.Config
	if cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCAFile)
		}
		tlsConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		scheme = "ssl"
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = ClientIDPrefix + uuid.NewString()[:8]
	}

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(keepAlive).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOnConnectHandler(func(c mqtt.Client) {
			if onConnect != nil {
				onConnect(c)
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if onLost != nil {
				onLost(err)
			}
		})
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	return mqtt.NewClient(opts), nil
}

// Connector is the part of mqtt.Client MQTTTransport needs
type Connector interface {
	Connect() mqtt.Token
}

// MQTTTransport adapts a paho client to supervisor.Transport.
type MQTTTransport struct {
	name   string
	client Connector
}

func NewMQTTTransport(name string, client Connector) *MQTTTransport {
	return &MQTTTransport{name: name, client: client}
}

func (t *MQTTTransport) Name() string { return t.name }

func (t *MQTTTransport) Connect(ctx context.Context) error {
	token := t.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("connect to broker: %w", ctx.Err())
	}
}
