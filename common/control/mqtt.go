package control

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

const (
	// QoS 1: at-least-once. Duplicates are discarded by event id.
	mqttQoS byte = 1

	mqttConnectTimeout = 10 * time.Second
)

// MQTTOptions configure an MQTTTransport.
type MQTTOptions struct {
	Host string
	Port int

	// CACert is the path of a PEM-encoded CA certificate. If set, the connection uses TLS.
	CACert string

	// ClientId identifies the scheduler to the broker. A random id is generated if it is empty.
	ClientId string
	Username string
	Password string
}

// MQTTTransport is a Transport backed by an MQTT broker.
//
// The paho client reconnects automatically. Subscriptions are re-established every time the connection is
// (re)established.
type MQTTTransport struct {
	*baseTransport

	opts   MQTTOptions
	client mqtt.Client

	subsMu        sync.Mutex
	subscriptions map[string]mqtt.MessageHandler

	logger        *zap.Logger
	sugaredLogger *zap.SugaredLogger
}

func NewMQTTTransport(opts MQTTOptions) *MQTTTransport {
	transport := &MQTTTransport{
		baseTransport: newBaseTransport(),
		opts:          opts,
		subscriptions: make(map[string]mqtt.MessageHandler),
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	transport.logger = logger
	transport.sugaredLogger = logger.Sugar()

	return transport
}

func (t *MQTTTransport) broker() string {
	scheme := "tcp"
	if t.opts.CACert != "" {
		scheme = "ssl"
	}

	return fmt.Sprintf("%s://%s:%d", scheme, t.opts.Host, t.opts.Port)
}

func (t *MQTTTransport) tlsConfig() (*tls.Config, error) {
	pem, err := os.ReadFile(t.opts.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", t.opts.CACert)
	}

	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (t *MQTTTransport) Connect(ctx context.Context) error {
	if t.client != nil {
		return nil
	}

	clientId := t.opts.ClientId
	if clientId == "" {
		clientId = "bde-scheduler-" + uuid.NewString()[:8]
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(t.broker()).
		SetClientID(clientId).
		SetUsername(t.opts.Username).
		SetPassword(t.opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.opts.CACert != "" {
		tlsConfig, err := t.tlsConfig()
		if err != nil {
			return err
		}

		clientOpts.SetTLSConfig(tlsConfig)
	}

	t.sugaredLogger.Debugf("Connecting to MQTT broker at '%s' as '%s'", t.broker(), clientId)
	t.setStatus(Connecting)

	t.client = mqtt.NewClient(clientOpts)
	token := t.client.Connect()

	// With SetConnectRetry the token only completes once the first connection succeeds.
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttConnectTimeout):
		return fmt.Errorf("%w: timed out connecting to %s", types.ErrDisconnected, t.broker())
	}
}

func (t *MQTTTransport) onConnect(client mqtt.Client) {
	t.sugaredLogger.Infof("Connected to MQTT broker at '%s'", t.broker())

	t.subsMu.Lock()
	for topic, handler := range t.subscriptions {
		token := client.Subscribe(topic, mqttQoS, handler)
		if token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
			t.sugaredLogger.Errorf("Failed to re-subscribe to '%s': %v", topic, token.Error())
		}
	}
	t.subsMu.Unlock()

	t.setStatus(Connected)
}

func (t *MQTTTransport) onConnectionLost(_ mqtt.Client, err error) {
	t.sugaredLogger.Warnf("Lost connection to MQTT broker at '%s': %v", t.broker(), err)
	t.setStatus(Disconnected)
}

// onReconnecting leaves the status as it is: after a lost connection the transport stays Disconnected until
// onConnect succeeds.
func (t *MQTTTransport) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	t.sugaredLogger.Debugf("Reconnecting to MQTT broker at '%s'", t.broker())
}

func (t *MQTTTransport) Close() error {
	if t.client == nil {
		return nil
	}

	t.client.Disconnect(250)
	t.setStatus(Disconnected)

	return nil
}

func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.client == nil || !t.client.IsConnectionOpen() {
		return fmt.Errorf("%w: cannot publish to %s", types.ErrDisconnected, topic)
	}

	token := t.client.Publish(topic, mqttQoS, false, payload)

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: failed to publish to %s: %v", types.ErrDisconnected, topic, err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MQTTTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error) {
	if t.client == nil {
		return nil, fmt.Errorf("%w: cannot subscribe to %s", types.ErrDisconnected, topic)
	}

	callback := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}

	t.subsMu.Lock()
	t.subscriptions[topic] = callback
	t.subsMu.Unlock()

	// If the client is not connected yet, the subscription is made by onConnect.
	if t.client.IsConnectionOpen() {
		token := t.client.Subscribe(topic, mqttQoS, callback)

		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				t.forget(topic)
				return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
			}
		case <-ctx.Done():
			t.forget(topic)
			return nil, ctx.Err()
		}
	}

	return &mqttSubscription{transport: t, topic: topic}, nil
}

func (t *MQTTTransport) forget(topic string) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	delete(t.subscriptions, topic)
}

type mqttSubscription struct {
	transport *MQTTTransport
	topic     string
}

func (s *mqttSubscription) Unsubscribe() error {
	s.transport.forget(s.topic)

	if !s.transport.client.IsConnectionOpen() {
		return nil
	}

	token := s.transport.client.Unsubscribe(s.topic)
	token.WaitTimeout(mqttConnectTimeout)

	return token.Error()
}
