// Package mqtt republishes owner-group events on an MQTT broker so other
// services can follow device activity without holding a socket connection.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	connectTimeout    = 10 * time.Second
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 250 // milliseconds
	maxReconnectDelay = 30 * time.Second
)

// Publisher is the part of the paho client the mirror needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
}

// Mirror publishes each event to <prefix>/<ownerId>/<event> at QoS 0. A
// failed publish is logged and dropped; callers are never blocked.
type Mirror struct {
	pub    Publisher
	prefix string
	log    logrus.FieldLogger
	close  func()
}

func NewMirror(pub Publisher, prefix string, log logrus.FieldLogger) *Mirror {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mirror{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    log.WithField("component", "mqtt"),
	}
}

// Connect builds a paho client for opts.BrokerURL and starts connecting. The
// client keeps retrying in the background, so an unreachable broker at startup
// is logged rather than fatal.
func Connect(opts Options, log logrus.FieldLogger) (*Mirror, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("mqtt: broker url is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithFields(logrus.Fields{"component": "mqtt", "broker": opts.BrokerURL})

	co := pahomqtt.NewClientOptions()
	co.AddBroker(opts.BrokerURL)
	co.SetClientID(opts.ClientID)
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetMaxReconnectInterval(maxReconnectDelay)
	co.SetConnectTimeout(connectTimeout)
	co.SetKeepAlive(keepAlive)
	co.SetOnConnectHandler(func(pahomqtt.Client) { entry.Info("connected to broker") })
	co.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		entry.WithError(err).Warn("broker connection lost")
	})

	client := pahomqtt.NewClient(co)
	token := client.Connect()
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "mqtt: connect")
	}

	m := NewMirror(client, opts.TopicPrefix, log)
	m.close = func() { client.Disconnect(disconnectQuiesce) }
	return m, nil
}

// Topic returns the topic an owner's event is published on. Topic separators
// and wildcards in the owner id are replaced so one owner cannot publish
// into another owner's subtree.
func (m *Mirror) Topic(ownerID, event string) string {
	safe := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(ownerID)
	if m.prefix == "" {
		return safe + "/" + event
	}
	return m.prefix + "/" + safe + "/" + event
}

func (m *Mirror) Publish(ownerID, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		m.log.WithError(err).WithField("event", event).Warn("cannot encode mirrored event")
		return
	}

	topic := m.Topic(ownerID, event)
	token := m.pub.Publish(topic, 0, false, body)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			m.log.WithError(err).WithField("topic", topic).Warn("mirror publish failed")
		}
	default:
	}
}

// Close disconnects from the broker. It is a no-op for mirrors built with
// NewMirror.
func (m *Mirror) Close() {
	if m.close != nil {
		m.close()
	}
}
