// Package mqttbus implements the "mqtt" source kind for telemetry published
// on MQTT topics as JSON documents.
package mqttbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/pkg/flatten"
	"github.com/sdss/cerebro/source"
)

// Kind is the registry name of this source type.
const Kind = "mqtt"

// DefaultConnectTimeout bounds the initial connection to the broker.
const DefaultConnectTimeout = 5 * time.Second

// Source subscribes to MQTT topics and emits one measurement per message.
type Source struct {
	source.Base

	broker      string
	topics      []string
	qos         byte
	groupers    []string
	measurement string
	username    string
	password    string

	mu     sync.Mutex
	client mqtt.Client
}

// New builds an mqtt source from its configuration parameters.
func New(name string, params map[string]any, deps source.Dependencies) (source.Source, error) {
	broker := config.GetString(params, "broker", "")
	if broker == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"MQTTBus", "New", fmt.Sprintf("source %q broker parameter", name))
	}
	topics := config.GetStringSlice(params, "topics", nil)
	if len(topics) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"MQTTBus", "New", fmt.Sprintf("source %q topics parameter", name))
	}

	qos := config.GetInt(params, "qos", 0)
	if qos < 0 || qos > 2 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"MQTTBus", "New", fmt.Sprintf("source %q qos %d", name, qos))
	}

	return &Source{
		Base:        source.NewBase(name, Kind, params, deps),
		broker:      broker,
		topics:      topics,
		qos:         byte(qos),
		groupers:    config.GetStringSlice(params, "groupers", nil),
		measurement: config.GetString(params, "measurement", name),
		username:    config.GetString(params, "username", ""),
		password:    config.GetString(params, "password", ""),
	}, nil
}

// Register adds the kind to a source registry.
func Register(r *source.Registry) error {
	return r.Register(Kind, New)
}

// Start connects to the broker and subscribes the configured topics. The
// client resubscribes on its own after a broker reconnect.
func (s *Source) Start(ctx context.Context) error {
	if s.Running() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"MQTTBus", "Start", fmt.Sprintf("source %q state check", s.Name()))
	}

	timeout := DefaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID("cerebro-" + s.Name()).
		SetAutoReconnect(true).
		SetResumeSubs(true).
		SetConnectTimeout(timeout)
	if s.username != "" {
		opts.SetUsername(s.username).SetPassword(s.password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(timeout) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = errors.ErrConnectionTimeout
		}
		client.Disconnect(0)
		return errors.WrapTransient(err, "MQTTBus", "Start",
			fmt.Sprintf("source %q connect to %s", s.Name(), s.broker))
	}

	for _, topic := range s.topics {
		token := client.Subscribe(topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
			s.handleMessage(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(timeout) || token.Error() != nil {
			err := token.Error()
			if err == nil {
				err = errors.ErrConnectionTimeout
			}
			client.Disconnect(0)
			return errors.Wrap(err, "MQTTBus", "Start",
				fmt.Sprintf("source %q subscribe %q", s.Name(), topic))
		}
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.SetRunning(true)
	s.Logger().Info("subscribed", "broker", s.broker, "topics", s.topics)
	return nil
}

// Stop disconnects from the broker.
func (s *Source) Stop() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	s.SetRunning(false)
	return nil
}

// handleMessage converts one JSON payload into a measurement.
func (s *Source) handleMessage(topic string, payload []byte) {
	data := map[string]any{}
	if err := json.Unmarshal(payload, &data); err != nil {
		s.Logger().Warn("undecodable payload", "topic", topic, "error", err)
		return
	}

	fields, groupings := flatten.Map(data, s.groupers)
	if len(fields) == 0 {
		return
	}

	m := measurement.New(s.measurement)
	for _, key := range flatten.Keys(fields) {
		m.Set(key, fields[key])
	}
	m.Tag("topic", topic)
	for key, value := range groupings {
		m.Tag(key, value)
	}
	s.Emit(m)
}
