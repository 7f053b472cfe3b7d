// Package natsbus implements the "nats" source kind: JSON telemetry
// published on NATS subjects. Payloads are flattened into dotted-key
// scalar fields; configured grouper keys are lifted into tags so the same
// subject can carry data for multiple devices.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/pkg/flatten"
	"github.com/sdss/cerebro/source"
)

// Kind is the registry name of this source type.
const Kind = "nats"

// DefaultConnectTimeout bounds the initial connection to the NATS server.
const DefaultConnectTimeout = 5 * time.Second

// Source subscribes to a set of NATS subjects.
type Source struct {
	source.Base

	url         string
	subjects    []string
	groupers    []string
	measurement string

	mu   sync.Mutex
	conn *nats.Conn
	subs []*nats.Subscription
}

// New builds a nats source from its configuration parameters.
func New(name string, params map[string]any, deps source.Dependencies) (source.Source, error) {
	subjects := config.GetStringSlice(params, "subjects", nil)
	if len(subjects) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"NATSBus", "New", fmt.Sprintf("source %q subjects parameter", name))
	}

	return &Source{
		Base:        source.NewBase(name, Kind, params, deps),
		url:         config.GetString(params, "url", nats.DefaultURL),
		subjects:    subjects,
		groupers:    config.GetStringSlice(params, "groupers", nil),
		measurement: config.GetString(params, "measurement", name),
	}, nil
}

// Register adds the kind to a source registry.
func Register(r *source.Registry) error {
	return r.Register(Kind, New)
}

// Start connects to the server and subscribes every configured subject.
// The client keeps reconnecting on its own after the initial connect.
func (s *Source) Start(ctx context.Context) error {
	if s.Running() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"NATSBus", "Start", fmt.Sprintf("source %q state check", s.Name()))
	}

	timeout := DefaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	conn, err := nats.Connect(s.url,
		nats.Name("cerebro-"+s.Name()),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return errors.WrapTransient(err, "NATSBus", "Start",
			fmt.Sprintf("source %q connect to %s", s.Name(), s.url))
	}

	subs := make([]*nats.Subscription, 0, len(s.subjects))
	for _, subject := range s.subjects {
		sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			s.handleMessage(msg.Subject, msg.Data)
		})
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "NATSBus", "Start",
				fmt.Sprintf("source %q subscribe %q", s.Name(), subject))
		}
		subs = append(subs, sub)
	}

	s.mu.Lock()
	s.conn = conn
	s.subs = subs
	s.mu.Unlock()

	s.SetRunning(true)
	s.Logger().Info("subscribed", "url", s.url, "subjects", s.subjects)
	return nil
}

// Stop drains the subscriptions and closes the connection.
func (s *Source) Stop() error {
	s.mu.Lock()
	conn := s.conn
	subs := s.subs
	s.conn = nil
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if conn != nil {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
	s.SetRunning(false)
	return nil
}

// handleMessage converts one JSON payload into a measurement. Unparseable
// and empty payloads are dropped with a log line.
func (s *Source) handleMessage(subject string, payload []byte) {
	data := map[string]any{}
	if err := json.Unmarshal(payload, &data); err != nil {
		s.Logger().Warn("undecodable payload", "subject", subject, "error", err)
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
	m.Tag("subject", subject)
	for key, value := range groupings {
		m.Tag(key, value)
	}
	s.Emit(m)
}
