// Package influxdb implements the "influxdb" observer: batches are written
// to an InfluxDB v2 instance, one point per measurement, routed to the
// batch's bucket.
package influxdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/observer"
)

// Kind is the registry name of this observer type.
const Kind = "influxdb"

// TokenEnvVar is consulted when the configuration does not carry a token.
const TokenEnvVar = "INFLUXDB_V2_TOKEN"

// Observer writes measurements to InfluxDB using the blocking write API.
type Observer struct {
	name          string
	org           string
	defaultBucket string
	logger        *slog.Logger

	client influxdb2.Client

	mu      sync.Mutex
	writers map[string]api.WriteAPIBlocking
	closed  bool
}

// New builds an influxdb observer from its configuration parameters.
func New(name string, params map[string]any, deps observer.Dependencies) (observer.Observer, error) {
	url := config.GetString(params, "url", "http://localhost:8086")
	org := config.GetString(params, "org", "")
	if org == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"InfluxDB", "New", fmt.Sprintf("observer %q org parameter", name))
	}

	token := config.GetString(params, "token", "")
	if token == "" {
		token = os.Getenv(TokenEnvVar)
	}
	if token == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"InfluxDB", "New", fmt.Sprintf("observer %q token parameter or $%s", name, TokenEnvVar))
	}

	return &Observer{
		name:          name,
		org:           org,
		defaultBucket: config.GetString(params, "default_bucket", ""),
		logger:        deps.GetLogger().With("observer", name),
		client:        influxdb2.NewClient(url, token),
		writers:       map[string]api.WriteAPIBlocking{},
	}, nil
}

// Register adds the kind to an observer registry.
func Register(r *observer.Registry) error {
	return r.Register(Kind, New)
}

// Name implements observer.Observer.
func (o *Observer) Name() string { return o.name }

// writer returns the blocking write API for a bucket, caching per bucket.
func (o *Observer) writer(bucket string) (api.WriteAPIBlocking, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.ErrObserverClosed
	}
	if w, ok := o.writers[bucket]; ok {
		return w, nil
	}
	w := o.client.WriteAPIBlocking(o.org, bucket)
	o.writers[bucket] = w
	return w, nil
}

// Receive writes one batch. Measurements with no fields are skipped.
func (o *Observer) Receive(ctx context.Context, batch measurement.Batch) error {
	bucket := batch.Bucket
	if bucket == "" {
		bucket = o.defaultBucket
	}
	if bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"InfluxDB", "Receive", fmt.Sprintf("observer %q bucket for batch", o.name))
	}

	w, err := o.writer(bucket)
	if err != nil {
		return errors.Wrap(err, "InfluxDB", "Receive",
			fmt.Sprintf("observer %q writer for bucket %q", o.name, bucket))
	}

	points := make([]*write.Point, 0, len(batch.Measurements))
	for _, m := range batch.Measurements {
		fields := m.FieldMap()
		if len(fields) == 0 {
			o.logger.Debug("skipping empty measurement", "measurement", m.Name)
			continue
		}
		points = append(points, write.NewPoint(m.Name, m.Tags, fields, time.Unix(0, m.Time)))
	}
	if len(points) == 0 {
		return nil
	}

	if err := w.WritePoint(ctx, points...); err != nil {
		return errors.WrapTransient(err, "InfluxDB", "Receive",
			fmt.Sprintf("observer %q write to bucket %q", o.name, bucket))
	}
	return nil
}

// Close flushes nothing (writes are blocking) and releases the client.
func (o *Observer) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.client.Close()
	return nil
}
