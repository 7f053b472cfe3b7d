// Package timescale implements the "timescale" observer: batches are
// inserted into a PostgreSQL/TimescaleDB hypertable, one row per
// measurement, with tags and fields stored as JSONB.
package timescale

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/observer"
)

// Kind is the registry name of this observer type.
const Kind = "timescale"

// DefaultTable is the insert target when none is configured.
const DefaultTable = "measurements"

// pool is the slice of pgxpool.Pool the observer needs. Narrowed so tests
// can substitute a fake.
type pool interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// Observer writes measurements to a PostgreSQL table.
type Observer struct {
	name   string
	dsn    string
	table  string
	logger *slog.Logger

	// connect is swapped out in tests.
	connect func(ctx context.Context) (pool, error)

	mu     sync.Mutex
	conn   pool
	closed bool
}

// New builds a timescale observer from its configuration parameters. The
// database connection is opened lazily on the first batch so a slow or
// down database does not block startup.
func New(name string, params map[string]any, deps observer.Dependencies) (observer.Observer, error) {
	dsn := config.GetString(params, "dsn", "")
	if dsn == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Timescale", "New", fmt.Sprintf("observer %q dsn parameter", name))
	}

	o := &Observer{
		name:   name,
		dsn:    dsn,
		table:  config.GetString(params, "table", DefaultTable),
		logger: deps.GetLogger().With("observer", name),
	}
	o.connect = func(ctx context.Context) (pool, error) {
		return pgxpool.New(ctx, o.dsn)
	}
	return o, nil
}

// Register adds the kind to an observer registry.
func Register(r *observer.Registry) error {
	return r.Register(Kind, New)
}

// Name implements observer.Observer.
func (o *Observer) Name() string { return o.name }

func (o *Observer) acquire(ctx context.Context) (pool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.ErrObserverClosed
	}
	if o.conn != nil {
		return o.conn, nil
	}

	conn, err := o.connect(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Timescale", "acquire",
			fmt.Sprintf("observer %q connect", o.name))
	}
	o.conn = conn
	o.logger.Info("connected", "table", o.table)
	return conn, nil
}

// Receive inserts one batch as a single round trip.
func (o *Observer) Receive(ctx context.Context, batch measurement.Batch) error {
	conn, err := o.acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "Timescale", "Receive",
			fmt.Sprintf("observer %q connection", o.name))
	}

	sql := fmt.Sprintf(
		`INSERT INTO %s (time, bucket, name, tags, fields) VALUES ($1, $2, $3, $4, $5)`,
		pgx.Identifier{o.table}.Sanitize(),
	)

	inserts := &pgx.Batch{}
	for _, m := range batch.Measurements {
		fields := m.FieldMap()
		if len(fields) == 0 {
			continue
		}
		inserts.Queue(sql, time.Unix(0, m.Time).UTC(), batch.Bucket, m.Name, m.Tags, fields)
	}
	if inserts.Len() == 0 {
		return nil
	}

	results := conn.SendBatch(ctx, inserts)
	defer results.Close()
	for range inserts.Len() {
		if _, err := results.Exec(); err != nil {
			return errors.WrapTransient(err, "Timescale", "Receive",
				fmt.Sprintf("observer %q insert into %s", o.name, o.table))
		}
	}
	return nil
}

// Close releases the connection pool.
func (o *Observer) Close() error {
	o.mu.Lock()
	conn := o.conn
	o.conn = nil
	o.closed = true
	o.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}
