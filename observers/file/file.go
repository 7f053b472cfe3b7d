// Package file implements the "file" observer: batches are appended to a
// local file as JSON lines, one object per measurement. Mostly useful for
// debugging a new source without a database at hand.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/observer"
)

// Kind is the registry name of this observer type.
const Kind = "file"

// record is the JSON shape of one written measurement.
type record struct {
	Time   time.Time         `json:"time"`
	Bucket string            `json:"bucket,omitempty"`
	Name   string            `json:"name"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields"`
}

// Observer appends measurements to a JSON-lines file.
type Observer struct {
	name string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// New builds a file observer from its configuration parameters.
func New(name string, params map[string]any, deps observer.Dependencies) (observer.Observer, error) {
	path := config.GetString(params, "path", "")
	if path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"File", "New", fmt.Sprintf("observer %q path parameter", name))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "File", "New",
			fmt.Sprintf("observer %q open %s", name, path))
	}

	deps.GetLogger().Info("writing measurements", "observer", name, "path", path)
	return &Observer{
		name:   name,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// Register adds the kind to an observer registry.
func Register(r *observer.Registry) error {
	return r.Register(Kind, New)
}

// Name implements observer.Observer.
func (o *Observer) Name() string { return o.name }

// Receive appends one line per measurement and flushes, so the file is
// tailable while cerebro runs.
func (o *Observer) Receive(_ context.Context, batch measurement.Batch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.Wrap(errors.ErrObserverClosed, "File", "Receive",
			fmt.Sprintf("observer %q write", o.name))
	}

	enc := json.NewEncoder(o.writer)
	for _, m := range batch.Measurements {
		fields := m.FieldMap()
		if len(fields) == 0 {
			continue
		}
		err := enc.Encode(record{
			Time:   time.Unix(0, m.Time).UTC(),
			Bucket: batch.Bucket,
			Name:   m.Name,
			Tags:   m.Tags,
			Fields: fields,
		})
		if err != nil {
			return errors.Wrap(err, "File", "Receive",
				fmt.Sprintf("observer %q encode measurement %q", o.name, m.Name))
		}
	}

	if err := o.writer.Flush(); err != nil {
		return errors.Wrap(err, "File", "Receive",
			fmt.Sprintf("observer %q flush", o.name))
	}
	return nil
}

// Close flushes and closes the file.
func (o *Observer) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true

	if err := o.writer.Flush(); err != nil {
		_ = o.file.Close()
		return errors.Wrap(err, "File", "Close",
			fmt.Sprintf("observer %q flush", o.name))
	}
	if err := o.file.Close(); err != nil {
		return errors.Wrap(err, "File", "Close",
			fmt.Sprintf("observer %q close", o.name))
	}
	return nil
}
