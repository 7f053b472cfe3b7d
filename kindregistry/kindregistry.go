// Package kindregistry wires every built-in source and observer kind into
// freshly constructed registries. Embedders that want a different set of
// kinds can build their own registries and register selectively.
package kindregistry

import (
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/observer"
	filewriter "github.com/sdss/cerebro/observers/file"
	"github.com/sdss/cerebro/observers/influxdb"
	"github.com/sdss/cerebro/observers/timescale"
	"github.com/sdss/cerebro/source"
	"github.com/sdss/cerebro/sources/httppoll"
	"github.com/sdss/cerebro/sources/keyword"
	"github.com/sdss/cerebro/sources/modbusdev"
	"github.com/sdss/cerebro/sources/mqttbus"
	"github.com/sdss/cerebro/sources/natsbus"
	"github.com/sdss/cerebro/sources/tcpdevice"
	"github.com/sdss/cerebro/sources/wsstream"
)

// RegisterSources adds every built-in source kind to a registry.
func RegisterSources(r *source.Registry) error {
	for _, register := range []func(*source.Registry) error{
		tcpdevice.Register,
		keyword.Register,
		natsbus.Register,
		mqttbus.Register,
		modbusdev.Register,
		httppoll.Register,
		wsstream.Register,
	} {
		if err := register(r); err != nil {
			return errors.Wrap(err, "KindRegistry", "RegisterSources", "kind registration")
		}
	}
	return nil
}

// RegisterObservers adds every built-in observer kind to a registry.
func RegisterObservers(r *observer.Registry) error {
	for _, register := range []func(*observer.Registry) error{
		influxdb.Register,
		timescale.Register,
		filewriter.Register,
	} {
		if err := register(r); err != nil {
			return errors.Wrap(err, "KindRegistry", "RegisterObservers", "kind registration")
		}
	}
	return nil
}

// Registries returns a source and an observer registry with all built-in
// kinds registered.
func Registries() (*source.Registry, *observer.Registry, error) {
	sources := source.NewRegistry()
	if err := RegisterSources(sources); err != nil {
		return nil, nil, err
	}
	observers := observer.NewRegistry()
	if err := RegisterObservers(observers); err != nil {
		return nil, nil, err
	}
	return sources, observers, nil
}
