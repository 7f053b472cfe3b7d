// Package modbusdev implements the "modbus" source kind: periodic register
// polling of a Modbus TCP device, one field per configured register.
package modbusdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/source"
)

// Kind is the registry name of this source type.
const Kind = "modbus"

// Defaults.
const (
	DefaultInterval  = 10 * time.Second
	DefaultIOTimeout = 5 * time.Second
)

// Register modes accepted in a device entry.
const (
	ModeCoil     = "coil"
	ModeDiscrete = "discrete"
	ModeInput    = "input"
	ModeHolding  = "holding"
)

// Device describes one register to poll.
type Device struct {
	Name    string
	Address uint16
	Mode    string
	Scale   float64
}

// Source polls a Modbus TCP unit on a fixed interval.
type Source struct {
	source.Base

	address     string
	slaveID     byte
	interval    time.Duration
	ioTimeout   time.Duration
	measurement string
	devices     []Device

	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a modbus source from its configuration parameters.
func New(name string, params map[string]any, deps source.Dependencies) (source.Source, error) {
	host := config.GetString(params, "host", "")
	port := config.GetInt(params, "port", 502)
	if host == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"ModbusDev", "New", fmt.Sprintf("source %q host parameter", name))
	}

	devices, err := parseDevices(params)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ModbusDev", "New",
			fmt.Sprintf("source %q devices parameter", name))
	}
	if len(devices) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"ModbusDev", "New", fmt.Sprintf("source %q devices parameter", name))
	}

	return &Source{
		Base:        source.NewBase(name, Kind, params, deps),
		address:     fmt.Sprintf("%s:%d", host, port),
		slaveID:     byte(config.GetInt(params, "slave_id", 1)),
		interval:    config.GetDuration(params, "interval", DefaultInterval),
		ioTimeout:   config.GetDuration(params, "timeout", DefaultIOTimeout),
		measurement: config.GetString(params, "measurement", name),
		devices:     devices,
	}, nil
}

// Register adds the kind to a source registry.
func Register(r *source.Registry) error {
	return r.Register(Kind, New)
}

func parseDevices(params map[string]any) ([]Device, error) {
	raw, ok := params["devices"].([]any)
	if !ok {
		return nil, nil
	}

	devices := make([]Device, 0, len(raw))
	for i, entry := range raw {
		table, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("device %d is not a mapping", i)
		}
		dev := Device{
			Name:    config.GetString(table, "name", ""),
			Address: uint16(config.GetInt(table, "address", 0)),
			Mode:    config.GetString(table, "mode", ModeHolding),
			Scale:   config.GetFloat64(table, "scale", 1.0),
		}
		if dev.Name == "" {
			return nil, fmt.Errorf("device %d has no name", i)
		}
		switch dev.Mode {
		case ModeCoil, ModeDiscrete, ModeInput, ModeHolding:
		default:
			return nil, fmt.Errorf("device %q has unknown mode %q", dev.Name, dev.Mode)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// Start connects to the unit and begins the poll loop.
func (s *Source) Start(ctx context.Context) error {
	if s.Running() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"ModbusDev", "Start", fmt.Sprintf("source %q state check", s.Name()))
	}

	handler := modbus.NewTCPClientHandler(s.address)
	handler.Timeout = s.ioTimeout
	handler.SlaveId = s.slaveID
	if err := handler.Connect(); err != nil {
		return errors.WrapTransient(err, "ModbusDev", "Start",
			fmt.Sprintf("source %q connect to %s", s.Name(), s.address))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.handler = handler
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.SetRunning(true)
	go s.poll(loopCtx, modbus.NewClient(handler), done)

	s.Logger().Info("polling", "address", s.address, "devices", len(s.devices))
	return nil
}

// Stop ends the poll loop and closes the connection.
func (s *Source) Stop() error {
	s.mu.Lock()
	handler := s.handler
	cancel := s.cancel
	done := s.done
	s.handler = nil
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if handler != nil {
		_ = handler.Close()
	}
	s.SetRunning(false)
	return nil
}

func (s *Source) poll(ctx context.Context, client modbus.Client, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if m, ok := s.readAll(client); ok {
			s.Emit(m)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// readAll reads every configured register. Devices that fail to read are
// skipped so one flaky register does not blank the whole measurement.
func (s *Source) readAll(client modbus.Client) (measurement.Measurement, bool) {
	m := measurement.New(s.measurement)
	for _, dev := range s.devices {
		value, err := readDevice(client, dev)
		if err != nil {
			s.Logger().Warn("register read failed",
				"device", dev.Name, "address", dev.Address, "error", err)
			continue
		}
		m.Set(dev.Name, value)
	}
	return m, len(m.Fields) > 0
}

func readDevice(client modbus.Client, dev Device) (any, error) {
	switch dev.Mode {
	case ModeCoil:
		raw, err := client.ReadCoils(dev.Address, 1)
		if err != nil {
			return nil, err
		}
		return decodeBit(raw), nil
	case ModeDiscrete:
		raw, err := client.ReadDiscreteInputs(dev.Address, 1)
		if err != nil {
			return nil, err
		}
		return decodeBit(raw), nil
	case ModeInput:
		raw, err := client.ReadInputRegisters(dev.Address, 1)
		if err != nil {
			return nil, err
		}
		return decodeRegister(raw, dev.Scale), nil
	default:
		raw, err := client.ReadHoldingRegisters(dev.Address, 1)
		if err != nil {
			return nil, err
		}
		return decodeRegister(raw, dev.Scale), nil
	}
}

func decodeBit(raw []byte) bool {
	return len(raw) > 0 && raw[0]&0x01 != 0
}

func decodeRegister(raw []byte, scale float64) float64 {
	if len(raw) < 2 {
		return 0
	}
	return float64(binary.BigEndian.Uint16(raw)) * scale
}
