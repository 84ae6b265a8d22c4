package config

import (
	"context"
	"fmt"
	"time"

	"github.com/tarm/serial"

	"github.com/aldas/n2krouter/actisense"
	"github.com/aldas/n2krouter/coupler"
	"github.com/aldas/n2krouter/filter"
	"github.com/aldas/n2krouter/isotp"
	"github.com/aldas/n2krouter/publisher"
	"github.com/aldas/n2krouter/routererr"
	"github.com/aldas/n2krouter/socketcan"
)

// CouplerConstructor builds a coupler.Opener from a coupler's options. The yaml.Node in
// Options carries the class-specific fields; each constructor decodes only what it needs.
type CouplerConstructor func(opts CouplerOptions) (coupler.Opener, error)

// Factory maps a `class` string to the constructor that knows how to build it, realizing the
// "dynamic class dispatch by configuration string → explicit factory" redesign.
type Factory struct {
	couplers map[string]CouplerConstructor
}

// NewFactory returns a Factory pre-registered with the coupler classes this module ships:
// "socketcan" and "actisense-n2k-ascii". Callers may RegisterCoupler additional classes.
func NewFactory() *Factory {
	f := &Factory{couplers: make(map[string]CouplerConstructor)}
	f.RegisterCoupler("socketcan", buildSocketCANOpener)
	f.RegisterCoupler("actisense-n2k-ascii", buildActisenseN2kASCIIOpener)
	return f
}

// RegisterCoupler adds or replaces the constructor used for a coupler class name.
func (f *Factory) RegisterCoupler(class string, ctor CouplerConstructor) {
	f.couplers[class] = ctor
}

// BuildCoupler constructs a coupler.Config from options, dispatching to the registered
// constructor for opts.Class. Returns a *routererr.Error of KindObjectCreationError on an unknown
// class or a constructor failure. cmd/n2krouter stops building the router on such an error; it
// does not skip the entry.
func (f *Factory) BuildCoupler(opts CouplerOptions) (coupler.Config, error) {
	ctor, ok := f.couplers[opts.Class]
	if !ok {
		return coupler.Config{}, routererr.New(routererr.KindObjectCreationError, opts.Name,
			fmt.Errorf("config: unknown coupler class %q", opts.Class))
	}
	opener, err := ctor(opts)
	if err != nil {
		return coupler.Config{}, routererr.New(routererr.KindObjectCreationError, opts.Name,
			fmt.Errorf("config: building coupler %q: %w", opts.Name, err))
	}
	direction, err := opts.direction()
	if err != nil {
		return coupler.Config{}, err
	}
	mode, err := opts.mode()
	if err != nil {
		return coupler.Config{}, err
	}
	return coupler.Config{
		Name:      opts.Name,
		Direction: direction,
		Mode:      mode,
		Open:      opener,
	}, nil
}

// BuildPublisher constructs a publisher.Config from options. The FilterSet and sinks themselves
// are resolved by the caller (cmd/n2krouter), since they reference other document entries by name.
func (f *Factory) BuildPublisher(opts PublisherOptions, fs *filter.FilterSet, recorder publisher.EventRecorder) (publisher.Config, error) {
	dropPolicy, err := opts.dropPolicy()
	if err != nil {
		return publisher.Config{}, err
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = publisher.DefaultQueueCapacity
	}
	return publisher.Config{
		Name:          opts.Name,
		QueueCapacity: capacity,
		DropPolicy:    dropPolicy,
		FilterSet:     fs,
		EventRecorder: recorder,
	}, nil
}

// BuildFilter constructs the single filter.Filter described by opts.
func BuildFilter(opts FilterOptions) (filter.Filter, error) {
	kind, err := opts.kind()
	if err != nil {
		return nil, err
	}
	if opts.Period > 0 {
		return filter.NewNMEA2000TimeFilter(opts.Name, kind, opts.Source, opts.PGNs, time.Duration(opts.Period*float64(time.Second))), nil
	}
	if len(opts.PGNs) > 0 || opts.Source != nil {
		return filter.NewNMEA2000Filter(opts.Name, kind, opts.Source, opts.PGNs), nil
	}
	return filter.NewNMEA0183Filter(opts.Name, kind, opts.Talker, opts.Format), nil
}

// socketCANOptions is the class-specific shape nested under a "socketcan" coupler's `options:`.
type socketCANOptions struct {
	Interface          string  `yaml:"interface"`
	ReceiveDataTimeout float64 `yaml:"receive_data_timeout_seconds,omitempty"`
	// AllowISOTPSend opts this coupler into originating outbound ISO-TP (BAM/RTS) transfers for
	// payloads too large for Fast-Packet framing. Defaults to false (isotp.SendDisabled).
	AllowISOTPSend bool `yaml:"allow_isotp_send,omitempty"`
}

func buildSocketCANOpener(opts CouplerOptions) (coupler.Opener, error) {
	var sub socketCANOptions
	if err := opts.Options.Decode(&sub); err != nil {
		return nil, fmt.Errorf("socketcan options: %w", err)
	}
	if sub.Interface == "" {
		return nil, fmt.Errorf("socketcan: interface is required")
	}
	timeout := time.Second
	if sub.ReceiveDataTimeout > 0 {
		timeout = time.Duration(sub.ReceiveDataTimeout * float64(time.Second))
	}
	policy := isotp.SendDisabled
	if sub.AllowISOTPSend {
		policy = isotp.SendEnabled
	}
	return func(_ context.Context) (coupler.Device, error) {
		device := socketcan.NewDevice(socketcan.DeviceConfig{
			InterfaceName:      sub.Interface,
			ReceiveDataTimeout: timeout,
			ISOTPPolicy:        policy,
		})
		return device, nil
	}, nil
}

// serialOptions is the class-specific shape nested under an "actisense-n2k-ascii" coupler's
// `options:`.
type serialOptions struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate,omitempty"`
}

func buildActisenseN2kASCIIOpener(opts CouplerOptions) (coupler.Opener, error) {
	var sub serialOptions
	if err := opts.Options.Decode(&sub); err != nil {
		return nil, fmt.Errorf("actisense-n2k-ascii options: %w", err)
	}
	if sub.Device == "" {
		return nil, fmt.Errorf("actisense-n2k-ascii: device path is required")
	}
	baud := sub.BaudRate
	if baud <= 0 {
		baud = 115200
	}
	return func(_ context.Context) (coupler.Device, error) {
		port, err := serial.OpenPort(&serial.Config{Name: sub.Device, Baud: baud})
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", sub.Device, err)
		}
		return actisense.NewN2kASCIIDevice(port, actisense.Config{}), nil
	}, nil
}
