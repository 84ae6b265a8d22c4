// Package config holds the router's typed configuration shapes and the class-name-to-constructor
// factory used to build couplers, publishers and filters from a decoded document. The document
// itself (multi-file, includes, env expansion) is loaded by a caller-supplied io.Reader; this
// package owns only the typed shape and validation, per spec.md §6.
package config

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aldas/n2krouter/coupler"
	"github.com/aldas/n2krouter/filter"
	"github.com/aldas/n2krouter/publisher"
)

// Common holds the options spec.md §6 recognizes on every coupler/publisher/filter entry.
type Common struct {
	Name      string `yaml:"name"`
	Class     string `yaml:"class"`
	Direction string `yaml:"direction,omitempty"`
	Mode      string `yaml:"mode,omitempty"`
	Trace     bool   `yaml:"trace,omitempty"`
	TraceDir  string `yaml:"trace_dir,omitempty"`
	Timeout   int    `yaml:"timeout,omitempty"`
}

func (c Common) timeout() time.Duration {
	if c.Timeout <= 0 {
		return time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

func (c Common) direction() (coupler.Direction, error) {
	switch c.Direction {
	case "", "bidirectional":
		return coupler.Bidirectional, nil
	case "read_only":
		return coupler.ReadOnly, nil
	case "write_only":
		return coupler.WriteOnly, nil
	default:
		return 0, fmt.Errorf("config: unknown direction %q", c.Direction)
	}
}

func (c Common) mode() (coupler.Mode, error) {
	switch c.Mode {
	case "", "nmea0183":
		return coupler.ModeNMEA0183, nil
	case "nmea2000":
		return coupler.ModeNMEA2000, nil
	default:
		return 0, fmt.Errorf("config: unknown mode %q", c.Mode)
	}
}

// Validate checks that the required common fields are present and well-formed.
func (c Common) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if c.Class == "" {
		return fmt.Errorf("config: class is required")
	}
	if _, err := c.direction(); err != nil {
		return err
	}
	if _, err := c.mode(); err != nil {
		return err
	}
	return nil
}

// CouplerOptions is one `couplers:` document entry: the common fields plus class-specific options
// left as a raw yaml.Node for the matching Factory constructor to decode itself.
type CouplerOptions struct {
	Common  `yaml:",inline"`
	Options yaml.Node `yaml:"options"`
}

// PublisherOptions is one `publishers:` document entry.
type PublisherOptions struct {
	Common        `yaml:",inline"`
	QueueCapacity int    `yaml:"queue_capacity,omitempty"`
	DropPolicy    string `yaml:"drop_policy,omitempty"`
	Filter        string `yaml:"filter,omitempty"`
	Sinks         []string `yaml:"sinks,omitempty"`
}

func (p PublisherOptions) dropPolicy() (publisher.DropPolicy, error) {
	switch p.DropPolicy {
	case "", "drop_newest":
		return publisher.DropNewest, nil
	case "drop_oldest":
		return publisher.DropOldest, nil
	case "block_briefly":
		return publisher.BlockBriefly, nil
	default:
		return 0, fmt.Errorf("config: unknown drop_policy %q", p.DropPolicy)
	}
}

// FilterOptions is one `filters:` document entry.
type FilterOptions struct {
	Common `yaml:",inline"`
	Type   string   `yaml:"type"`
	Talker string   `yaml:"talker,omitempty"`
	Format string   `yaml:"format,omitempty"`
	Source *uint8   `yaml:"source,omitempty"`
	PGNs   []uint32 `yaml:"pgns,omitempty"`
	Period float64  `yaml:"period,omitempty"`
}

func (f FilterOptions) kind() (filter.Type, error) {
	switch f.Type {
	case "discard":
		return filter.Discard, nil
	case "select":
		return filter.Select, nil
	default:
		return 0, fmt.Errorf("config: filter %q: unknown type %q", f.Name, f.Type)
	}
}

// Document is the single hierarchical document spec.md §6 describes: couplers, publishers and
// filters, each named and class-tagged. Servers/services are out of scope (external collaborators).
type Document struct {
	Couplers   []CouplerOptions   `yaml:"couplers"`
	Publishers []PublisherOptions `yaml:"publishers"`
	Filters    []FilterOptions    `yaml:"filters"`
	// Controller is optional: when present it names the coupler that hosts the router's Active
	// Controller and the Applications it registers at startup.
	Controller *ControllerOptions `yaml:"controller,omitempty"`
}

// Load decodes a Document from r and validates every entry's common fields.
func Load(r io.Reader) (*Document, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: decoding document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate runs Common.Validate over every coupler and publisher entry (plus the publisher's drop
// policy), checks that every filter entry has a name and a known type, and that a controller, if
// present, names an existing coupler.
func (d *Document) Validate() error {
	for _, c := range d.Couplers {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("config: coupler %q: %w", c.Name, err)
		}
	}
	for _, p := range d.Publishers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("config: publisher %q: %w", p.Name, err)
		}
		if _, err := p.dropPolicy(); err != nil {
			return err
		}
	}
	for _, f := range d.Filters {
		if f.Name == "" {
			return fmt.Errorf("config: filter entry missing name")
		}
		if _, err := f.kind(); err != nil {
			return err
		}
	}
	if d.Controller != nil {
		if d.Controller.Coupler == "" {
			return fmt.Errorf("config: controller.coupler is required")
		}
		found := false
		for _, c := range d.Couplers {
			if c.Name == d.Controller.Coupler {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("config: controller references unknown coupler %q", d.Controller.Coupler)
		}
	}
	return nil
}
