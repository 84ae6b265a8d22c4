package config

import (
	"encoding/hex"
	"fmt"

	"github.com/aldas/n2krouter"
	"github.com/aldas/n2krouter/addressmapper"
	"github.com/aldas/n2krouter/n2kapp"
)

// ApplicationOptions describes one NMEA2000 Controller Application: the NAME it claims under and
// the information it replies with to the standard ISO Request PGNs.
type ApplicationOptions struct {
	Name string `yaml:"name"`

	// NAMEHex is the 64 bit NMEA2000 NAME encoded as 16 hex digits, big-endian.
	NAMEHex string `yaml:"name_hex"`
	// AddressRange is the ordered list of addresses this Application will attempt to claim.
	AddressRange []uint8 `yaml:"address_range"`

	ModelID             string `yaml:"model_id,omitempty"`
	SoftwareVersionCode string `yaml:"software_version,omitempty"`
	ModelVersion        string `yaml:"model_version,omitempty"`
	ModelSerialCode     string `yaml:"model_serial,omitempty"`
}

// ControllerOptions names the coupler that hosts the router's Active Controller and the
// Applications it registers at startup.
type ControllerOptions struct {
	// Coupler is the name of a `couplers:` entry (mode nmea2000) whose Device the controller owns
	// exclusively; it is not also driven through the generic Coupler/Publisher path.
	Coupler      string                `yaml:"coupler"`
	Applications []ApplicationOptions `yaml:"applications"`
}

// decodeNAME parses the 16 hex digit NAME and reuses addressmapper's own ISO Address Claim
// decoder to split it into NodeName's bit fields, rather than re-deriving the layout here.
func decodeNAME(hexStr string) (addressmapper.NodeName, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 8 {
		return addressmapper.NodeName{}, fmt.Errorf("config: name_hex must be 16 hex digits: %q", hexStr)
	}
	return addressmapper.PGN60928ToNodeName(nmea.RawMessage{
		Header: nmea.CanBusHeader{PGN: uint32(nmea.PGNISOAddressClaim)},
		Data:   raw,
	})
}

// BuildApplication constructs an n2kapp.Application from ApplicationOptions. writer is typically
// the same Device the owning ActiveController reads from.
func BuildApplication(opts ApplicationOptions, writer n2kapp.Writer) (*n2kapp.Application, error) {
	nodeName, err := decodeNAME(opts.NAMEHex)
	if err != nil {
		return nil, fmt.Errorf("application %q: %w", opts.Name, err)
	}
	return n2kapp.NewApplication(writer, n2kapp.Config{
		NAME:         nodeName,
		AddressRange: opts.AddressRange,
		ProductInfo: addressmapper.ProductInfo{
			ModelID:             opts.ModelID,
			SoftwareVersionCode: opts.SoftwareVersionCode,
			ModelVersion:        opts.ModelVersion,
			ModelSerialCode:     opts.ModelSerialCode,
		},
	}), nil
}
