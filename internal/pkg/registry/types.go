package registry

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ControlMethod selects the transport class used to reach a device.
type ControlMethod string

const (
	// ControlLocal devices are reached over a LAN socket, either directly
	// or proxied through a gateway session
	ControlLocal ControlMethod = "local"
	// ControlCloud devices are reached through the vendor cloud API
	ControlCloud ControlMethod = "cloud"
)

// DefaultProtocolVersion is assumed when a record carries no version tag
const DefaultProtocolVersion = 3.3

// ProtocolVersion is the wire-format version tag (3.3, 3.4, ...).  Vendor
// catalog exports store it either as a number or as a quoted string, so it
// accepts both on decode.
type ProtocolVersion float64

func (v *ProtocolVersion) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = 0
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*v = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*v = ProtocolVersion(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = ProtocolVersion(f)
	return nil
}

// OrDefault returns the version as a float, substituting the default for
// unset records
func (v ProtocolVersion) OrDefault() float64 {
	if v == 0 {
		return DefaultProtocolVersion
	}
	return float64(v)
}

// MappingEntry describes one data point of a device's capability schema
type MappingEntry struct {
	Code   string                 `json:"code"`
	Type   string                 `json:"type,omitempty"`
	Values map[string]interface{} `json:"values,omitempty"`
}

// Mapping is the device capability schema, keyed by stringified DP index
type Mapping map[string]MappingEntry

// ForIndex returns the mapping entry for a numeric DP index
func (m Mapping) ForIndex(index int) (MappingEntry, bool) {
	entry, ok := m[strconv.Itoa(index)]
	return entry, ok
}

// ForCode reverse-looks-up a mapping entry by its DP code.  Used for
// cloud status payloads, which are keyed by code rather than index.
func (m Mapping) ForCode(code string) (MappingEntry, bool) {
	for _, entry := range m {
		if entry.Code == code {
			return entry, true
		}
	}
	return MappingEntry{}, false
}

// DeviceRecord is the persisted configuration of one logical device; the
// single source of truth for how to reach it.
type DeviceRecord struct {
	ID          string          `json:"device_id"`
	Name        string          `json:"name,omitempty"`
	IP          string          `json:"ip,omitempty"`
	LocalKey    string          `json:"local_key,omitempty"`
	Version     ProtocolVersion `json:"version,omitempty"`
	ProductName string          `json:"product_name,omitempty"`
	Mapping     Mapping         `json:"mapping,omitempty"`

	// GatewayID links a mesh sub-device to the gateway record that proxies
	// it; NodeID is the mesh child identifier used on the gateway session
	GatewayID string `json:"gateway_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`

	ControlMethod ControlMethod `json:"control_method,omitempty"`
	IsGateway     bool          `json:"is_gateway,omitempty"`

	DefaultFeatures []string `json:"default_features"`
}

// Method returns the record's control method, defaulting to local
func (d DeviceRecord) Method() ControlMethod {
	if d.ControlMethod == ControlCloud {
		return ControlCloud
	}
	return ControlLocal
}

// IsSubDevice reports whether the record is reachable only through a
// gateway proxy session
func (d DeviceRecord) IsSubDevice() bool {
	return d.GatewayID != ""
}
