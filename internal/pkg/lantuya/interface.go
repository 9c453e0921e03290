package lantuya

import (
	"context"
	"time"
)

// DPS is the raw data-point state of a device, keyed by stringified DP index
type DPS map[string]interface{}

// SubDevices is the result of a gateway sub-device enumeration query
type SubDevices struct {
	Online  []string `json:"online"`
	Offline []string `json:"offline"`
}

// ScanResult is one device announcement heard during a broadcast scan
type ScanResult struct {
	ID         string
	IP         string
	Version    float64
	ProductKey string
}

// DeviceOptions parameterise a LAN session
type DeviceOptions struct {
	ID       string
	Address  string
	LocalKey string
	Version  float64

	// Persist keeps the TCP session open between commands.  Gateway
	// sessions must persist; the proxy relationship depends on the open
	// socket used to relay to the mesh child.
	Persist bool

	// Retries caps low-level socket send/receive attempts.  Zero means
	// one attempt.
	Retries int
}

// DeviceConn is an open command/status session with one device
type DeviceConn interface {
	Status() (DPS, error)
	TurnOn(sw int) error
	TurnOff(sw int) error
	SetValue(index int, value interface{}) error
	Close() error
}

// GatewayConn is a session with a gateway device.  It answers its own
// status like any DeviceConn, enumerates its mesh children, and hands
// out proxied child handles bound to the same session.
type GatewayConn interface {
	DeviceConn
	SubDevices() (SubDevices, error)
	Child(deviceID, nodeID string) DeviceConn
}

// Protocol is the LAN transport collaborator
type Protocol interface {
	OpenDirect(opts DeviceOptions) (DeviceConn, error)
	OpenGateway(opts DeviceOptions) (GatewayConn, error)
	Scan(ctx context.Context, wait time.Duration) (map[string]ScanResult, error)
}
