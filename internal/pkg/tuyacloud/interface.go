package tuyacloud

import "github.com/elazzi/tuyalocalwebserver/internal/pkg/registry"

// CodeValue is one status item or command in the cloud API's code-keyed
// shape
type CodeValue struct {
	Code  string      `json:"code"`
	Value interface{} `json:"value"`
}

// Client is the vendor cloud collaborator
type Client interface {
	// DeviceStatus returns the current state of a device as a list of
	// code/value pairs
	DeviceStatus(deviceID string) ([]CodeValue, error)

	// SendCommands issues commands to a device
	SendCommands(deviceID string, commands []CodeValue) error

	// Devices pulls the account's device catalog, including DP mappings
	// where the cloud knows them
	Devices() ([]registry.CatalogRecord, error)
}
