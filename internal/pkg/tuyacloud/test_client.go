package tuyacloud

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/registry"
)

/*
 *  In-memory cloud client for unit tests
 */

// TestCall records one SendCommands invocation
type TestCall struct {
	DeviceID string
	Commands []CodeValue
}

// TestClient is a scriptable Client that records all traffic
type TestClient struct {
	mu sync.Mutex

	Status     map[string][]CodeValue // by device id
	StatusErr  error
	CommandErr error
	Catalog    []registry.CatalogRecord
	CatalogErr error

	Calls       []TestCall
	StatusReads []string
}

func NewTestClient() *TestClient {
	return &TestClient{
		Status: make(map[string][]CodeValue),
	}
}

// CallCount returns how many network operations were attempted
func (c *TestClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls) + len(c.StatusReads)
}

func (c *TestClient) DeviceStatus(deviceID string) ([]CodeValue, error) {
	c.mu.Lock()
	c.StatusReads = append(c.StatusReads, deviceID)
	c.mu.Unlock()

	if c.StatusErr != nil {
		return nil, c.StatusErr
	}

	status, ok := c.Status[deviceID]
	if !ok {
		return nil, errors.Errorf("no test status for device %s", deviceID)
	}
	return status, nil
}

func (c *TestClient) SendCommands(deviceID string, commands []CodeValue) error {
	c.mu.Lock()
	c.Calls = append(c.Calls, TestCall{DeviceID: deviceID, Commands: commands})
	c.mu.Unlock()

	return c.CommandErr
}

func (c *TestClient) Devices() ([]registry.CatalogRecord, error) {
	if c.CatalogErr != nil {
		return nil, c.CatalogErr
	}
	return c.Catalog, nil
}
