package lantuya

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

/*
 *  In-memory protocol implementation for unit tests
 */

// TestCommand records one dispatched command
type TestCommand struct {
	Index int
	Value interface{}
}

// TestConn is a scriptable DeviceConn
type TestConn struct {
	mu sync.Mutex

	DPS        DPS
	StatusErr  error
	CommandErr error

	Commands []TestCommand
	Closed   bool
}

func (c *TestConn) Status() (DPS, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.StatusErr != nil {
		return nil, c.StatusErr
	}

	out := make(DPS, len(c.DPS))
	for k, v := range c.DPS {
		out[k] = v
	}
	return out, nil
}

func (c *TestConn) TurnOn(sw int) error {
	return c.SetValue(sw, true)
}

func (c *TestConn) TurnOff(sw int) error {
	return c.SetValue(sw, false)
}

func (c *TestConn) SetValue(index int, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CommandErr != nil {
		return c.CommandErr
	}

	c.Commands = append(c.Commands, TestCommand{Index: index, Value: value})
	if c.DPS == nil {
		c.DPS = make(DPS)
	}
	c.DPS[strconv.Itoa(index)] = value

	return nil
}

func (c *TestConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// TestGatewayConn is a scriptable GatewayConn
type TestGatewayConn struct {
	TestConn

	Subs    SubDevices
	SubsErr error

	// Children is keyed by node id
	Children   map[string]*TestConn
	ChildCalls []string
}

func (c *TestGatewayConn) SubDevices() (SubDevices, error) {
	if c.SubsErr != nil {
		return SubDevices{}, c.SubsErr
	}
	return c.Subs, nil
}

func (c *TestGatewayConn) Child(deviceID, nodeID string) DeviceConn {
	c.mu.Lock()
	c.ChildCalls = append(c.ChildCalls, deviceID+"/"+nodeID)
	c.mu.Unlock()

	if child, ok := c.Children[nodeID]; ok {
		return child
	}
	return &TestConn{}
}

// TestProtocol hands out scripted sessions and records every open
type TestProtocol struct {
	mu sync.Mutex

	Direct   map[string]*TestConn        // by device id
	Gateways map[string]*TestGatewayConn // by device id

	OpenErr     error
	ScanResults map[string]ScanResult
	ScanErr     error

	Opened []DeviceOptions
}

func NewTestProtocol() *TestProtocol {
	return &TestProtocol{
		Direct:   make(map[string]*TestConn),
		Gateways: make(map[string]*TestGatewayConn),
	}
}

// OpenCount returns how many sessions were opened
func (p *TestProtocol) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Opened)
}

// LastOpened returns the options of the most recent session
func (p *TestProtocol) LastOpened() DeviceOptions {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.Opened) == 0 {
		return DeviceOptions{}
	}
	return p.Opened[len(p.Opened)-1]
}

func (p *TestProtocol) OpenDirect(opts DeviceOptions) (DeviceConn, error) {
	p.mu.Lock()
	p.Opened = append(p.Opened, opts)
	p.mu.Unlock()

	if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	conn, ok := p.Direct[opts.ID]
	if !ok {
		return nil, errors.Errorf("no test device %s", opts.ID)
	}
	return conn, nil
}

func (p *TestProtocol) OpenGateway(opts DeviceOptions) (GatewayConn, error) {
	p.mu.Lock()
	p.Opened = append(p.Opened, opts)
	p.mu.Unlock()

	if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	conn, ok := p.Gateways[opts.ID]
	if !ok {
		return nil, errors.Errorf("no test gateway %s", opts.ID)
	}
	return conn, nil
}

func (p *TestProtocol) Scan(ctx context.Context, wait time.Duration) (map[string]ScanResult, error) {
	if p.ScanErr != nil {
		return nil, p.ScanErr
	}

	out := make(map[string]ScanResult, len(p.ScanResults))
	for k, v := range p.ScanResults {
		out[k] = v
	}
	return out, nil
}
