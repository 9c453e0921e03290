package router

import (
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/lantuya"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/registry"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/tuyacloud"
)

// Abstract command names accepted by the control endpoint
const (
	CmdTurnOn   = "turn_on"
	CmdTurnOff  = "turn_off"
	CmdSetValue = "set_value"
)

// Command is an abstract device command, not yet bound to a transport
type Command struct {
	Name    string      `json:"command"`
	DPIndex *int        `json:"dp_index,omitempty"`
	Value   interface{} `json:"value,omitempty"`
}

// Validate rejects malformed commands before any network activity
func (c Command) Validate() error {
	switch c.Name {
	case CmdTurnOn, CmdTurnOff:
		return nil
	case CmdSetValue:
		if c.DPIndex == nil || c.Value == nil {
			return E(CategoryInvalidCommand, "dp_index and value are required for %s", CmdSetValue)
		}
		return nil
	}
	return E(CategoryUnsupportedCommand, "unsupported command: %s", c.Name)
}

// switchIndex is the DP the command targets, defaulting to the primary
// switch on DP 1
func (c Command) switchIndex() int {
	if c.DPIndex != nil {
		return *c.DPIndex
	}
	return 1
}

// CloudSource yields the cloud client when credentials are configured.
// Credentials can appear or change at runtime through the API, so the
// router asks per request instead of binding a client at start-up.
type CloudSource interface {
	Client() (tuyacloud.Client, bool)
}

// Router resolves how to reach a logical device and dispatches abstract
// commands over the selected transport
type Router struct {
	store *registry.Store
	lan   lantuya.Protocol
	cloud CloudSource
}

func New(store *registry.Store, lan lantuya.Protocol, cloud CloudSource) *Router {
	return &Router{
		store: store,
		lan:   lan,
		cloud: cloud,
	}
}

// Control dispatches a command and returns the device's state after the
// command.  Commands do not report their own success shape; the
// caller's contract is the post-command device state.
func (r *Router) Control(id string, cmd Command) (*StatusResult, error) {
	rec, err := r.store.Get(id)
	if err != nil {
		return nil, E(CategoryNotFound, "device %s not configured", id)
	}

	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	switch {
	case rec.Method() == registry.ControlCloud:
		err = r.controlCloud(rec, cmd)
	case rec.IsSubDevice():
		err = r.controlViaGateway(rec, cmd)
	default:
		err = r.controlDirect(rec, cmd)
	}
	if err != nil {
		return nil, err
	}

	return r.Status(id)
}

func (r *Router) controlCloud(rec registry.DeviceRecord, cmd Command) error {
	client, ok := r.cloud.Client()
	if !ok {
		return E(CategoryUnconfigured, "cloud credentials not configured")
	}

	entry, ok := rec.Mapping.ForIndex(cmd.switchIndex())
	if !ok || entry.Code == "" {
		return E(CategoryBadMapping, "no DP code for index %d on device %s", cmd.switchIndex(), rec.ID)
	}

	var value interface{}
	switch cmd.Name {
	case CmdTurnOn:
		value = true
	case CmdTurnOff:
		value = false
	default:
		value = cmd.Value
	}

	if err := client.SendCommands(rec.ID, []tuyacloud.CodeValue{{Code: entry.Code, Value: value}}); err != nil {
		return Wrap(CategoryDispatchFailure, err, "sending cloud command")
	}

	return nil
}

func (r *Router) controlDirect(rec registry.DeviceRecord, cmd Command) error {
	if rec.IP == "" || rec.LocalKey == "" {
		return E(CategoryMissingConfig, "device %s is missing IP or local key", rec.ID)
	}

	conn, err := r.lan.OpenDirect(directOptions(rec))
	if err != nil {
		return Wrap(CategoryDispatchFailure, err, "opening device session")
	}
	defer conn.Close()

	return dispatch(conn, cmd)
}

func (r *Router) controlViaGateway(rec registry.DeviceRecord, cmd Command) error {
	gw, child, err := r.openChild(rec)
	if err != nil {
		return err
	}
	defer gw.Close()

	return dispatch(child, cmd)
}

// dispatch sends one validated command over an open session
func dispatch(conn lantuya.DeviceConn, cmd Command) error {
	var err error
	switch cmd.Name {
	case CmdTurnOn:
		err = conn.TurnOn(cmd.switchIndex())
	case CmdTurnOff:
		err = conn.TurnOff(cmd.switchIndex())
	case CmdSetValue:
		err = conn.SetValue(*cmd.DPIndex, cmd.Value)
	}

	if err != nil {
		return Wrap(CategoryDispatchFailure, err, "executing "+cmd.Name)
	}
	return nil
}

// Direct sessions are one-shot: no persistence, a single socket
// attempt.  A dropped socket fails fast rather than hanging a request.
func directOptions(rec registry.DeviceRecord) lantuya.DeviceOptions {
	return lantuya.DeviceOptions{
		ID:       rec.ID,
		Address:  rec.IP,
		LocalKey: rec.LocalKey,
		Version:  rec.Version.OrDefault(),
		Persist:  false,
		Retries:  1,
	}
}
