package lantuya

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	tuya "github.com/mnaufala13/tugoya"
	"github.com/pkg/errors"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/logging"
)

const (
	tcpPort            = 6668
	defaultDialTimeout = time.Second * 5
	defaultIOTimeout   = time.Second * 5
)

// Live speaks the vendor LAN protocol over TCP/UDP sockets
type Live struct {
	dialTimeout time.Duration
	ioTimeout   time.Duration
}

func NewLiveProtocol() *Live {
	return &Live{
		dialTimeout: defaultDialTimeout,
		ioTimeout:   defaultIOTimeout,
	}
}

func (p *Live) WithTimeouts(dial, io time.Duration) *Live {
	np := *p
	np.dialTimeout = dial
	np.ioTimeout = io
	return &np
}

func (p *Live) OpenDirect(opts DeviceOptions) (DeviceConn, error) {
	return p.open(opts)
}

func (p *Live) OpenGateway(opts DeviceOptions) (GatewayConn, error) {
	return p.open(opts)
}

func (p *Live) open(opts DeviceOptions) (*liveConn, error) {
	c := &liveConn{
		proto: p,
		opts:  opts,
		codec: codec{version: opts.Version, key: []byte(opts.LocalKey)},
	}

	// Connect eagerly so an unreachable device fails at open time
	if err := c.connect(); err != nil {
		return nil, err
	}

	return c, nil
}

// liveConn is one device session.  Protocol 3.4 sessions re-key with the
// negotiated session key during connect.
type liveConn struct {
	proto *Live
	opts  DeviceOptions
	codec codec

	mu   sync.Mutex
	conn net.Conn
	seq  uint32
}

func (c *liveConn) connect() error {
	addr := net.JoinHostPort(c.opts.Address, strconv.Itoa(tcpPort))
	conn, err := net.DialTimeout("tcp", addr, c.proto.dialTimeout)
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", addr)
	}
	c.conn = conn

	// Every new connection starts from the device local key
	c.codec.key = []byte(c.opts.LocalKey)

	if c.opts.Version >= 3.4 {
		if err := c.negotiateSessionKey(); err != nil {
			conn.Close()
			c.conn = nil
			return errors.Wrapf(err, "negotiating session key with %s", addr)
		}
	}

	return nil
}

// negotiateSessionKey runs the 3.4 three-step key exchange.  The first
// two messages are protected with the device local key; the derived
// session key protects everything after.
func (c *liveConn) negotiateSessionKey() error {
	localNonce := make([]byte, 16)
	if _, err := rand.Read(localNonce); err != nil {
		return err
	}

	resp, err := c.roundTrip(tuya.SessionKeyNegStart, localNonce)
	if err != nil {
		return err
	}
	if len(resp.data) < 48 {
		return errors.New("short key negotiation response")
	}

	remoteNonce := resp.data[:16]
	mac := hmac.New(sha256.New, []byte(c.opts.LocalKey))
	mac.Write(localNonce)
	if !hmac.Equal(mac.Sum(nil), resp.data[16:48]) {
		return errors.New("key negotiation HMAC mismatch")
	}

	mac = hmac.New(sha256.New, []byte(c.opts.LocalKey))
	mac.Write(remoteNonce)
	if err := c.send(tuya.SessionKeyNegFinish, mac.Sum(nil)); err != nil {
		return err
	}

	seed := make([]byte, 16)
	for i := range seed {
		seed[i] = localNonce[i] ^ remoteNonce[i]
	}
	sessionKey, err := ecbEncryptRaw([]byte(c.opts.LocalKey), seed)
	if err != nil {
		return err
	}
	c.codec.key = sessionKey[:16]

	return nil
}

func (c *liveConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *liveConn) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// exchange performs one command round trip, honouring the session's
// retry cap and persistence mode
func (c *liveConn) exchange(cmd tuya.Command, payload []byte) (frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempts := c.opts.Retries
	if attempts < 1 {
		attempts = 1
	}

	var f frame
	var err error
	for i := 0; i < attempts; i++ {
		if c.conn == nil {
			if err = c.connect(); err != nil {
				continue
			}
		}

		f, err = c.roundTrip(cmd, payload)
		if err == nil {
			break
		}

		// A failed socket is not reused
		c.closeLocked()
	}

	if err == nil && !c.opts.Persist {
		c.closeLocked()
	}

	if err != nil {
		return f, err
	}
	if f.retcode != 0 {
		return f, errors.Errorf("device %s returned code %d", c.opts.ID, f.retcode)
	}

	return f, nil
}

func (c *liveConn) send(cmd tuya.Command, payload []byte) error {
	c.seq++
	raw, err := c.codec.encode(c.seq, cmd, payload)
	if err != nil {
		return err
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.proto.ioTimeout)); err != nil {
		return err
	}
	_, err = c.conn.Write(raw)
	return errors.Wrap(err, "writing frame")
}

func (c *liveConn) roundTrip(cmd tuya.Command, payload []byte) (frame, error) {
	if err := c.send(cmd, payload); err != nil {
		return frame{}, err
	}

	// Devices interleave async reports (heartbeats, state pushes) with
	// replies; skip frames until one matches the request sequence
	for i := 0; i < 8; i++ {
		f, err := c.readFrame()
		if err != nil {
			return frame{}, err
		}
		if f.seq == c.seq || f.seq == 0 {
			return f, nil
		}
		logging.Logger(nil).Debugf("device %s: skipping unsolicited frame cmd=%d seq=%d", c.opts.ID, f.cmd, f.seq)
	}

	return frame{}, errors.Errorf("no reply to command %d from device %s", cmd, c.opts.ID)
}

func (c *liveConn) readFrame() (frame, error) {
	header := make([]byte, frameHdrLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return frame{}, errors.Wrap(err, "reading frame header")
	}

	length := int(uint32(header[12])<<24 | uint32(header[13])<<16 | uint32(header[14])<<8 | uint32(header[15]))
	if length > 1<<16 {
		return frame{}, errors.Errorf("oversized frame (%d bytes)", length)
	}

	raw := make([]byte, frameHdrLen+length)
	copy(raw, header)
	if _, err := io.ReadFull(c.conn, raw[frameHdrLen:]); err != nil {
		return frame{}, errors.Wrap(err, "reading frame body")
	}

	return c.codec.decode(raw)
}

func (c *liveConn) statusCommand() tuya.Command {
	if c.opts.Version >= 3.4 {
		return tuya.DpQueryNew
	}
	return tuya.DpQuery
}

func (c *liveConn) Status() (DPS, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"gwId":  c.opts.ID,
		"devId": c.opts.ID,
		"uid":   c.opts.ID,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
	})

	f, err := c.exchange(c.statusCommand(), payload)
	if err != nil {
		return nil, err
	}

	return parseDPS(f.data)
}

func (c *liveConn) TurnOn(sw int) error {
	return c.SetValue(sw, true)
}

func (c *liveConn) TurnOff(sw int) error {
	return c.SetValue(sw, false)
}

func (c *liveConn) SetValue(index int, value interface{}) error {
	return c.control("", map[string]interface{}{strconv.Itoa(index): value})
}

func (c *liveConn) control(cid string, dps map[string]interface{}) error {
	var cmd tuya.Command
	var payload []byte

	if c.opts.Version >= 3.4 {
		data := map[string]interface{}{"dps": dps}
		if cid != "" {
			data["cid"] = cid
		}
		payload, _ = json.Marshal(map[string]interface{}{
			"protocol": 5,
			"t":        time.Now().UnixNano() / int64(time.Millisecond),
			"data":     data,
		})
		cmd = tuya.ControlNew
	} else {
		body := map[string]interface{}{
			"devId": c.opts.ID,
			"uid":   c.opts.ID,
			"t":     strconv.FormatInt(time.Now().Unix(), 10),
			"dps":   dps,
		}
		if cid != "" {
			body["cid"] = cid
		}
		payload, _ = json.Marshal(body)
		cmd = tuya.Control
	}

	_, err := c.exchange(cmd, payload)
	return err
}

// SubDevices asks a gateway for the online/offline lists of its mesh
// children
func (c *liveConn) SubDevices() (SubDevices, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"reqType": "subdev_online_stat_query",
		"data":    map[string]interface{}{},
	})

	f, err := c.exchange(tuya.LanExtStream, payload)
	if err != nil {
		return SubDevices{}, err
	}

	var resp struct {
		Data SubDevices `json:"data"`
	}
	if err := json.Unmarshal(f.data, &resp); err != nil {
		return SubDevices{}, errors.Wrap(err, "parsing sub-device enumeration")
	}

	return resp.Data, nil
}

// Child returns a proxied handle for a mesh sub-device, bound to this
// gateway session
func (c *liveConn) Child(deviceID, nodeID string) DeviceConn {
	return &childConn{gateway: c, deviceID: deviceID, nodeID: nodeID}
}

// childConn relays sub-device commands over the parent gateway session
type childConn struct {
	gateway  *liveConn
	deviceID string
	nodeID   string
}

func (c *childConn) Status() (DPS, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"gwId":  c.gateway.opts.ID,
		"devId": c.deviceID,
		"uid":   c.deviceID,
		"cid":   c.nodeID,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
	})

	f, err := c.gateway.exchange(c.gateway.statusCommand(), payload)
	if err != nil {
		return nil, err
	}

	return parseDPS(f.data)
}

func (c *childConn) TurnOn(sw int) error {
	return c.SetValue(sw, true)
}

func (c *childConn) TurnOff(sw int) error {
	return c.SetValue(sw, false)
}

func (c *childConn) SetValue(index int, value interface{}) error {
	return c.gateway.control(c.nodeID, map[string]interface{}{strconv.Itoa(index): value})
}

// Close is a no-op; the gateway owns the underlying session
func (c *childConn) Close() error {
	return nil
}

// parseDPS extracts the dps map from a status reply.  3.4 devices wrap
// it one level deeper under "data".
func parseDPS(data []byte) (DPS, error) {
	if len(data) == 0 {
		return nil, errors.New("empty status reply")
	}

	var resp struct {
		Dps  DPS `json:"dps"`
		Data struct {
			Dps DPS `json:"dps"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrapf(err, "parsing status reply %q", truncateForLog(data))
	}

	switch {
	case resp.Dps != nil:
		return resp.Dps, nil
	case resp.Data.Dps != nil:
		return resp.Data.Dps, nil
	}

	return nil, fmt.Errorf("no dps in status reply %q", truncateForLog(data))
}

func truncateForLog(b []byte) string {
	if len(b) > 128 {
		return string(b[:128]) + "..."
	}
	return string(b)
}
