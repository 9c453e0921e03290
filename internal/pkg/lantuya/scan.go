package lantuya

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/logging"
)

// Devices announce themselves on these ports; 6667 announcements are
// encrypted with a fixed key shared by the whole protocol family
var scanPorts = []int{6666, 6667}

const scanUDPKeySeed = "yGAdlopoPVldABfn"

// Scan listens for device broadcast announcements for the wait period
// and returns the devices heard, keyed by device id.  Only one scan may
// use the broadcast ports at a time; a second listener fails to bind.
func (p *Live) Scan(ctx context.Context, wait time.Duration) (map[string]ScanResult, error) {
	listeners := make([]net.PacketConn, 0, len(scanPorts))
	for _, port := range scanPorts {
		pc, err := net.ListenPacket("udp", ":"+strconv.Itoa(port))
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return nil, errors.Wrapf(err, "binding broadcast listener on port %d", port)
		}
		listeners = append(listeners, pc)
	}

	// Early cancellation unblocks the readers
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			for _, pc := range listeners {
				pc.Close()
			}
		case <-done:
		}
	}()

	deadline := time.Now().Add(wait)

	var mu sync.Mutex
	results := make(map[string]ScanResult)

	var wg sync.WaitGroup
	for _, pc := range listeners {
		wg.Add(1)
		go func(pc net.PacketConn) {
			defer wg.Done()
			defer pc.Close()

			pc.SetReadDeadline(deadline)

			buf := make([]byte, 2048)
			for {
				n, from, err := pc.ReadFrom(buf)
				if err != nil {
					return
				}

				result, err := decodeScanPacket(buf[:n])
				if err != nil {
					logging.Logger(nil).WithError(err).Debugf("ignoring undecodable announcement from %s", from)
					continue
				}
				if result.ID == "" {
					continue
				}

				mu.Lock()
				results[result.ID] = result
				mu.Unlock()
			}
		}(pc)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

func decodeScanPacket(data []byte) (ScanResult, error) {
	body := data
	if len(body) > frameHdrLen+12 && binary.BigEndian.Uint32(body[0:4]) == framePrefix {
		// Strip frame header + retcode, CRC + suffix
		body = body[frameHdrLen+4 : len(body)-8]
	}

	if len(body) == 0 {
		return ScanResult{}, errors.New("empty announcement")
	}

	// 6667 announcements are encrypted with the fixed broadcast key
	if body[0] != '{' {
		key := md5.Sum([]byte(scanUDPKeySeed))
		dec, err := ecbDecrypt(key[:], body)
		if err != nil {
			return ScanResult{}, errors.Wrap(err, "decrypting announcement")
		}
		body = dec
	}

	var announce struct {
		GwID       string `json:"gwId"`
		IP         string `json:"ip"`
		Version    string `json:"version"`
		ProductKey string `json:"productKey"`
	}
	if err := json.Unmarshal(body, &announce); err != nil {
		return ScanResult{}, errors.Wrap(err, "parsing announcement")
	}

	version, _ := strconv.ParseFloat(announce.Version, 64)

	return ScanResult{
		ID:         announce.GwID,
		IP:         announce.IP,
		Version:    version,
		ProductKey: announce.ProductKey,
	}, nil
}
