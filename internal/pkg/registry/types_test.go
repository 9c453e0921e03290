package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtocolVersionDecode(t *testing.T) {
	assert := assert.New(t)

	var v struct {
		Version ProtocolVersion `json:"version"`
	}

	assert.NoError(json.Unmarshal([]byte(`{"version": 3.3}`), &v))
	assert.InDelta(3.3, float64(v.Version), 0.001)

	assert.NoError(json.Unmarshal([]byte(`{"version": "3.4"}`), &v))
	assert.InDelta(3.4, float64(v.Version), 0.001)

	v.Version = 0
	assert.NoError(json.Unmarshal([]byte(`{"version": null}`), &v))
	assert.Zero(v.Version)

	assert.Error(json.Unmarshal([]byte(`{"version": "abc"}`), &v))
}

func TestProtocolVersionOrDefault(t *testing.T) {
	assert := assert.New(t)

	assert.InDelta(DefaultProtocolVersion, ProtocolVersion(0).OrDefault(), 0.001)
	assert.InDelta(3.4, ProtocolVersion(3.4).OrDefault(), 0.001)
}

func TestMappingLookups(t *testing.T) {
	assert := assert.New(t)

	m := Mapping{
		"1":  {Code: "switch_1", Type: "Boolean"},
		"20": {Code: "bright_value", Type: "Integer"},
	}

	entry, ok := m.ForIndex(20)
	assert.True(ok)
	assert.Equal("bright_value", entry.Code)

	_, ok = m.ForIndex(99)
	assert.False(ok)

	entry, ok = m.ForCode("switch_1")
	assert.True(ok)
	assert.Equal("Boolean", entry.Type)

	_, ok = m.ForCode("nope")
	assert.False(ok)
}

func TestDeviceRecordMethod(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(ControlLocal, DeviceRecord{}.Method())
	assert.Equal(ControlLocal, DeviceRecord{ControlMethod: "local"}.Method())
	assert.Equal(ControlCloud, DeviceRecord{ControlMethod: "cloud"}.Method())
}

func TestDeviceRecordIsSubDevice(t *testing.T) {
	assert := assert.New(t)

	assert.False(DeviceRecord{}.IsSubDevice())
	assert.True(DeviceRecord{GatewayID: "G1"}.IsSubDevice())
}
