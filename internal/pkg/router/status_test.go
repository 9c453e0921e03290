package router

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/lantuya"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/registry"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/tuyacloud"
)

func TestNormalizeDPS(t *testing.T) {
	assert := assert.New(t)

	mapping := registry.Mapping{
		"1":  {Code: "switch_1", Type: "Boolean"},
		"20": {Code: "bright_value", Type: "Integer", Values: map[string]interface{}{"min": 10.0, "max": 1000.0}},
	}
	dps := lantuya.DPS{"1": true, "20": 500.0, "101": "warm"}

	status := NormalizeDPS(dps, mapping)
	assert.Len(status, 3)

	assert.Equal(true, status["switch_1"].Value)
	assert.Equal("Boolean", status["switch_1"].Type)

	assert.Equal(500.0, status["bright_value"].Value)
	assert.Equal(map[string]interface{}{"min": 10.0, "max": 1000.0}, status["bright_value"].Values)

	// unmapped indexes are kept, not dropped
	assert.Equal("warm", status["101"].Value)
	assert.Equal("Unknown", status["101"].Type)
	assert.Equal("101", status["101"].Code)
}

func TestNormalizeDPSEmptyMapping(t *testing.T) {
	assert := assert.New(t)

	status := NormalizeDPS(lantuya.DPS{"1": true}, nil)
	assert.Len(status, 1)
	assert.Equal("Unknown", status["1"].Type)
}

func TestNormalizeCloud(t *testing.T) {
	assert := assert.New(t)

	mapping := registry.Mapping{
		"1": {Code: "switch_1", Type: "Boolean"},
	}
	items := []tuyacloud.CodeValue{
		{Code: "switch_1", Value: true},
		{Code: "countdown_1", Value: 0.0},
	}

	status := NormalizeCloud(items, mapping)
	assert.Len(status, 2)

	assert.Equal("Boolean", status["switch_1"].Type)
	assert.Equal(true, status["switch_1"].Value)

	// codes missing from the mapping keep the Unknown fallback
	assert.Equal("Unknown", status["countdown_1"].Type)
	assert.Equal(0.0, status["countdown_1"].Value)
}

func TestStatusUnknownDevice(t *testing.T) {
	assert := assert.New(t)

	r := New(newTestStore(t), lantuya.NewTestProtocol(), &testCloud{})

	_, err := r.Status("nope")
	assert.Equal(CategoryNotFound, CategoryOf(err))
}

func TestStatusDirect(t *testing.T) {
	assert := assert.New(t)

	lan := lantuya.NewTestProtocol()
	lan.Direct["D1"] = &lantuya.TestConn{DPS: lantuya.DPS{"1": true}}

	store := newTestStore(t, registry.DeviceRecord{
		ID: "D1", Name: "Plug", IP: "10.0.0.5", LocalKey: "0123456789abcdef",
		Mapping: switchMapping(),
	})
	r := New(store, lan, &testCloud{})

	result, err := r.Status("D1")
	assert.NoError(err)
	assert.Equal("D1", result.DeviceInfo.ID)
	assert.Equal("Plug", result.DeviceInfo.Name)
	assert.Equal(true, result.Status["switch_1"].Value)
	assert.Nil(result.SubDevices)
}

func TestStatusDirectUnreachable(t *testing.T) {
	assert := assert.New(t)

	lan := lantuya.NewTestProtocol()
	lan.Direct["D1"] = &lantuya.TestConn{StatusErr: errors.New("connection refused")}

	store := newTestStore(t, registry.DeviceRecord{
		ID: "D1", IP: "10.0.0.5", LocalKey: "0123456789abcdef",
	})
	r := New(store, lan, &testCloud{})

	_, err := r.Status("D1")
	assert.Equal(CategoryDispatchFailure, CategoryOf(err))
}

func TestStatusCloud(t *testing.T) {
	assert := assert.New(t)

	client := tuyacloud.NewTestClient()
	client.Status["D1"] = []tuyacloud.CodeValue{{Code: "switch_1", Value: true}}

	store := newTestStore(t, registry.DeviceRecord{
		ID: "D1", ControlMethod: registry.ControlCloud, Mapping: switchMapping(),
	})
	r := New(store, lantuya.NewTestProtocol(), &testCloud{client: client})

	result, err := r.Status("D1")
	assert.NoError(err)
	assert.Equal(true, result.Status["switch_1"].Value)
	assert.Equal([]string{"D1"}, client.StatusReads)
}

func TestStatusOfGatewayBothLanes(t *testing.T) {
	assert := assert.New(t)

	gw := &lantuya.TestGatewayConn{
		Subs: lantuya.SubDevices{Online: []string{"S1"}, Offline: []string{"S2"}},
	}
	gw.DPS = lantuya.DPS{"1": true}

	lan := lantuya.NewTestProtocol()
	lan.Gateways["G1"] = gw

	store := newTestStore(t, registry.DeviceRecord{
		ID: "G1", IP: "10.0.0.9", LocalKey: "0123456789abcdef",
		Version: registry.ProtocolVersion(3.4), IsGateway: true, Mapping: switchMapping(),
	})
	r := New(store, lan, &testCloud{})

	result, err := r.Status("G1")
	assert.NoError(err)
	assert.Equal(true, result.Status["switch_1"].Value)
	assert.NotNil(result.SubDevices)
	assert.Equal([]string{"S1"}, result.SubDevices.Online)
	assert.Equal([]string{"S2"}, result.SubDevices.Offline)
	assert.Nil(result.SubDevices.Error)
	assert.True(lan.LastOpened().Persist)
}

func TestStatusOfGatewayEnumerationFails(t *testing.T) {
	assert := assert.New(t)

	gw := &lantuya.TestGatewayConn{SubsErr: errors.New("timeout")}
	gw.DPS = lantuya.DPS{"1": true}

	lan := lantuya.NewTestProtocol()
	lan.Gateways["G1"] = gw

	store := newTestStore(t, registry.DeviceRecord{
		ID: "G1", IP: "10.0.0.9", LocalKey: "0123456789abcdef",
		Version: registry.ProtocolVersion(3.4), IsGateway: true, Mapping: switchMapping(),
	})
	r := New(store, lan, &testCloud{})

	// the primary lane still answers; the enumeration failure is inline
	result, err := r.Status("G1")
	assert.NoError(err)
	assert.Equal(true, result.Status["switch_1"].Value)
	assert.NotNil(result.SubDevices)
	assert.NotNil(result.SubDevices.Error)
	assert.Equal(CategoryEnumerationFailure, result.SubDevices.Error.Category)
}

func TestStatusOfGatewayStatusLaneFails(t *testing.T) {
	assert := assert.New(t)

	gw := &lantuya.TestGatewayConn{
		Subs: lantuya.SubDevices{Online: []string{"S1"}},
	}
	gw.StatusErr = errors.New("timeout")

	lan := lantuya.NewTestProtocol()
	lan.Gateways["G1"] = gw

	store := newTestStore(t, registry.DeviceRecord{
		ID: "G1", IP: "10.0.0.9", LocalKey: "0123456789abcdef",
		Version: registry.ProtocolVersion(3.4), IsGateway: true,
	})
	r := New(store, lan, &testCloud{})

	result, err := r.Status("G1")
	assert.NoError(err)
	assert.NotNil(result.StatusError)
	assert.Equal(CategoryDispatchFailure, result.StatusError.Category)
	assert.Equal([]string{"S1"}, result.SubDevices.Online)
}

func TestStatusOfGatewayBothLanesFail(t *testing.T) {
	assert := assert.New(t)

	gw := &lantuya.TestGatewayConn{SubsErr: errors.New("timeout")}
	gw.StatusErr = errors.New("timeout")

	lan := lantuya.NewTestProtocol()
	lan.Gateways["G1"] = gw

	store := newTestStore(t, registry.DeviceRecord{
		ID: "G1", IP: "10.0.0.9", LocalKey: "0123456789abcdef",
		Version: registry.ProtocolVersion(3.4), IsGateway: true,
	})
	r := New(store, lan, &testCloud{})

	_, err := r.Status("G1")
	assert.Equal(CategoryDispatchFailure, CategoryOf(err))
}

func TestStatusViaGateway(t *testing.T) {
	assert := assert.New(t)

	child := &lantuya.TestConn{DPS: lantuya.DPS{"1": false}}
	gw := &lantuya.TestGatewayConn{Children: map[string]*lantuya.TestConn{"n1": child}}

	lan := lantuya.NewTestProtocol()
	lan.Gateways["G1"] = gw

	store := newTestStore(t,
		registry.DeviceRecord{
			ID: "G1", IP: "10.0.0.9", LocalKey: "0123456789abcdef",
			Version: registry.ProtocolVersion(3.4),
		},
		registry.DeviceRecord{
			ID: "S1", Name: "Sensor", GatewayID: "G1", NodeID: "n1", Mapping: switchMapping(),
		},
	)
	r := New(store, lan, &testCloud{})

	result, err := r.Status("S1")
	assert.NoError(err)
	assert.Equal("S1", result.DeviceInfo.ID)
	assert.Equal(false, result.Status["switch_1"].Value)
	assert.Contains(gw.ChildCalls, "S1/n1")
}
