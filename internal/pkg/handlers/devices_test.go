package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/lantuya"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/registry"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/router"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/tuyacloud"
)

type devicesFixture struct {
	store   *registry.Store
	catalog *registry.Catalog
	lan     *lantuya.TestProtocol
	lock    *ScanLock
	handler *DevicesHandler
}

func newDevicesFixture(t *testing.T, catalogJSON string) *devicesFixture {
	t.Helper()

	dir := t.TempDir()

	store := registry.NewStore(filepath.Join(dir, "devicesw.json"))
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}

	catalogFile := filepath.Join(dir, "devices.json")
	if catalogJSON != "" {
		if err := os.WriteFile(catalogFile, []byte(catalogJSON), 0644); err != nil {
			t.Fatal(err)
		}
	}
	catalog := registry.NewCatalog(catalogFile)
	if err := catalog.Load(); err != nil {
		t.Fatal(err)
	}

	lan := lantuya.NewTestProtocol()
	lock := NewScanLock()
	rt := router.New(store, lan, &nullCloud{})

	return &devicesFixture{
		store:   store,
		catalog: catalog,
		lan:     lan,
		lock:    lock,
		handler: NewDevicesHandler(store, catalog, rt, lan, lock, time.Millisecond, 4),
	}
}

type nullCloud struct{}

func (nullCloud) Client() (tuyacloud.Client, bool) { return nil, false }

func postJSON(t *testing.T, handler http.HandlerFunc, target, body string, vars map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}

	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func get(t *testing.T, handler http.HandlerFunc, target string, vars map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}

	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func errorCategory(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not an error payload: %s", w.Body.String())
	}
	return payload.Error
}

const plugCatalog = `[{
	"id": "D1", "name": "Plug", "key": "k1", "product_name": "Smart Plug",
	"mapping": {"1": {"code": "switch_1", "type": "Boolean"}}
}]`

func TestAddDeviceEnrichesFromCatalog(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, plugCatalog)

	w := postJSON(t, f.handler.AddDevice, "/api/add_device", `{"device_id": "D1", "ip": "10.0.0.5"}`, nil)
	assert.Equal(http.StatusOK, w.Code)

	rec, err := f.store.Get("D1")
	assert.NoError(err)
	assert.Equal("Plug", rec.Name)
	assert.Equal("10.0.0.5", rec.IP)
	assert.Equal("k1", rec.LocalKey)
	assert.Equal("Smart Plug", rec.ProductName)
	assert.Equal("switch_1", rec.Mapping["1"].Code)
	assert.InDelta(3.3, float64(rec.Version), 0.001, "version defaults when the catalog has none")
	assert.NotNil(rec.DefaultFeatures)
}

func TestAddDeviceNotInCatalog(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, plugCatalog)

	w := postJSON(t, f.handler.AddDevice, "/api/add_device", `{"device_id": "nope", "ip": "10.0.0.5"}`, nil)
	assert.Equal(http.StatusNotFound, w.Code)
	assert.Equal("not_found", errorCategory(t, w))
	assert.False(f.store.Has("nope"))
}

func TestAddDeviceMalformedBody(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, plugCatalog)

	w := postJSON(t, f.handler.AddDevice, "/api/add_device", `{{{`, nil)
	assert.Equal(http.StatusBadRequest, w.Code)
}

func TestAddViaGateway(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, `[{"id": "S1", "name": "Sensor", "key": "k2", "node_id": "n1"}]`)
	assert.NoError(f.store.Put("G1", registry.DeviceRecord{
		ID: "G1", IP: "10.0.0.9", LocalKey: "gk", IsGateway: true,
	}))

	w := postJSON(t, f.handler.AddViaGateway, "/api/add_device_via_gateway",
		`{"device_id": "S1", "gateway_id": "G1"}`, nil)
	assert.Equal(http.StatusOK, w.Code)

	rec, err := f.store.Get("S1")
	assert.NoError(err)
	assert.Equal("G1", rec.GatewayID)
	assert.Equal("n1", rec.NodeID, "node id falls back to the catalog")
	assert.Equal("k2", rec.LocalKey)
	assert.Empty(rec.IP)
}

func TestAddViaGatewayUnknownGateway(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, `[{"id": "S1", "key": "k2", "node_id": "n1"}]`)

	w := postJSON(t, f.handler.AddViaGateway, "/api/add_device_via_gateway",
		`{"device_id": "S1", "gateway_id": "GX"}`, nil)
	assert.Equal(http.StatusNotFound, w.Code)
	assert.Equal("gateway_not_found", errorCategory(t, w))
}

func TestAddViaGatewayNoNodeID(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, `[{"id": "S1", "key": "k2"}]`)
	assert.NoError(f.store.Put("G1", registry.DeviceRecord{ID: "G1", IP: "10.0.0.9", LocalKey: "gk"}))

	w := postJSON(t, f.handler.AddViaGateway, "/api/add_device_via_gateway",
		`{"device_id": "S1", "gateway_id": "G1"}`, nil)
	assert.Equal(http.StatusBadRequest, w.Code)
}

func TestSetDefaultFeatures(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, "")
	assert.NoError(f.store.Put("D1", registry.DeviceRecord{ID: "D1"}))

	w := postJSON(t, f.handler.SetDefaultFeatures, "/api/devices/D1/set_default_features",
		`{"features": ["switch_1", "bright_value"]}`, map[string]string{"id": "D1"})
	assert.Equal(http.StatusOK, w.Code)

	rec, err := f.store.Get("D1")
	assert.NoError(err)
	assert.Equal([]string{"switch_1", "bright_value"}, rec.DefaultFeatures)
}

func TestSetGateway(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, "")
	assert.NoError(f.store.Put("D1", registry.DeviceRecord{ID: "D1"}))

	w := postJSON(t, f.handler.SetGateway, "/api/devices/D1/set_gateway",
		`{"is_gateway": true}`, map[string]string{"id": "D1"})
	assert.Equal(http.StatusOK, w.Code)

	rec, err := f.store.Get("D1")
	assert.NoError(err)
	assert.True(rec.IsGateway)
}

func TestDeleteDevice(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, "")
	assert.NoError(f.store.Put("D1", registry.DeviceRecord{ID: "D1"}))

	req := httptest.NewRequest(http.MethodDelete, "/api/devices/D1", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "D1"})
	w := httptest.NewRecorder()
	f.handler.DeleteDevice(w, req)

	assert.Equal(http.StatusOK, w.Code)
	assert.False(f.store.Has("D1"))
}

func TestDeleteDeviceUnknown(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, "")

	req := httptest.NewRequest(http.MethodDelete, "/api/devices/nope", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "nope"})
	w := httptest.NewRecorder()
	f.handler.DeleteDevice(w, req)

	assert.Equal(http.StatusNotFound, w.Code)
	assert.Equal("not_found", errorCategory(t, w))
}

func TestListDevices(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, "")
	assert.NoError(f.store.Put("D1", registry.DeviceRecord{ID: "D1", Name: "Plug"}))

	w := get(t, f.handler.ListDevices, "/api/devices", nil)
	assert.Equal(http.StatusOK, w.Code)

	var devices map[string]registry.DeviceRecord
	assert.NoError(json.Unmarshal(w.Body.Bytes(), &devices))
	assert.Len(devices, 1)
	assert.Equal("Plug", devices["D1"].Name)
}

func TestDiscoverMergesCatalog(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, `[
		{"id": "D1", "name": "Plug", "key": "k1"},
		{"id": "S1", "name": "Sensor", "key": "k2", "node_id": "n1"}
	]`)
	f.lan.ScanResults = map[string]lantuya.ScanResult{
		"D1": {ID: "D1", IP: "10.0.0.5", Version: 3.3},
		"DX": {ID: "DX", IP: "10.0.0.6", Version: 3.3},
	}
	assert.NoError(f.store.Put("S1", registry.DeviceRecord{ID: "S1", GatewayID: "G1", NodeID: "n1"}))

	w := postJSON(t, f.handler.Discover, "/api/discover", `{}`, nil)
	assert.Equal(http.StatusOK, w.Code)

	var resp struct {
		Devices map[string]struct {
			Name       string `json:"name"`
			IP         string `json:"ip"`
			HasIP      bool   `json:"has_ip"`
			Configured bool   `json:"configured"`
			IsZigbee   bool   `json:"is_zigbee"`
		} `json:"devices"`
	}
	assert.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(resp.Devices, 3)

	// scanned and catalogued
	assert.Equal("Plug", resp.Devices["D1"].Name)
	assert.Equal("10.0.0.5", resp.Devices["D1"].IP)
	assert.True(resp.Devices["D1"].HasIP)
	assert.False(resp.Devices["D1"].Configured)

	// scanned but unknown to the catalog
	assert.Equal("Unknown", resp.Devices["DX"].Name)

	// catalogued only; registered as a sub-device
	assert.False(resp.Devices["S1"].HasIP)
	assert.True(resp.Devices["S1"].Configured)
	assert.True(resp.Devices["S1"].IsZigbee)
}

func TestDiscoverBusy(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, "")
	assert.True(f.lock.TryAcquire())
	defer f.lock.Release()

	w := postJSON(t, f.handler.Discover, "/api/discover", `{}`, nil)
	assert.Equal(http.StatusServiceUnavailable, w.Code)
	assert.Equal("busy", errorCategory(t, w))
}

func TestControlHandler(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, "")
	conn := &lantuya.TestConn{DPS: lantuya.DPS{"1": false}}
	f.lan.Direct["D1"] = conn
	assert.NoError(f.store.Put("D1", registry.DeviceRecord{
		ID: "D1", IP: "10.0.0.5", LocalKey: "k1",
		Mapping: registry.Mapping{"1": {Code: "switch_1", Type: "Boolean"}},
	}))

	w := postJSON(t, f.handler.Control, "/api/devices/D1/control",
		`{"command": "turn_on"}`, map[string]string{"id": "D1"})
	assert.Equal(http.StatusOK, w.Code)

	assert.Len(conn.Commands, 1)
	assert.Equal(true, conn.Commands[0].Value)

	var result router.StatusResult
	assert.NoError(json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(true, result.Status["switch_1"].Value)
}

func TestControlHandlerRejectedDuringScan(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, "")
	assert.True(f.lock.TryAcquire())
	defer f.lock.Release()

	w := postJSON(t, f.handler.Control, "/api/devices/D1/control",
		`{"command": "turn_on"}`, map[string]string{"id": "D1"})
	assert.Equal(http.StatusServiceUnavailable, w.Code)
	assert.Equal("busy", errorCategory(t, w))
}

func TestStatusHandlerUnknownDevice(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, "")

	w := get(t, f.handler.Status, "/api/devices/nope/status", map[string]string{"id": "nope"})
	assert.Equal(http.StatusNotFound, w.Code)
	assert.Equal("not_found", errorCategory(t, w))
}

func TestBulkStatus(t *testing.T) {
	assert := assert.New(t)

	f := newDevicesFixture(t, "")
	f.lan.Direct["D1"] = &lantuya.TestConn{DPS: lantuya.DPS{"1": true}}
	assert.NoError(f.store.Put("D1", registry.DeviceRecord{
		ID: "D1", IP: "10.0.0.5", LocalKey: "k1",
		Mapping: registry.Mapping{"1": {Code: "switch_1", Type: "Boolean"}},
	}))
	// D2 has no scripted session, so its status read fails
	assert.NoError(f.store.Put("D2", registry.DeviceRecord{
		ID: "D2", IP: "10.0.0.6", LocalKey: "k2",
	}))

	w := get(t, f.handler.BulkStatus, "/api/devices/status", nil)
	assert.Equal(http.StatusOK, w.Code)

	var resp struct {
		Devices map[string]struct {
			Result *router.StatusResult `json:"result"`
			Error  *router.ErrorPayload `json:"error"`
		} `json:"devices"`
	}
	assert.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(resp.Devices, 2)

	assert.NotNil(resp.Devices["D1"].Result)
	assert.Equal(true, resp.Devices["D1"].Result.Status["switch_1"].Value)

	assert.Nil(resp.Devices["D2"].Result)
	assert.NotNil(resp.Devices["D2"].Error)
}
