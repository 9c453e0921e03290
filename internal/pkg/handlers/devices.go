package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/korovkin/limiter"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/lantuya"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/logging"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/registry"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/router"
)

// DevicesHandler serves the device registration, discovery, control and
// status endpoints
type DevicesHandler struct {
	store    *registry.Store
	catalog  *registry.Catalog
	router   *router.Router
	lan      lantuya.Protocol
	scanLock *ScanLock

	scanWait         time.Duration
	maxStatusWorkers int
}

func NewDevicesHandler(store *registry.Store, catalog *registry.Catalog,
	rt *router.Router, lan lantuya.Protocol, scanLock *ScanLock,
	scanWait time.Duration, maxStatusWorkers int) *DevicesHandler {

	if maxStatusWorkers < 1 {
		maxStatusWorkers = 1
	}

	return &DevicesHandler{
		store:            store,
		catalog:          catalog,
		router:           rt,
		lan:              lan,
		scanLock:         scanLock,
		scanWait:         scanWait,
		maxStatusWorkers: maxStatusWorkers,
	}
}

// discoveredDevice is one row of the discovery report: a scanned or
// catalogued device annotated with whether it is already configured
type discoveredDevice struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	IP          string           `json:"ip,omitempty"`
	HasIP       bool             `json:"has_ip"`
	Version     float64          `json:"version,omitempty"`
	ProductName string           `json:"product_name,omitempty"`
	Mapping     registry.Mapping `json:"mapping,omitempty"`
	Configured  bool             `json:"configured"`
	IsZigbee    bool             `json:"is_zigbee"`
}

// Discover runs a broadcast scan and merges the announcements with the
// catalog, so the caller sees every known device whether or not it
// answered on the LAN
func (h *DevicesHandler) Discover(w http.ResponseWriter, r *http.Request) {
	if !h.scanLock.TryAcquire() {
		sendError(w, r, router.E(router.CategoryBusy, "a discovery scan is already running"))
		return
	}
	defer h.scanLock.Release()

	scanned, err := h.lan.Scan(r.Context(), h.scanWait)
	if err != nil {
		sendError(w, r, router.Wrap(router.CategoryDispatchFailure, err, "scanning for devices"))
		return
	}

	devices := make(map[string]discoveredDevice, len(scanned))

	for id, res := range scanned {
		dev := discoveredDevice{
			ID:         id,
			Name:       "Unknown",
			IP:         res.IP,
			HasIP:      res.IP != "",
			Version:    res.Version,
			Configured: h.store.Has(id),
		}
		if cat, ok := h.catalog.Find(id); ok {
			if cat.Name != "" {
				dev.Name = cat.Name
			}
			dev.ProductName = cat.ProductName
			dev.Mapping = cat.Mapping
		}
		if rec, err := h.store.Get(id); err == nil {
			dev.IsZigbee = rec.IsSubDevice()
		}
		devices[id] = dev
	}

	// Catalog entries that didn't announce.  Zigbee children never
	// broadcast, so this is the only way they show up at all.
	for _, cat := range h.catalog.Records() {
		if _, ok := devices[cat.ID]; ok {
			continue
		}

		name := cat.Name
		if name == "" {
			name = "Unknown"
		}
		dev := discoveredDevice{
			ID:          cat.ID,
			Name:        name,
			Version:     float64(cat.Version),
			ProductName: cat.ProductName,
			Mapping:     cat.Mapping,
			Configured:  h.store.Has(cat.ID),
		}
		if rec, err := h.store.Get(cat.ID); err == nil {
			dev.IsZigbee = rec.IsSubDevice()
		}
		devices[cat.ID] = dev
	}

	logging.Logger(r.Context()).Infof("discovery finished: %d scanned, %d total", len(scanned), len(devices))
	sendJSONResponse(w, r, map[string]interface{}{"devices": devices})
}

// AddDevice registers a directly-reachable device.  The caller supplies
// only the id and address; everything else is enriched from the catalog.
func (h *DevicesHandler) AddDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
		IP       string `json:"ip"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}

	cat, ok := h.catalog.Find(body.DeviceID)
	if !ok {
		sendError(w, r, router.E(router.CategoryNotFound, "device %s not found in catalog", body.DeviceID))
		return
	}

	rec := registry.DeviceRecord{
		ID:              body.DeviceID,
		Name:            cat.Name,
		IP:              body.IP,
		LocalKey:        cat.Key,
		Version:         registry.ProtocolVersion(cat.Version.OrDefault()),
		ProductName:     cat.ProductName,
		Mapping:         cat.Mapping,
		DefaultFeatures: []string{},
	}
	if err := h.store.Put(body.DeviceID, rec); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("saving device registry")
		http.Error(w, "unable to save device registry", http.StatusInternalServerError)
		return
	}

	logging.Logger(r.Context()).Infof("registered device %s at %s", body.DeviceID, body.IP)
	sendJSONResponse(w, r, map[string]string{"status": "success", "device_id": body.DeviceID})
}

// AddViaGateway registers a mesh sub-device reached through an
// already-configured gateway
func (h *DevicesHandler) AddViaGateway(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID  string `json:"device_id"`
		Name      string `json:"name"`
		GatewayID string `json:"gateway_id"`
		NodeID    string `json:"node_id"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}

	cat, ok := h.catalog.Find(body.DeviceID)
	if !ok {
		sendError(w, r, router.E(router.CategoryNotFound, "device %s not found in catalog", body.DeviceID))
		return
	}

	gwRec, err := h.store.Get(body.GatewayID)
	if err != nil {
		sendError(w, r, router.E(router.CategoryGatewayNotFound, "gateway device %s not configured", body.GatewayID))
		return
	}
	if gwRec.IsSubDevice() {
		sendError(w, r, router.E(router.CategoryGatewayNotFound, "gateway %s is itself gateway-attached", gwRec.ID))
		return
	}

	nodeID := body.NodeID
	if nodeID == "" {
		nodeID = cat.NodeID
	}
	if nodeID == "" {
		sendError(w, r, router.E(router.CategoryInvalidCommand, "node_id is required for gateway-attached devices"))
		return
	}

	name := body.Name
	if name == "" {
		name = cat.Name
	}

	rec := registry.DeviceRecord{
		ID:              body.DeviceID,
		Name:            name,
		LocalKey:        cat.Key,
		Version:         registry.ProtocolVersion(cat.Version.OrDefault()),
		ProductName:     cat.ProductName,
		Mapping:         cat.Mapping,
		GatewayID:       body.GatewayID,
		NodeID:          nodeID,
		DefaultFeatures: []string{},
	}
	if err := h.store.Put(body.DeviceID, rec); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("saving device registry")
		http.Error(w, "unable to save device registry", http.StatusInternalServerError)
		return
	}

	logging.Logger(r.Context()).Infof("registered sub-device %s behind gateway %s (node %s)",
		body.DeviceID, body.GatewayID, nodeID)
	sendJSONResponse(w, r, map[string]string{"status": "success", "device_id": body.DeviceID})
}

// SetDefaultFeatures replaces the UI feature list of a device
func (h *DevicesHandler) SetDefaultFeatures(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Features []string `json:"features"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}

	rec, err := h.store.Get(id)
	if err != nil {
		sendError(w, r, router.E(router.CategoryNotFound, "device %s not configured", id))
		return
	}

	if body.Features == nil {
		body.Features = []string{}
	}
	rec.DefaultFeatures = body.Features

	if err := h.store.Put(id, rec); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("saving device registry")
		http.Error(w, "unable to save device registry", http.StatusInternalServerError)
		return
	}

	sendJSONResponse(w, r, map[string]interface{}{
		"status":           "success",
		"device_id":        id,
		"default_features": rec.DefaultFeatures,
	})
}

// SetGateway flags or unflags a device as a gateway
func (h *DevicesHandler) SetGateway(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		IsGateway bool `json:"is_gateway"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}

	rec, err := h.store.Get(id)
	if err != nil {
		sendError(w, r, router.E(router.CategoryNotFound, "device %s not configured", id))
		return
	}

	rec.IsGateway = body.IsGateway

	if err := h.store.Put(id, rec); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("saving device registry")
		http.Error(w, "unable to save device registry", http.StatusInternalServerError)
		return
	}

	sendJSONResponse(w, r, map[string]interface{}{
		"status":     "success",
		"device_id":  id,
		"is_gateway": rec.IsGateway,
	})
}

// DeleteDevice removes a device from the registry
func (h *DevicesHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.store.Delete(id); err != nil {
		sendError(w, r, router.E(router.CategoryNotFound, "device %s not configured", id))
		return
	}

	logging.Logger(r.Context()).Infof("deleted device %s", id)
	sendJSONResponse(w, r, map[string]string{"status": "success"})
}

// ListDevices dumps the whole registry keyed by device id
func (h *DevicesHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, r, h.store.All())
}

// Control dispatches one command to a device and answers with its
// post-command state
func (h *DevicesHandler) Control(w http.ResponseWriter, r *http.Request) {
	if h.scanLock.InProgress() {
		sendError(w, r, router.E(router.CategoryBusy, "a discovery scan is in progress"))
		return
	}

	id := mux.Vars(r)["id"]

	var cmd router.Command
	if !decodeOrFail(w, r, &cmd) {
		return
	}

	result, err := h.router.Control(id, cmd)
	if err != nil {
		sendError(w, r, err)
		return
	}

	sendJSONResponse(w, r, result)
}

// Status answers with a device's current normalized state
func (h *DevicesHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.scanLock.InProgress() {
		sendError(w, r, router.E(router.CategoryBusy, "a discovery scan is in progress"))
		return
	}

	id := mux.Vars(r)["id"]

	result, err := h.router.Status(id)
	if err != nil {
		sendError(w, r, err)
		return
	}

	sendJSONResponse(w, r, result)
}

// bulkEntry is one device's outcome in a bulk status sweep: either its
// state or the error that prevented reading it
type bulkEntry struct {
	Result *router.StatusResult `json:"result,omitempty"`
	Error  *router.ErrorPayload `json:"error,omitempty"`
}

// BulkStatus sweeps the whole registry concurrently, with a bounded
// worker pool so a registry full of offline devices doesn't open every
// socket at once.  Per-device failures are reported inline.
func (h *DevicesHandler) BulkStatus(w http.ResponseWriter, r *http.Request) {
	if h.scanLock.InProgress() {
		sendError(w, r, router.E(router.CategoryBusy, "a discovery scan is in progress"))
		return
	}

	records := h.store.List()

	var mu sync.Mutex
	results := make(map[string]bulkEntry, len(records))

	limit := limiter.NewConcurrencyLimiter(h.maxStatusWorkers)
	for _, rec := range records {
		rec := rec
		limit.ExecuteWithTicket(func(ticket int) {
			result, err := h.router.Status(rec.ID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				payload := router.PayloadFor(err)
				results[rec.ID] = bulkEntry{Error: &payload}
				return
			}
			results[rec.ID] = bulkEntry{Result: result}
		})
	}
	limit.Wait()

	sendJSONResponse(w, r, map[string]interface{}{"devices": results})
}
