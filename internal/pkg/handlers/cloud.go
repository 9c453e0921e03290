package handlers

import (
	"net/http"
	"sync"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/logging"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/registry"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/router"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/tuyacloud"
)

// CloudHandler serves the cloud credential endpoints and owns the live
// cloud client.  It doubles as the router's cloud source, so credentials
// submitted at runtime take effect on the next request without a
// restart.
type CloudHandler struct {
	fileName  string
	catalog   *registry.Catalog
	newClient func(tuyacloud.Credentials) tuyacloud.Client

	mu     sync.Mutex
	creds  *tuyacloud.Credentials
	client tuyacloud.Client
}

// NewCloudHandler loads any persisted credentials and builds the client
// for them.  A missing credentials file just leaves the cloud
// unconfigured.
func NewCloudHandler(fileName string, catalog *registry.Catalog) (*CloudHandler, error) {
	h := &CloudHandler{
		fileName: fileName,
		catalog:  catalog,
		newClient: func(c tuyacloud.Credentials) tuyacloud.Client {
			return tuyacloud.NewLiveClient(c)
		},
	}

	creds, ok, err := tuyacloud.LoadCredentials(fileName)
	if err != nil {
		return nil, err
	}
	if ok {
		logging.Logger(nil).Infof("loaded cloud credentials: %s", creds)
		h.creds = &creds
		h.client = h.newClient(creds)
	}

	return h, nil
}

// WithClientFactory substitutes the client constructor, for tests
func (h *CloudHandler) WithClientFactory(f func(tuyacloud.Credentials) tuyacloud.Client) *CloudHandler {
	h.newClient = f
	if h.creds != nil {
		h.client = f(*h.creds)
	}
	return h
}

// Client yields the configured cloud client, if any
func (h *CloudHandler) Client() (tuyacloud.Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client == nil {
		return nil, false
	}
	return h.client, true
}

// GetConfig reports whether the cloud is configured.  The secret is
// never echoed back.
func (h *CloudHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	resp := map[string]interface{}{
		"configured": h.creds != nil,
	}
	if h.creds != nil {
		resp["api_key"] = h.creds.APIKey
		resp["api_region"] = h.creds.APIRegion
	}

	sendJSONResponse(w, r, resp)
}

// SetConfig validates, persists and activates new cloud credentials
func (h *CloudHandler) SetConfig(w http.ResponseWriter, r *http.Request) {
	var creds tuyacloud.Credentials
	if !decodeOrFail(w, r, &creds) {
		return
	}

	if err := creds.Validate(); err != nil {
		sendError(w, r, router.Wrap(router.CategoryInvalidCommand, err, "validating cloud credentials"))
		return
	}

	if err := creds.Save(h.fileName); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("saving cloud credentials")
		http.Error(w, "unable to save cloud credentials", http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	h.creds = &creds
	h.client = h.newClient(creds)
	h.mu.Unlock()

	logging.Logger(r.Context()).Infof("cloud credentials updated: %s", creds)
	sendJSONResponse(w, r, map[string]string{"status": "success"})
}

// Import pulls the account's device catalog from the cloud and replaces
// the local catalog with it
func (h *CloudHandler) Import(w http.ResponseWriter, r *http.Request) {
	client, ok := h.Client()
	if !ok {
		sendError(w, r, router.E(router.CategoryUnconfigured, "cloud credentials not configured"))
		return
	}

	records, err := client.Devices()
	if err != nil {
		sendError(w, r, router.Wrap(router.CategoryDispatchFailure, err, "importing cloud device catalog"))
		return
	}

	if err := h.catalog.Replace(records); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("saving device catalog")
		http.Error(w, "unable to save device catalog", http.StatusInternalServerError)
		return
	}

	logging.Logger(r.Context()).Infof("imported %d devices from cloud", len(records))
	sendJSONResponse(w, r, map[string]interface{}{"status": "success", "imported": len(records)})
}
