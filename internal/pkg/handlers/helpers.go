package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/logging"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/router"
)

// HTTP status for each error category
var categoryStatus = map[router.Category]int{
	router.CategoryNotFound:           http.StatusNotFound,
	router.CategoryGatewayNotFound:    http.StatusNotFound,
	router.CategoryInvalidCommand:     http.StatusBadRequest,
	router.CategoryUnsupportedCommand: http.StatusBadRequest,
	router.CategoryBadMapping:         http.StatusBadRequest,
	router.CategoryUnconfigured:       http.StatusConflict,
	router.CategoryMissingConfig:      http.StatusInternalServerError,
	router.CategoryBusy:               http.StatusServiceUnavailable,
	router.CategoryDispatchFailure:    http.StatusBadGateway,
}

func sendJSONResponse(w http.ResponseWriter, r *http.Request, d interface{}) {
	w.Header().Set("Content-Type", "application/json")

	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("sending json response")
	}
}

// sendError maps a routing error to its HTTP status and structured
// payload
func sendError(w http.ResponseWriter, r *http.Request, err error) {
	logging.Logger(r.Context()).WithError(err).Errorf("request failed: %s", err)

	status, ok := categoryStatus[router.CategoryOf(err)]
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if encErr := enc.Encode(router.PayloadFor(err)); encErr != nil {
		logging.Logger(r.Context()).WithError(encErr).Error("sending error response")
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		value, _, _ := mime.ParseMediaType(ct)
		if value != "application/json" {
			return fmt.Errorf("expected JSON request, got %s", value)
		}
	}

	// 100kb max body
	reader := http.MaxBytesReader(w, r.Body, 100*1024)
	dec := json.NewDecoder(reader)

	if err := dec.Decode(&dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}

	return nil
}

// decodeOrFail decodes the request body, answering 400 itself on
// malformed input
func decodeOrFail(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := decodeJSONBody(w, r, dst); err != nil {
		logging.Logger(r.Context()).WithError(err).Errorf("decoding JSON")
		http.Error(w, "unable to parse JSON", http.StatusBadRequest)
		return false
	}
	return true
}
