package router

import (
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/lantuya"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/registry"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/tuyacloud"
)

// DPValue is one normalized data point
type DPValue struct {
	Value  interface{} `json:"value"`
	Type   string      `json:"type"`
	Values interface{} `json:"values"`
	Code   string      `json:"code"`
}

// Status is a normalized device state, keyed by DP code
type Status map[string]DPValue

// DeviceInfo echoes the identity and capability schema of the device a
// status belongs to
type DeviceInfo struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Mapping registry.Mapping `json:"mapping"`
}

// SubDeviceReport carries the result of a gateway's sub-device
// enumeration, or the inline error if the query failed
type SubDeviceReport struct {
	Online  []string      `json:"online,omitempty"`
	Offline []string      `json:"offline,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// StatusResult is the uniform response shape for status and control
// requests
type StatusResult struct {
	DeviceInfo DeviceInfo `json:"device_info"`
	Status     Status     `json:"status"`

	// StatusError is set when a gateway's primary status lane failed but
	// sub-device enumeration still produced usable data
	StatusError *ErrorPayload    `json:"status_error,omitempty"`
	SubDevices  *SubDeviceReport `json:"sub_devices,omitempty"`
}

// NormalizeDPS maps a raw indexed data-point map to named, typed fields
// using the device's capability mapping.  An unmapped index is never
// dropped: it is reported under its stringified index with an Unknown
// type, preserving completeness over cleanliness.
func NormalizeDPS(dps lantuya.DPS, mapping registry.Mapping) Status {
	out := make(Status, len(dps))

	for index, value := range dps {
		code := index
		typ := "Unknown"
		var values interface{} = map[string]interface{}{}

		if entry, ok := mapping[index]; ok {
			if entry.Code != "" {
				code = entry.Code
			}
			if entry.Type != "" {
				typ = entry.Type
			}
			if entry.Values != nil {
				values = entry.Values
			}
		}

		out[code] = DPValue{
			Value:  value,
			Type:   typ,
			Values: values,
			Code:   code,
		}
	}

	return out
}

// NormalizeCloud maps a cloud status list (code/value pairs) to the
// same shape, resolving type metadata by reverse lookup of the code in
// the mapping.  The same never-drop fallback applies.
func NormalizeCloud(items []tuyacloud.CodeValue, mapping registry.Mapping) Status {
	out := make(Status, len(items))

	for _, item := range items {
		typ := "Unknown"
		var values interface{} = map[string]interface{}{}

		if entry, ok := mapping.ForCode(item.Code); ok {
			if entry.Type != "" {
				typ = entry.Type
			}
			if entry.Values != nil {
				values = entry.Values
			}
		}

		out[item.Code] = DPValue{
			Value:  item.Value,
			Type:   typ,
			Values: values,
			Code:   item.Code,
		}
	}

	return out
}

// Status fetches and normalizes the current state of a device over
// whichever transport its record selects
func (r *Router) Status(id string) (*StatusResult, error) {
	rec, err := r.store.Get(id)
	if err != nil {
		return nil, E(CategoryNotFound, "device %s not configured", id)
	}

	name := rec.Name
	if name == "" {
		name = "Unknown"
	}
	result := &StatusResult{
		DeviceInfo: DeviceInfo{
			ID:      rec.ID,
			Name:    name,
			Mapping: rec.Mapping,
		},
		Status: Status{},
	}

	switch {
	case rec.Method() == registry.ControlCloud:
		err = r.statusCloud(rec, result)
	case rec.IsSubDevice():
		err = r.statusViaGateway(rec, result)
	case rec.IsGateway:
		err = r.statusOfGateway(rec, result)
	default:
		err = r.statusDirect(rec, result)
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *Router) statusCloud(rec registry.DeviceRecord, result *StatusResult) error {
	client, ok := r.cloud.Client()
	if !ok {
		return E(CategoryUnconfigured, "cloud credentials not configured")
	}

	items, err := client.DeviceStatus(rec.ID)
	if err != nil {
		return Wrap(CategoryDispatchFailure, err, "querying cloud status")
	}

	result.Status = NormalizeCloud(items, rec.Mapping)
	return nil
}

func (r *Router) statusDirect(rec registry.DeviceRecord, result *StatusResult) error {
	if rec.IP == "" || rec.LocalKey == "" {
		return E(CategoryMissingConfig, "device %s is missing IP or local key", rec.ID)
	}

	conn, err := r.lan.OpenDirect(directOptions(rec))
	if err != nil {
		return Wrap(CategoryDispatchFailure, err, "opening device session")
	}
	defer conn.Close()

	dps, err := conn.Status()
	if err != nil {
		return Wrap(CategoryDispatchFailure, err, "querying device status")
	}

	result.Status = NormalizeDPS(dps, rec.Mapping)
	return nil
}

func (r *Router) statusViaGateway(rec registry.DeviceRecord, result *StatusResult) error {
	gw, child, err := r.openChild(rec)
	if err != nil {
		return err
	}
	defer gw.Close()

	dps, err := child.Status()
	if err != nil {
		return Wrap(CategoryDispatchFailure, err, "querying sub-device status")
	}

	result.Status = NormalizeDPS(dps, rec.Mapping)
	return nil
}

// statusOfGateway queries a gateway's own state plus its sub-device
// roster.  The two lanes are independent: the request succeeds if
// either produced usable data, and the failed lane is reported inline.
func (r *Router) statusOfGateway(rec registry.DeviceRecord, result *StatusResult) error {
	if rec.IP == "" || rec.LocalKey == "" {
		return E(CategoryMissingConfig, "gateway %s is missing IP or local key", rec.ID)
	}

	gw, err := r.openGateway(rec)
	if err != nil {
		return err
	}
	defer gw.Close()

	dps, statusErr := gw.Status()
	subs, subsErr := gw.SubDevices()

	if statusErr != nil && subsErr != nil {
		return Wrap(CategoryDispatchFailure, statusErr, "querying gateway status")
	}

	if statusErr != nil {
		payload := PayloadFor(Wrap(CategoryDispatchFailure, statusErr, "querying gateway status"))
		result.StatusError = &payload
	} else {
		result.Status = NormalizeDPS(dps, rec.Mapping)
	}

	if subsErr != nil {
		payload := PayloadFor(Wrap(CategoryEnumerationFailure, subsErr, "enumerating sub-devices"))
		result.SubDevices = &SubDeviceReport{Error: &payload}
	} else {
		result.SubDevices = &SubDeviceReport{Online: subs.Online, Offline: subs.Offline}
	}

	return nil
}
