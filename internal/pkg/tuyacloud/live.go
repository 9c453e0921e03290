package tuyacloud

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/logging"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/registry"
)

const defaultMinTokenValidity = time.Second * 60

// Regional API endpoints
var regionBaseURLs = map[string]string{
	"us": "https://openapi.tuyaus.com",
	"eu": "https://openapi.tuyaeu.com",
	"cn": "https://openapi.tuyacn.com",
	"in": "https://openapi.tuyain.com",
}

// Live talks to the vendor cloud OpenAPI.  Requests are signed with
// HMAC-SHA256 over the client id, access token, timestamp and a digest
// of the request; the access token is cached and refreshed shortly
// before expiry.
type Live struct {
	creds   Credentials
	baseURL string
	client  *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewLiveClient(creds Credentials) *Live {
	baseURL, ok := regionBaseURLs[strings.ToLower(creds.APIRegion)]
	if !ok {
		baseURL = regionBaseURLs["eu"]
	}

	return &Live{
		creds:   creds,
		baseURL: baseURL,
		client:  &http.Client{Timeout: time.Second * 15},
	}
}

func (c *Live) WithTimeout(d time.Duration) *Live {
	nc := *c
	nc.client = &http.Client{Timeout: d}
	return &nc
}

// WithBaseURL overrides the regional endpoint
func (c *Live) WithBaseURL(u string) *Live {
	nc := *c
	nc.baseURL = strings.TrimRight(u, "/")
	return &nc
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (c *Live) sign(message string) string {
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(message))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Result  json.RawMessage `json:"result"`
}

// do executes one signed API call and decodes the result envelope
func (c *Live) do(method, path string, body []byte, token string, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "building cloud API request")
	}

	t := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
	stringToSign := method + "\n" + sha256Hex(body) + "\n" + "\n" + path

	req.Header.Set("client_id", c.creds.APIKey)
	req.Header.Set("t", t)
	req.Header.Set("sign_method", "HMAC-SHA256")
	req.Header.Set("sign", c.sign(c.creds.APIKey+token+t+stringToSign))
	if token != "" {
		req.Header.Set("access_token", token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "executing cloud API call %s", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading cloud API response")
	}

	if resp.StatusCode != 200 {
		return errors.Errorf("non-200 code from cloud API %s: %d (%s): %s", path, resp.StatusCode, resp.Status, respBody)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return errors.Wrapf(err, "decoding cloud API response from %s", path)
	}
	if !env.Success {
		return errors.Errorf("cloud API error %d from %s: %s", env.Code, path, env.Msg)
	}

	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return errors.Wrapf(err, "decoding cloud API result from %s", path)
		}
	}

	return nil
}

// accessToken returns a cached token, fetching a fresh one when the
// cached one is missing or close to expiry
func (c *Live) accessToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.tokenExpiry.After(time.Now().Add(defaultMinTokenValidity)) {
		return c.token, nil
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpireTime  int64  `json:"expire_time"`
	}
	if err := c.do(http.MethodGet, "/v1.0/token?grant_type=1", nil, "", &result); err != nil {
		return "", errors.Wrap(err, "fetching cloud access token")
	}

	c.token = result.AccessToken
	c.tokenExpiry = time.Now().Add(time.Second * time.Duration(result.ExpireTime))

	return c.token, nil
}

func (c *Live) DeviceStatus(deviceID string) ([]CodeValue, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	var status []CodeValue
	if err := c.do(http.MethodGet, "/v1.0/devices/"+deviceID+"/status", nil, token, &status); err != nil {
		return nil, err
	}

	return status, nil
}

func (c *Live) SendCommands(deviceID string, commands []CodeValue) error {
	token, err := c.accessToken()
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]interface{}{"commands": commands})
	if err != nil {
		return errors.Wrap(err, "encoding cloud commands")
	}

	return c.do(http.MethodPost, "/v1.0/devices/"+deviceID+"/commands", body, token, nil)
}

// Devices pulls the account's device list, page by page, and enriches
// each entry with its DP mapping from the device model query.  A device
// whose model cannot be fetched is kept with an empty mapping.
func (c *Live) Devices() ([]registry.CatalogRecord, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	type cloudDevice struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		LocalKey    string `json:"local_key"`
		Category    string `json:"category"`
		ProductName string `json:"product_name"`
		ProductID   string `json:"product_id"`
		NodeID      string `json:"node_id"`
	}

	var records []registry.CatalogRecord
	lastRowKey := ""

	for {
		path := "/v1.0/iot-01/associated-users/devices?size=100"
		if lastRowKey != "" {
			path += "&last_row_key=" + lastRowKey
		}

		var page struct {
			Devices    []cloudDevice `json:"devices"`
			HasMore    bool          `json:"has_more"`
			LastRowKey string        `json:"last_row_key"`
		}
		if err := c.do(http.MethodGet, path, nil, token, &page); err != nil {
			return nil, err
		}

		for _, d := range page.Devices {
			mapping, err := c.deviceMapping(token, d.ID)
			if err != nil {
				logging.Logger(nil).WithError(err).Warnf("no DP mapping for cloud device %s", d.ID)
				mapping = nil
			}

			records = append(records, registry.CatalogRecord{
				ID:          d.ID,
				Name:        d.Name,
				Key:         d.LocalKey,
				Category:    d.Category,
				ProductName: d.ProductName,
				ProductID:   d.ProductID,
				NodeID:      d.NodeID,
				Mapping:     mapping,
			})
		}

		if !page.HasMore || page.LastRowKey == "" {
			break
		}
		lastRowKey = page.LastRowKey
	}

	return records, nil
}

// DP types as the local mapping names them
var modelTypeNames = map[string]string{
	"bool":   "Boolean",
	"value":  "Integer",
	"enum":   "Enum",
	"string": "String",
	"json":   "Json",
	"raw":    "Raw",
	"bitmap": "Bitmap",
}

// deviceMapping builds a DP index to code mapping from the cloud device
// model.  The model document itself arrives as a JSON string inside the
// result envelope.
func (c *Live) deviceMapping(token, deviceID string) (registry.Mapping, error) {
	var result struct {
		Model string `json:"model"`
	}
	if err := c.do(http.MethodGet, "/v2.0/cloud/thing/"+deviceID+"/model", nil, token, &result); err != nil {
		return nil, err
	}

	var model struct {
		Services []struct {
			Properties []struct {
				AbilityID int                    `json:"abilityId"`
				Code      string                 `json:"code"`
				TypeSpec  map[string]interface{} `json:"typeSpec"`
			} `json:"properties"`
		} `json:"services"`
	}
	if err := json.Unmarshal([]byte(result.Model), &model); err != nil {
		return nil, errors.Wrapf(err, "decoding device model for %s", deviceID)
	}

	mapping := make(registry.Mapping)
	for _, service := range model.Services {
		for _, prop := range service.Properties {
			entry := registry.MappingEntry{Code: prop.Code}

			values := make(map[string]interface{}, len(prop.TypeSpec))
			for k, v := range prop.TypeSpec {
				if k == "type" {
					if s, ok := v.(string); ok {
						entry.Type = modelTypeNames[s]
					}
					continue
				}
				values[k] = v
			}
			entry.Values = values

			mapping[strconv.Itoa(prop.AbilityID)] = entry
		}
	}

	return mapping, nil
}
