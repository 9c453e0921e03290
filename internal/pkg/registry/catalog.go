package registry

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// CatalogRecord is one entry of the raw vendor device catalog, the
// externally-sourced metadata used to enrich user-submitted device ids
// during registration
type CatalogRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Key         string          `json:"key,omitempty"`
	Mac         string          `json:"mac,omitempty"`
	Category    string          `json:"category,omitempty"`
	ProductName string          `json:"product_name,omitempty"`
	ProductID   string          `json:"product_id,omitempty"`
	NodeID      string          `json:"node_id,omitempty"`
	Version     ProtocolVersion `json:"version,omitempty"`
	Mapping     Mapping         `json:"mapping,omitempty"`
}

// Catalog holds the raw device catalog.  Vendor exports come in three
// shapes: a plain list of records, an object wrapping the list under a
// "devices" key, or an object keyed by device id.  All three are
// canonicalised to one ordered slice at load time so nothing downstream
// has to branch on shape.
type Catalog struct {
	fileName string

	mu      sync.Mutex
	records []CatalogRecord
}

// NewCatalog creates a catalog backed by fileName
func NewCatalog(fileName string) *Catalog {
	return &Catalog{fileName: fileName}
}

// Load reads and canonicalises the catalog file.  A missing file yields
// an empty catalog; an unrecognisable one is an error.
func (c *Catalog) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = nil

	data, err := os.ReadFile(c.fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "opening device catalog %s", c.fileName)
	}

	records, err := decodeCatalog(data)
	if err != nil {
		return errors.Wrapf(err, "parsing device catalog %s", c.fileName)
	}

	c.records = records
	return nil
}

func decodeCatalog(data []byte) ([]CatalogRecord, error) {
	// A plain list of records
	var asList []CatalogRecord
	if err := json.Unmarshal(data, &asList); err == nil {
		return asList, nil
	}

	// The list wrapped under a "devices" key
	var wrapper struct {
		Devices []CatalogRecord `json:"devices"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Devices != nil {
		return wrapper.Devices, nil
	}

	// An object keyed by device id; sorted for deterministic order
	var asMap map[string]CatalogRecord
	if err := json.Unmarshal(data, &asMap); err != nil {
		return nil, errors.New("not a record list, a {devices: [...]} wrapper or an id-keyed object")
	}

	ids := make([]string, 0, len(asMap))
	for id := range asMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]CatalogRecord, 0, len(asMap))
	for _, id := range ids {
		rec := asMap[id]
		if rec.ID == "" {
			rec.ID = id
		}
		records = append(records, rec)
	}

	return records, nil
}

// Find returns the catalog record for a device id
func (c *Catalog) Find(id string) (CatalogRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range c.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return CatalogRecord{}, false
}

// Records returns a copy of all catalog records in canonical order
func (c *Catalog) Records() []CatalogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CatalogRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Replace overwrites the catalog, in memory and on disk.  Used by the
// cloud import to refresh local metadata wholesale.
func (c *Catalog) Replace(records []CatalogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := os.OpenFile(c.fileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening device catalog %s for write", c.fileName)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(records); err != nil {
		return errors.Wrapf(err, "saving device catalog to %s", c.fileName)
	}

	c.records = records
	return nil
}
