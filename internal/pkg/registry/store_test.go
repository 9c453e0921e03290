package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRecord(id string) DeviceRecord {
	return DeviceRecord{
		ID:       id,
		Name:     "Test Plug",
		IP:       "192.168.1.50",
		LocalKey: "0123456789abcdef",
		Version:  ProtocolVersion(3.3),
		Mapping: Mapping{
			"1": {Code: "switch_1", Type: "Boolean"},
		},
		DefaultFeatures: []string{},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	assert := assert.New(t)

	fileName := filepath.Join(t.TempDir(), "devices.json")

	s := NewStore(fileName)
	assert.NoError(s.Load())
	assert.NoError(s.Put("D1", testRecord("D1")))

	// A fresh store loading the same file sees the record
	s2 := NewStore(fileName)
	assert.NoError(s2.Load())

	rec, err := s2.Get("D1")
	assert.NoError(err)
	assert.Equal("Test Plug", rec.Name)
	assert.Equal("192.168.1.50", rec.IP)
	assert.Equal("0123456789abcdef", rec.LocalKey)
	assert.Equal("switch_1", rec.Mapping["1"].Code)
}

func TestStoreMissingFile(t *testing.T) {
	assert := assert.New(t)

	s := NewStore(filepath.Join(t.TempDir(), "nope.json"))
	assert.NoError(s.Load())
	assert.Empty(s.List())
}

func TestStoreMalformedFile(t *testing.T) {
	assert := assert.New(t)

	fileName := filepath.Join(t.TempDir(), "devices.json")
	assert.NoError(os.WriteFile(fileName, []byte("this is not json"), 0644))

	s := NewStore(fileName)
	assert.NoError(s.Load())
	assert.Empty(s.List())
}

func TestStoreGetUnknown(t *testing.T) {
	assert := assert.New(t)

	s := NewStore(filepath.Join(t.TempDir(), "devices.json"))
	_, err := s.Get("nope")
	assert.ErrorIs(err, ErrNotFound)
}

func TestStoreDeleteUnknownLeavesFile(t *testing.T) {
	assert := assert.New(t)

	fileName := filepath.Join(t.TempDir(), "devices.json")
	s := NewStore(fileName)
	assert.NoError(s.Put("D1", testRecord("D1")))

	before, err := os.ReadFile(fileName)
	assert.NoError(err)

	assert.ErrorIs(s.Delete("nope"), ErrNotFound)

	after, err := os.ReadFile(fileName)
	assert.NoError(err)
	assert.Equal(before, after, "failed delete must not rewrite the file")
}

func TestStoreDelete(t *testing.T) {
	assert := assert.New(t)

	fileName := filepath.Join(t.TempDir(), "devices.json")
	s := NewStore(fileName)
	assert.NoError(s.Put("D1", testRecord("D1")))
	assert.NoError(s.Delete("D1"))
	assert.False(s.Has("D1"))

	s2 := NewStore(fileName)
	assert.NoError(s2.Load())
	assert.False(s2.Has("D1"))
}

func TestStoreListOrdered(t *testing.T) {
	assert := assert.New(t)

	s := NewStore(filepath.Join(t.TempDir(), "devices.json"))
	assert.NoError(s.Put("D2", testRecord("D2")))
	assert.NoError(s.Put("D1", testRecord("D1")))
	assert.NoError(s.Put("D3", testRecord("D3")))

	list := s.List()
	assert.Len(list, 3)
	assert.Equal("D1", list[0].ID)
	assert.Equal("D2", list[1].ID)
	assert.Equal("D3", list[2].ID)
}

func TestStoreBackfillsID(t *testing.T) {
	assert := assert.New(t)

	fileName := filepath.Join(t.TempDir(), "devices.json")
	data := `{"D1": {"name": "No ID Plug", "default_features": []}}`
	assert.NoError(os.WriteFile(fileName, []byte(data), 0644))

	s := NewStore(fileName)
	assert.NoError(s.Load())

	rec, err := s.Get("D1")
	assert.NoError(err)
	assert.Equal("D1", rec.ID)
}
