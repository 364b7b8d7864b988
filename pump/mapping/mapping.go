/*Package mapping is the durable sensor-to-device mapping store.

The store is a single JSON file, typically mounted into the container from
the outside. It is written once at the end of provisioning and is strictly
read-only while the relay runs. Writes replace the file atomically via a
temporary file and rename, so an interrupted write can never corrupt an
existing mapping.
*/
package mapping

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/pump/pump"
)

// ErrCorrupt is returned by Load when the mapping file exists but cannot
// be parsed. An empty or missing file is not corrupt, it simply means
// provisioning has not run yet.
var ErrCorrupt = errors.New("mapping store corrupt")

// Entry is one persisted sensor-to-device association
type Entry struct {
	SensorID     string                 `json:"sensor_id"`
	DeviceID     string                 `json:"device_instance_id"`
	DeviceTypeID string                 `json:"device_type_id"`
	Credentials  pump.DeviceCredentials `json:"credentials"`
}

// content is the serialized form of the store. The revision advances on
// every save and lets a reader detect concurrent external edits on a
// best-effort basis.
type content struct {
	Revision    int64                      `json:"revision"`
	DeviceTypes map[string]pump.DeviceType `json:"device_types"`
	Entries     map[string]Entry           `json:"entries"`
}

// Store is the file backed mapping table. It is safe for concurrent
// readers; the provisioner is the only writer and never runs concurrently
// with the relay.
type Store struct {
	path string

	mu      sync.RWMutex
	content content
}

// New creates a store for the mapping file at path. Call Load before
// anything else.
func New(path string) *Store {
	return &Store{
		path: path,
		content: content{
			DeviceTypes: map[string]pump.DeviceType{},
			Entries:     map[string]Entry{},
		},
	}
}

// Load reads the mapping file. A missing or empty file yields an empty
// store. A file that exists but does not parse yields ErrCorrupt.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read mapping file %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	var c content
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if c.DeviceTypes == nil {
		c.DeviceTypes = map[string]pump.DeviceType{}
	}
	if c.Entries == nil {
		c.Entries = map[string]Entry{}
	}
	s.content = c
	return nil
}

// Save atomically replaces the mapping file with the current store
// content and advances the revision. On failure the previous file content
// is left unchanged.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content.Revision++
	data, err := json.MarshalIndent(s.content, "", "  ")
	if err != nil {
		s.content.Revision--
		return fmt.Errorf("marshal mapping: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".mapping-*.json")
	if err != nil {
		s.content.Revision--
		return fmt.Errorf("write mapping file %s: %w", s.path, err)
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, s.path)
	}
	if err != nil {
		os.Remove(tmpName)
		s.content.Revision--
		return fmt.Errorf("write mapping file %s: %w", s.path, err)
	}
	return nil
}

// Revision returns the persisted revision marker
func (s *Store) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content.Revision
}

// IsEmpty returns true if the store holds no entries
func (s *Store) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.content.Entries) == 0
}

// Len returns the number of entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.content.Entries)
}

// Lookup returns the entry for the given sensor
func (s *Store) Lookup(sensorID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.content.Entries[sensorID]
	return entry, ok
}

// Resolve returns the entry for the given sensor together with the bound
// device type
func (s *Store) Resolve(sensorID string) (Entry, pump.DeviceType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.content.Entries[sensorID]
	if !ok {
		return Entry{}, pump.DeviceType{}, false
	}
	for _, deviceType := range s.content.DeviceTypes {
		if deviceType.ID == entry.DeviceTypeID {
			return entry, deviceType, true
		}
	}
	return Entry{}, pump.DeviceType{}, false
}

// DeviceTypeForKind returns the device type created for the given
// measurement kind. There is at most one device type per kind for the
// lifetime of the mapping.
func (s *Store) DeviceTypeForKind(kind string) (pump.DeviceType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deviceType, ok := s.content.DeviceTypes[kind]
	return deviceType, ok
}

// PutDeviceType stores the device type for its measurement kind
func (s *Store) PutDeviceType(deviceType pump.DeviceType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content.DeviceTypes[deviceType.Kind] = deviceType
}

// Put adds an entry to the store. It enforces that a sensor maps to at
// most one device and that no two sensors share a device.
func (s *Store) Put(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.content.Entries[entry.SensorID]; ok && existing.DeviceID != entry.DeviceID {
		return fmt.Errorf("sensor %s is already mapped to device %s", entry.SensorID, existing.DeviceID)
	}
	for _, other := range s.content.Entries {
		if other.DeviceID == entry.DeviceID && other.SensorID != entry.SensorID {
			return fmt.Errorf("device %s is already mapped to sensor %s", entry.DeviceID, other.SensorID)
		}
	}
	s.content.Entries[entry.SensorID] = entry
	return nil
}

// Entries returns a copy of all entries
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]Entry, 0, len(s.content.Entries))
	for _, entry := range s.content.Entries {
		entries = append(entries, entry)
	}
	return entries
}
