package device

import (
	"sort"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/protocol"
)

// Device statuses as carried in DeviceState/DeviceRecord documents.
const (
	StatusRegistered = "registered"
	StatusOnline     = "online"
	StatusOffline    = "offline"
	StatusFaulted    = "faulted"
)

type deviceEntry struct {
	rec  protocol.DeviceRecord
	caps map[string]protocol.Capability
}

// Registry is the in-memory device store plus the capability index used for
// intent routing. Authoritative state lives here; retained
// alicia/devices/<id>/state documents rebuild it after a restart.
type Registry struct {
	mu           sync.RWMutex
	devices      map[string]*deviceEntry
	byCapability map[string]map[string]struct{}

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		devices:      make(map[string]*deviceEntry),
		byCapability: make(map[string]map[string]struct{}),
		now:          time.Now,
	}
}

// Register adds or refreshes a device. A different device_type claiming an
// existing id is a conflict; same-type re-registration replaces metadata and
// capabilities but keeps registered_at and the current status.
func (r *Registry) Register(ann protocol.DeviceAnnouncement) (protocol.DeviceRecord, error) {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.devices[ann.DeviceID]
	if exists && entry.rec.DeviceType != ann.DeviceType {
		return protocol.DeviceRecord{}, ErrTypeConflict
	}

	if !exists {
		entry = &deviceEntry{
			rec: protocol.DeviceRecord{
				DeviceID:     ann.DeviceID,
				DeviceType:   ann.DeviceType,
				Status:       StatusRegistered,
				RegisteredAt: now,
			},
		}
		r.devices[ann.DeviceID] = entry
	}

	r.unindexLocked(entry)
	entry.rec.Room = ann.Room
	entry.rec.Capabilities = cloneCapabilities(ann.Capabilities)
	entry.rec.Metadata = cloneMetadata(ann.Metadata)
	entry.rec.LastSeen = now
	entry.caps = capMap(entry.rec.Capabilities)
	r.indexLocked(entry)

	r.updateGaugesLocked()
	return copyRecord(entry.rec), nil
}

// UpsertFromState applies a retained state document. Used for registry
// rebuild on startup and for device-published status updates. It reports
// the status before the upsert and whether the status changed.
func (r *Registry) UpsertFromState(st protocol.DeviceState) (rec protocol.DeviceRecord, from string, changed bool) {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.devices[st.DeviceID]
	if !exists {
		entry = &deviceEntry{
			rec: protocol.DeviceRecord{
				DeviceID:     st.DeviceID,
				DeviceType:   st.DeviceType,
				Status:       StatusRegistered,
				RegisteredAt: now,
			},
		}
		r.devices[st.DeviceID] = entry
	}

	if st.DeviceType != "" && entry.rec.DeviceType == "" {
		entry.rec.DeviceType = st.DeviceType
	}
	if st.Room != "" && st.Room != entry.rec.Room {
		entry.rec.Room = st.Room
	}
	if len(st.Capabilities) > 0 {
		r.unindexLocked(entry)
		entry.rec.Capabilities = cloneCapabilities(st.Capabilities)
		entry.caps = capMap(entry.rec.Capabilities)
		r.indexLocked(entry)
	} else if !exists {
		r.indexLocked(entry)
	}
	if len(st.Metadata) > 0 {
		entry.rec.Metadata = cloneMetadata(st.Metadata)
	}
	from = entry.rec.Status
	if st.Status != "" && st.Status != entry.rec.Status {
		entry.rec.Status = st.Status
		changed = true
	}
	entry.rec.LastSeen = now

	r.updateGaugesLocked()
	return copyRecord(entry.rec), from, changed
}

// Unregister removes a device and its index entries. Reports whether the
// device was known.
func (r *Registry) Unregister(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	r.unindexLocked(entry)
	delete(r.devices, deviceID)
	r.updateGaugesLocked()
	return true
}

func (r *Registry) Get(deviceID string) (protocol.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.devices[deviceID]
	if !ok {
		return protocol.DeviceRecord{}, ErrNotFound
	}
	return copyRecord(entry.rec), nil
}

// List returns devices matching every set field of the filter, sorted by
// device id.
func (r *Registry) List(f protocol.DeviceFilter) []protocol.DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.DeviceRecord, 0, len(r.devices))
	for _, entry := range r.devices {
		if f.DeviceType != "" && entry.rec.DeviceType != f.DeviceType {
			continue
		}
		if f.Room != "" && entry.rec.Room != f.Room {
			continue
		}
		if f.Status != "" && entry.rec.Status != f.Status {
			continue
		}
		if f.Capability != "" {
			if _, ok := entry.caps[f.Capability]; !ok {
				continue
			}
		}
		out = append(out, copyRecord(entry.rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Touch refreshes last_seen.
func (r *Registry) Touch(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	entry.rec.LastSeen = r.now().UTC()
	return nil
}

// SetStatus transitions a device's status and reports the previous status
// and whether anything changed.
func (r *Registry) SetStatus(deviceID, status string) (from string, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[deviceID]
	if !ok {
		return "", false, ErrNotFound
	}
	from = entry.rec.Status
	if from == status {
		return from, false, nil
	}
	entry.rec.Status = status
	entry.rec.LastSeen = r.now().UTC()
	r.updateGaugesLocked()
	return from, true, nil
}

// Capability looks up one capability schema on a device.
func (r *Registry) Capability(deviceID, name string) (protocol.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.devices[deviceID]
	if !ok {
		return protocol.Capability{}, ErrNotFound
	}
	c, ok := entry.caps[name]
	if !ok {
		return protocol.Capability{}, ErrUnknownCapability
	}
	return c, nil
}

// Status returns the device's current status.
func (r *Registry) Status(deviceID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.devices[deviceID]
	if !ok {
		return "", ErrNotFound
	}
	return entry.rec.Status, nil
}

// ResolveSelector answers intent routing: which devices expose capability,
// optionally narrowed by device_type and room. Sorted by device id.
func (r *Registry) ResolveSelector(deviceType, room, capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCapability[capability]
	out := make([]string, 0, len(ids))
	for id := range ids {
		entry := r.devices[id]
		if entry == nil {
			continue
		}
		if deviceType != "" && entry.rec.DeviceType != deviceType {
			continue
		}
		if room != "" && entry.rec.Room != room {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StatusChange records one sweep transition for event publication.
type StatusChange struct {
	DeviceID string
	From     string
}

// SweepOffline marks devices unseen for longer than threshold as offline
// and returns what changed, ordered by device id.
func (r *Registry) SweepOffline(threshold time.Duration) []StatusChange {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	var swept []StatusChange
	for id, entry := range r.devices {
		if entry.rec.Status != StatusOnline && entry.rec.Status != StatusRegistered {
			continue
		}
		if now.Sub(entry.rec.LastSeen) > threshold {
			swept = append(swept, StatusChange{DeviceID: id, From: entry.rec.Status})
			entry.rec.Status = StatusOffline
		}
	}
	if len(swept) > 0 {
		r.updateGaugesLocked()
	}
	sort.Slice(swept, func(i, j int) bool { return swept[i].DeviceID < swept[j].DeviceID })
	return swept
}

func (r *Registry) indexLocked(entry *deviceEntry) {
	for name := range entry.caps {
		set, ok := r.byCapability[name]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[name] = set
		}
		set[entry.rec.DeviceID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(entry *deviceEntry) {
	for name := range entry.caps {
		set := r.byCapability[name]
		delete(set, entry.rec.DeviceID)
		if len(set) == 0 {
			delete(r.byCapability, name)
		}
	}
}

func (r *Registry) updateGaugesLocked() {
	online := 0
	for _, entry := range r.devices {
		if entry.rec.Status == StatusOnline {
			online++
		}
	}
	metrics.DevicesRegistered.Set(float64(len(r.devices)))
	metrics.DevicesOnline.Set(float64(online))
}

func capMap(caps []protocol.Capability) map[string]protocol.Capability {
	m := make(map[string]protocol.Capability, len(caps))
	for _, c := range caps {
		m[c.Name] = c
	}
	return m
}

func cloneCapabilities(caps []protocol.Capability) []protocol.Capability {
	if caps == nil {
		return nil
	}
	out := make([]protocol.Capability, len(caps))
	copy(out, caps)
	return out
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyRecord(rec protocol.DeviceRecord) protocol.DeviceRecord {
	out := rec
	out.Capabilities = cloneCapabilities(rec.Capabilities)
	out.Metadata = cloneMetadata(rec.Metadata)
	return out
}
