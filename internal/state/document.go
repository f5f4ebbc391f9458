// Package state implements the replicated document (C1): named maps with
// field-level last-writer-wins merge, change observation, and durable
// snapshot persistence.
//
// The document is a minimal, purpose-built CRDT substrate: no suitable Go
// CRDT library for a named-map, field-level-LWW document was available, so
// this package implements the merge rules directly (see DESIGN.md).
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MapName identifies one of the document's named maps.
type MapName string

const (
	MapNodes           MapName = "nodes"
	MapPendingInvites   MapName = "pendingInvites"
	MapAuthTickets      MapName = "authTickets"
	MapTasks            MapName = "tasks"
	MapMessages         MapName = "messages"
	MapContext          MapName = "context"
	MapPulse            MapName = "pulse"
	MapAgents           MapName = "agents"
	MapCoordination     MapName = "coordination"
)

// FieldValue is one field's value plus the clock it was written at.
type FieldValue struct {
	Raw   json.RawMessage `json:"raw"`
	Clock HLC             `json:"clock"`
}

// Record is a single key's CRDT record: a bag of independently-merged
// fields, plus tombstone state for deletion.
type Record struct {
	Fields    map[string]FieldValue `json:"fields"`
	Deleted   bool                  `json:"deleted,omitempty"`
	DeletedAt HLC                   `json:"deletedAt,omitzero"`
}

func newRecord() *Record {
	return &Record{Fields: make(map[string]FieldValue)}
}

// Update is the wire-level patch applied by ApplyRemoteUpdate and emitted by
// local mutations for replication over the sync transport (C2).
type Update struct {
	Map       MapName          `json:"map"`
	Key       string           `json:"key"`
	Fields    map[string]any   `json:"fields,omitempty"`
	Clock     HLC              `json:"clock"`
	Delete    bool             `json:"delete,omitempty"`
}

// CRDTMap is one named map within the Document. Safe for concurrent use.
type CRDTMap struct {
	mu              sync.RWMutex
	name            MapName
	records         map[string]*Record
	observers       []func(key string)
	updateObservers []func(Update)
}

func newCRDTMap(name MapName) *CRDTMap {
	return &CRDTMap{name: name, records: make(map[string]*Record)}
}

// Observe registers a handler invoked (outside the map's lock) after any
// local or remote mutation to a key in this map. Handlers must not block.
func (m *CRDTMap) Observe(handler func(key string)) {
	m.mu.Lock()
	m.observers = append(m.observers, handler)
	m.mu.Unlock()
}

// ObserveUpdates registers a handler invoked with the exact patch applied
// by a SetFields or Delete call, whether it originated locally or via
// ApplyRemoteUpdate. The sync transport uses this to relay locally
// originated writes to peers; handlers must not block.
func (m *CRDTMap) ObserveUpdates(handler func(Update)) {
	m.mu.Lock()
	m.updateObservers = append(m.updateObservers, handler)
	m.mu.Unlock()
}

func (m *CRDTMap) notify(key string) {
	m.mu.RLock()
	handlers := append([]func(key string){}, m.observers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		h(key)
	}
}

func (m *CRDTMap) notifyUpdate(u Update) {
	m.mu.RLock()
	handlers := append([]func(Update){}, m.updateObservers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		h(u)
	}
}

// SetFields merges the given field values into key's record using
// per-field last-writer-wins: a field is overwritten only if clock is
// strictly greater than the field's current clock. Fields not present in
// the call are left untouched — this is what gives a heartbeat map its
// in-place nested-field mutation instead of whole-record replacement.
func (m *CRDTMap) SetFields(key string, fields map[string]any, clock HLC) error {
	encoded := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("state: marshal field %s.%s: %w", key, k, err)
		}
		encoded[k] = raw
	}

	m.mu.Lock()
	rec, ok := m.records[key]
	if !ok {
		rec = newRecord()
		m.records[key] = rec
	}
	changed := false
	for fname, raw := range encoded {
		existing, has := rec.Fields[fname]
		if !has || existing.Clock.Less(clock) {
			rec.Fields[fname] = FieldValue{Raw: raw, Clock: clock}
			changed = true
		}
	}
	// A field-level write resurrects a tombstoned record if it is newer.
	if rec.Deleted && rec.DeletedAt.Less(clock) {
		rec.Deleted = false
		changed = true
	}
	m.mu.Unlock()

	if changed {
		m.notify(key)
		m.notifyUpdate(Update{Map: m.name, Key: key, Fields: fields, Clock: clock})
	}
	return nil
}

// Delete tombstones key at the given clock. A delete only takes effect if
// clock is newer than the record's current state (LWW on the tombstone
// itself), so a concurrent late-arriving field write can resurrect it only
// if that write's clock is newer still (handled in SetFields above).
func (m *CRDTMap) Delete(key string, clock HLC) {
	m.mu.Lock()
	rec, ok := m.records[key]
	if !ok {
		rec = newRecord()
		m.records[key] = rec
	}
	changed := !rec.Deleted || rec.DeletedAt.Less(clock)
	for _, fv := range rec.Fields {
		if !fv.Clock.Less(clock) {
			changed = false
			break
		}
	}
	if changed {
		rec.Deleted = true
		rec.DeletedAt = clock
	}
	m.mu.Unlock()
	if changed {
		m.notify(key)
		m.notifyUpdate(Update{Map: m.name, Key: key, Clock: clock, Delete: true})
	}
}

// Get decodes a non-deleted record's fields into a plain map. Returns
// (nil, false) if the key does not exist or is tombstoned.
func (m *CRDTMap) Get(key string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok || rec.Deleted {
		return nil, false
	}
	out := make(map[string]any, len(rec.Fields))
	for fname, fv := range rec.Fields {
		var v any
		if err := json.Unmarshal(fv.Raw, &v); err == nil {
			out[fname] = v
		}
	}
	return out, true
}

// GetField returns a single field's decoded value, tolerating both the
// structured field shape and absence.
func (m *CRDTMap) GetField(key, field string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok || rec.Deleted {
		return nil, false
	}
	fv, ok := rec.Fields[field]
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(fv.Raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// Has reports whether key exists and is not tombstoned.
func (m *CRDTMap) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the sorted keys of all non-deleted records.
func (m *CRDTMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k, rec := range m.records {
		if !rec.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of non-deleted records.
func (m *CRDTMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if !rec.Deleted {
			n++
		}
	}
	return n
}

// Range calls fn for every non-deleted key/decoded-record pair in
// unspecified order. fn must not call back into the map.
func (m *CRDTMap) Range(fn func(key string, value map[string]any)) {
	for _, k := range m.Keys() {
		if v, ok := m.Get(k); ok {
			fn(k, v)
		}
	}
}

// snapshotRecords returns a deep-enough copy of the raw record set, used by
// EncodeSnapshot/Compact/ApplyRemoteUpdate.
func (m *CRDTMap) snapshotRecords() map[string]*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Record, len(m.records))
	for k, rec := range m.records {
		fields := make(map[string]FieldValue, len(rec.Fields))
		for fk, fv := range rec.Fields {
			fields[fk] = fv
		}
		out[k] = &Record{Fields: fields, Deleted: rec.Deleted, DeletedAt: rec.DeletedAt}
	}
	return out
}

func (m *CRDTMap) loadRecords(records map[string]*Record) {
	m.mu.Lock()
	m.records = records
	m.mu.Unlock()
}

// Document is the full replicated state: a set of named CRDTMaps plus a
// local HLC clock for this node's writes.
type Document struct {
	nodeID string
	clock  *Clock

	mu   sync.RWMutex
	maps map[MapName]*CRDTMap
}

// NewDocument creates an empty document owned by nodeID.
func NewDocument(nodeID string) *Document {
	return &Document{
		nodeID: nodeID,
		clock:  NewClock(nodeID),
		maps:   make(map[MapName]*CRDTMap),
	}
}

// NodeID returns the local node id this document's clock is scoped to.
func (d *Document) NodeID() string { return d.nodeID }

// Tick returns the next local HLC timestamp for a write.
func (d *Document) Tick() HLC { return d.clock.Tick() }

// GetMap returns (creating if necessary) the named map.
func (d *Document) GetMap(name MapName) *CRDTMap {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.maps[name]
	if !ok {
		m = newCRDTMap(name)
		d.maps[name] = m
	}
	return m
}

// Observe registers a change handler on the named map (convenience wrapper
// over GetMap(name).Observe).
func (d *Document) Observe(name MapName, handler func(key string)) {
	d.GetMap(name).Observe(handler)
}

// ObserveUpdates registers handler on every map the document knows about,
// firing for every local or remote write. Callers that only want locally
// originated writes (e.g. the sync transport relaying to peers) should
// filter on u.Clock.NodeID == d.NodeID().
func (d *Document) ObserveUpdates(handler func(Update)) {
	for _, name := range allMapNames() {
		d.GetMap(name).ObserveUpdates(handler)
	}
}

// ApplyRemoteUpdate merges a single peer-originated Update into the
// document. Malformed updates are rejected (dropped with an error by the
// caller) rather than partially applied.
func (d *Document) ApplyRemoteUpdate(u Update) error {
	if u.Map == "" || u.Key == "" {
		return fmt.Errorf("state: update missing map or key")
	}
	m := d.GetMap(u.Map)
	d.clock.Observe(u.Clock)
	if u.Delete {
		m.Delete(u.Key, u.Clock)
		return nil
	}
	return m.SetFields(u.Key, u.Fields, u.Clock)
}

// allMapNames lists every map the document round-trips through
// snapshot/compact, in a fixed order so encoding is deterministic.
func allMapNames() []MapName {
	return []MapName{
		MapNodes, MapPendingInvites, MapAuthTickets, MapTasks, MapMessages,
		MapContext, MapPulse, MapAgents, MapCoordination,
	}
}

type wireDocument struct {
	Maps map[MapName]map[string]*Record `json:"maps"`
}

// encodeWire serializes the document's raw record state (including
// tombstones) to JSON, without compression.
func (d *Document) encodeWire() ([]byte, error) {
	wd := wireDocument{Maps: make(map[MapName]map[string]*Record)}
	for _, name := range allMapNames() {
		wd.Maps[name] = d.GetMap(name).snapshotRecords()
	}
	return json.Marshal(wd)
}

func (d *Document) loadWire(data []byte) error {
	var wd wireDocument
	if err := json.Unmarshal(data, &wd); err != nil {
		return fmt.Errorf("state: decode document: %w", err)
	}
	for name, records := range wd.Maps {
		d.GetMap(name).loadRecords(records)
	}
	return nil
}
