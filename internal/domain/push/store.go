package push

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/oklog/ulid/v2"
)

const lastUpdatedField = "last_updated"

const defaultChangeLogSize = 10000

// StoredObject is the local copy of a resource object.
type StoredObject struct {
	Ref         Ref
	Body        json.RawMessage
	LastUpdated time.Time
	Version     int
}

// Change is one property of an object changing value.
type Change struct {
	ID       string          `json:"id"`
	At       time.Time       `json:"at"`
	Ref      Ref             `json:"ref"`
	Property string          `json:"property"`
	Old      json.RawMessage `json:"old,omitempty"`
	New      json.RawMessage `json:"new,omitempty"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock sets the clock stamping change log entries.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithChangeLogSize bounds the number of change entries kept.
func WithChangeLogSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxChanges = n
		}
	}
}

// Store holds resource objects and refuses updates older than the stored
// version unless the owning party allows downgrades.
type Store struct {
	mu              sync.RWMutex
	objects         map[string]*StoredObject
	changes         []Change
	maxChanges      int
	allowDowngrades func(parties.Identity) bool
	now             func() time.Time

	// lastMs never decreases, so change ids sort in log order even when the
	// clock steps back.
	lastMs  uint64
	entropy *ulid.MonotonicEntropy
}

// NewStore creates an empty store. allowDowngrades is consulted per owning
// party; nil means no party allows downgrades.
func NewStore(allowDowngrades func(parties.Identity) bool, opts ...StoreOption) *Store {
	if allowDowngrades == nil {
		allowDowngrades = func(parties.Identity) bool { return false }
	}
	s := &Store{
		objects:         make(map[string]*StoredObject),
		maxChanges:      defaultChangeLogSize,
		allowDowngrades: allowDowngrades,
		now:             time.Now,
		entropy:         ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the stored object.
func (s *Store) Get(ref Ref) (StoredObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[ref.Key()]
	if !ok {
		return StoredObject{}, false
	}
	return obj.copy(), true
}

// List returns the objects of one provider's module ordered by id.
func (s *Store) List(provider parties.Identity, module ocpi.ModuleID) []StoredObject {
	s.mu.RLock()
	out := make([]StoredObject, 0)
	for _, obj := range s.objects {
		if obj.Ref.Provider == provider && obj.Ref.Module == module {
			out = append(out, obj.copy())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b StoredObject) int { return strings.Compare(a.Ref.ID, b.Ref.ID) })
	return out
}

// Add stores a new object.
func (s *Store) Add(ref Ref, body json.RawMessage, at time.Time) error {
	body, err := compact(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[ref.Key()]; ok {
		return fmt.Errorf("%w: %s", ErrObjectExists, ref)
	}
	s.objects[ref.Key()] = &StoredObject{Ref: ref, Body: body, LastUpdated: at.UTC(), Version: 1}
	return nil
}

// Update replaces an existing object and returns the changed properties.
func (s *Store) Update(ref Ref, body json.RawMessage, at time.Time) ([]Change, error) {
	body, err := compact(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.objects[ref.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, ref)
	}
	return s.replace(existing, body, at)
}

// AddOrUpdate stores body, reporting whether the object was new.
func (s *Store) AddOrUpdate(ref Ref, body json.RawMessage, at time.Time) (bool, []Change, error) {
	body, err := compact(body)
	if err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.objects[ref.Key()]
	if !ok {
		s.objects[ref.Key()] = &StoredObject{Ref: ref, Body: body, LastUpdated: at.UTC(), Version: 1}
		return true, nil, nil
	}
	changes, err := s.replace(existing, body, at)
	return false, changes, err
}

// Patch merges the top-level properties of patch into an existing object.
func (s *Store) Patch(ref Ref, patch json.RawMessage, at time.Time) ([]Change, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: patch is not a JSON object", ErrInvalidObject)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.objects[ref.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, ref)
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(existing.Body, &merged); err != nil {
		return nil, fmt.Errorf("stored %s: %w", ref, err)
	}
	for k, v := range fields {
		merged[k] = v
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	if body, err = compact(body); err != nil {
		return nil, err
	}
	return s.replace(existing, body, at)
}

// replace runs with s.mu held. A rejected downgrade leaves existing untouched.
func (s *Store) replace(existing *StoredObject, body json.RawMessage, at time.Time) ([]Change, error) {
	if err := auth.CheckDowngrade(at, existing.LastUpdated, s.allowDowngrades(existing.Ref.Provider)); err != nil {
		return nil, fmt.Errorf("%s: %w", existing.Ref, err)
	}
	diffs, err := diffProperties(existing.Body, body)
	if err != nil {
		return nil, err
	}
	if len(diffs) == 0 {
		existing.LastUpdated = at.UTC()
		return nil, nil
	}

	now := s.now().UTC()
	changes := make([]Change, 0, len(diffs))
	for _, d := range diffs {
		changes = append(changes, Change{
			ID:       s.nextChangeID(now),
			At:       now,
			Ref:      existing.Ref,
			Property: d.property,
			Old:      d.old,
			New:      d.new,
		})
	}
	existing.Body = body
	existing.LastUpdated = at.UTC()
	existing.Version++
	s.appendChanges(changes)
	return changes, nil
}

// nextChangeID returns an id greater than every id issued before. Caller
// holds s.mu.
func (s *Store) nextChangeID(at time.Time) string {
	ms := max(ulid.Timestamp(at), s.lastMs)
	for {
		id, err := ulid.New(ms, s.entropy)
		if err == nil {
			s.lastMs = ms
			return id.String()
		}
		if !errors.Is(err, ulid.ErrMonotonicOverflow) {
			panic(fmt.Sprintf("change id entropy: %v", err))
		}
		ms++
	}
}

func (s *Store) appendChanges(changes []Change) {
	s.changes = append(s.changes, changes...)
	if over := len(s.changes) - s.maxChanges; over > 0 {
		s.changes = slices.Delete(s.changes, 0, over)
	}
}

// Changes returns the change log of one object, oldest first.
func (s *Store) Changes(ref Ref) []Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Change
	for _, c := range s.changes {
		if c.Ref == ref {
			out = append(out, c)
		}
	}
	return out
}

// ChangeLog returns up to limit of the most recent changes, oldest first.
func (s *Store) ChangeLog(limit int) []Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.changes) > limit {
		start = len(s.changes) - limit
	}
	return slices.Clone(s.changes[start:])
}

// ChangesAfter returns up to limit changes whose id sorts after afterID,
// oldest first. Ids ascend in log order, so the log is searched by id. An empty afterID starts at the oldest retained change.
func (s *Store) ChangesAfter(afterID string, limit int) []Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, _ := slices.BinarySearchFunc(s.changes, afterID, func(c Change, id string) int {
		return strings.Compare(c.ID, id)
	})
	if start < len(s.changes) && afterID != "" && s.changes[start].ID == afterID {
		start++
	}
	end := len(s.changes)
	if limit > 0 && end-start > limit {
		end = start + limit
	}
	return slices.Clone(s.changes[start:end])
}

func (o *StoredObject) copy() StoredObject {
	c := *o
	c.Body = slices.Clone(o.Body)
	return c
}

type propertyDiff struct {
	property string
	old      json.RawMessage
	new      json.RawMessage
}

// diffProperties compares two JSON objects property by property, ignoring
// last_updated. The result is ordered by property name.
func diffProperties(oldBody, newBody json.RawMessage) ([]propertyDiff, error) {
	var before, after map[string]json.RawMessage
	if err := json.Unmarshal(oldBody, &before); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	if err := json.Unmarshal(newBody, &after); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}

	names := make([]string, 0, len(before)+len(after))
	for k := range before {
		names = append(names, k)
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			names = append(names, k)
		}
	}
	slices.Sort(names)

	var diffs []propertyDiff
	for _, name := range names {
		if name == lastUpdatedField {
			continue
		}
		o, n := before[name], after[name]
		if bytes.Equal(o, n) {
			continue
		}
		diffs = append(diffs, propertyDiff{property: name, old: o, new: n})
	}
	return diffs, nil
}

// compact normalizes body so equal objects compare equal byte for byte.
// Objects are re-marshaled, which sorts their keys; numbers keep their text.
func compact(body json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidObject)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
