package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// Ref names one resource object: the party that owns it, its module and its
// id within that party.
type Ref struct {
	Provider parties.Identity `json:"provider"`
	Module   ocpi.ModuleID    `json:"module"`
	ID       string           `json:"id"`
}

func (r Ref) Key() string {
	return r.Provider.Key() + "/" + string(r.Module) + "/" + r.ID
}

func (r Ref) String() string {
	return r.Key()
}

// Object is a domain object about to be pushed. Value is converted to wire
// form by a Converter.
type Object struct {
	Ref
	LastUpdated time.Time
	Value       any
}

// Converter turns a domain object into its wire form. Warnings are
// non-fatal and travel with the result.
type Converter interface {
	ToWire(obj Object) (json.RawMessage, []string, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(obj Object) (json.RawMessage, []string, error)

func (f ConverterFunc) ToWire(obj Object) (json.RawMessage, []string, error) {
	return f(obj)
}

// JSONConverter marshals Value as a JSON object and fills in last_updated
// from the object when the value does not carry one.
type JSONConverter struct{}

func (JSONConverter) ToWire(obj Object) (json.RawMessage, []string, error) {
	data, err := json.Marshal(obj.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s: %w", obj.Module, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, nil, fmt.Errorf("%s %s is not a JSON object", obj.Module, obj.ID)
	}

	var warnings []string
	if _, ok := fields[lastUpdatedField]; !ok {
		if obj.LastUpdated.IsZero() {
			return nil, nil, fmt.Errorf("%w: %s %s", ErrMissingLastUpdated, obj.Module, obj.ID)
		}
		stamp, _ := json.Marshal(obj.LastUpdated.UTC().Format(time.RFC3339))
		fields[lastUpdatedField] = stamp
		warnings = append(warnings, "last_updated taken from the domain object")
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, err
	}
	return out, warnings, nil
}

// Filter decides whether an object is pushed at all.
type Filter func(obj Object) bool

// IncludeAll is the default Filter.
func IncludeAll(Object) bool { return true }

// CDRVerdict is the outcome of the usage record filter.
type CDRVerdict int

const (
	// CDRForward sends the record on.
	CDRForward CDRVerdict = iota
	// CDRDrop drops the record and reports it as Filtered.
	CDRDrop
	// CDRIgnore drops the record silently as a no-op.
	CDRIgnore
)

// CDRFilter classifies one usage record.
type CDRFilter func(obj Object) CDRVerdict

// ForwardAll is the default CDRFilter.
func ForwardAll(Object) CDRVerdict { return CDRForward }

// Status is the closed set of push outcomes.
type Status string

const (
	StatusEnqueued          Status = "ENQUEUED"
	StatusAdded             Status = "ADDED"
	StatusUpdated           Status = "UPDATED"
	StatusNoOperation       Status = "NO_OPERATION"
	StatusFiltered          Status = "FILTERED"
	StatusLockTimeout       Status = "LOCK_TIMEOUT"
	StatusDowngradeRejected Status = "DOWNGRADE_REJECTED"
	StatusError             Status = "ERROR"
)

// Succeeded reports whether the mutation was applied or deliberately skipped.
func (s Status) Succeeded() bool {
	switch s {
	case StatusEnqueued, StatusAdded, StatusUpdated, StatusNoOperation, StatusFiltered:
		return true
	default:
		return false
	}
}

// Result reports one mutation.
type Result struct {
	Ref        Ref
	Status     Status
	Warnings   []string
	Changes    []Change
	Deliveries int
	Err        error
}

// BatchResult reports each record of a batch individually.
type BatchResult struct {
	Results []Result
}

// Count returns how many records ended with status.
func (b BatchResult) Count(status Status) int {
	n := 0
	for _, r := range b.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

func (b BatchResult) Len() int {
	return len(b.Results)
}

var (
	ErrObjectExists       = errors.New("object already exists")
	ErrObjectNotFound     = errors.New("object not found")
	ErrMissingLastUpdated = errors.New("object has no last_updated")
	ErrInvalidObject      = errors.New("invalid object")
)
