package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity grades how urgent an event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Module identifiers that the bus itself refers to.
const (
	ModuleCore    = "core"
	ModuleRecipes = "recipes"
	ModuleWebhook = "webhook"
	ModuleRank    = "rank"
)

// Well-known event types. Types are dotted "namespace.verb" strings; any
// module may emit types beyond this list.
const (
	TypeDispatchDepthExceeded = "core.dispatch_depth_exceeded"
	TypeRankPositionDropped   = "rank.position_dropped"
)

// ErrInvalid is wrapped by every validation failure returned from Validate.
var ErrInvalid = errors.New("invalid event")

// Event is the canonical, immutable record of something that happened.
type Event struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"event_type"`
	SourceModule string                 `json:"source_module"`
	Payload      map[string]interface{} `json:"payload"`
	SiteID       string                 `json:"site_id,omitempty"`
	Severity     Severity               `json:"severity"`
	OwnerID      string                 `json:"owner_id"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Namespace returns the part of the type before the first dot.
func (e *Event) Namespace() string {
	ns, _, _ := strings.Cut(e.Type, ".")
	return ns
}

// Validate checks the fields every event must carry before it is persisted.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalid)
	}
	if strings.TrimSpace(e.SourceModule) == "" {
		return fmt.Errorf("%w: source_module is required", ErrInvalid)
	}
	if e.Severity != "" && !e.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalid, e.Severity)
	}
	return nil
}

// Clone returns a deep copy of the event. The payload is copied through its
// JSON encoding, which is also the shape it has once persisted.
func (e *Event) Clone() (*Event, error) {
	cp := *e
	payload, err := NormalizePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	cp.Payload = payload
	return &cp, nil
}

// NormalizePayload round-trips p through JSON so numbers become float64 and
// nested values become plain maps and slices.
func NormalizePayload(p map[string]interface{}) (map[string]interface{}, error) {
	if p == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not serializable: %v", ErrInvalid, err)
	}
	return DecodePayload(raw)
}

// DecodePayload parses a stored payload column.
func DecodePayload(raw []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}
