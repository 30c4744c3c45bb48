package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// SystemActor is the actor id of changes made without a principal.
const SystemActor = "system"

// Well-known action verbs. The vocabulary is open; any non-empty verb is accepted.
const (
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
	ActionPublish     = "publish"
	ActionUnpublish   = "unpublish"
	ActionLogin       = "login"
	ActionLoginFailed = "login_failed"
	ActionLogout      = "logout"
	ActionRead        = "read"
	ActionBulkRead    = "bulk_read"
	ActionBulkDelete  = "bulk_delete"
	ActionReorder     = "reorder"
	ActionToggle      = "toggle"
	ActionExport      = "export"
)

// Entry is one immutable activity log row.
type Entry struct {
	ID           string    `json:"id" db:"id"`
	ActorID      string    `json:"actor_id" db:"actor_id"`
	Action       string    `json:"action" db:"action"`
	Module       string    `json:"module" db:"module"`
	ResourceType string    `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty" db:"resource_id"`
	ResourceName string    `json:"resource_name,omitempty" db:"resource_name"`
	OldValues    Values    `json:"old_values,omitempty" db:"old_values"`
	NewValues    Values    `json:"new_values,omitempty" db:"new_values"`
	Metadata     Values    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Values is a JSON object snapshot. Leaves are strings, numbers, booleans, nulls,
// nested objects or lists, exactly what encoding/json produces.
type Values map[string]any

// Value stores Values as JSON text; an empty bag is NULL.
func (v Values) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(v))
	if err != nil {
		return nil, fmt.Errorf("marshal values: %w", err)
	}
	return string(b), nil
}

// Scan reads a JSON column.
func (v *Values) Scan(src any) error {
	var raw []byte
	switch s := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		raw = s
	case string:
		raw = []byte(s)
	default:
		return fmt.Errorf("unsupported values column type %T", src)
	}
	if len(raw) == 0 || string(raw) == "null" {
		*v = nil
		return nil
	}
	out := Values{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode values: %w", err)
	}
	*v = out
	return nil
}

// Normalize converts arbitrary Go values to their JSON representation so the
// stored snapshot looks the same whichever store holds it.
func Normalize(v Values) (Values, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(v))
	if err != nil {
		return nil, err
	}
	out := Values{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Diff keeps only the keys whose value differs between before and after.
// Keys present on one side only are kept on that side.
func Diff(before, after Values) (Values, Values) {
	nb, err := Normalize(before)
	if err != nil {
		nb = before
	}
	na, err := Normalize(after)
	if err != nil {
		na = after
	}
	oldOut, newOut := Values{}, Values{}
	for k, bv := range nb {
		av, ok := na[k]
		if !ok {
			oldOut[k] = bv
			continue
		}
		if !reflect.DeepEqual(bv, av) {
			oldOut[k] = bv
			newOut[k] = av
		}
	}
	for k, av := range na {
		if _, ok := nb[k]; !ok {
			newOut[k] = av
		}
	}
	if len(oldOut) == 0 {
		oldOut = nil
	}
	if len(newOut) == 0 {
		newOut = nil
	}
	return oldOut, newOut
}
