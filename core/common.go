package core

import (
	"fmt"
	"regexp"

	"github.com/goccy/go-json"
)

// Action represents a committed record mutation, one of Create, Update, Delete
type Action string

// all supported record mutations
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*a = Action(s)
	switch *a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Action", s)
	}
}

// Event describes a single committed mutation. Events are emitted by the
// record engine exactly once per successful create, update or delete and
// consumed by event sinks. They are not persisted.
type Event struct {
	Collection string                 `json:"collection"`
	Action     Action                 `json:"action"`
	Record     map[string]interface{} `json:"record"`
}

// RecordID returns the id of the mutated record, or the empty string if the
// record carries no id.
func (e Event) RecordID() string {
	id, _ := e.Record["id"].(string)
	return id
}

// EventSink receives change events from the record engine. The realtime
// fan-out hub is a sink; additional sinks (such as the kafka bridge) can be
// configured on the backend builder.
type EventSink interface {
	Publish(event Event)
}

// SystemPrefix is the reserved name prefix for system tables. Collection
// names must not start with it.
const SystemPrefix = "_"

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// IsValidName reports whether s is a legal collection or field name.
func IsValidName(s string) bool {
	return namePattern.MatchString(s)
}
