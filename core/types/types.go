/*Package types implements the field type system of the record engine.

Validation is pure and deterministic: identical (type, raw value, options)
always yield the same coerced value or the same error. No I/O happens here;
relation existence checks and file uploads are performed by the record
engine and the filestore collaborator respectively.
*/
package types

import (
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// FieldType is the tagged variant for field types. Every variant has its own
// validation rule in Validate.
type FieldType string

// all supported field types
const (
	FieldTypeText     FieldType = "text"
	FieldTypeNumber   FieldType = "number"
	FieldTypeBool     FieldType = "boolean"
	FieldTypeDateTime FieldType = "datetime"
	FieldTypeJSON     FieldType = "json"
	FieldTypeRelation FieldType = "relation"
	FieldTypeFile     FieldType = "file"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeText, FieldTypeNumber, FieldTypeBool, FieldTypeDateTime,
		FieldTypeJSON, FieldTypeRelation, FieldTypeFile:
		return true
	}
	return false
}

// DateTimeFormat is the canonical storage format for datetime values:
// RFC 3339 UTC with millisecond precision. The textual form sorts
// lexicographically in timestamp order.
const DateTimeFormat = "2006-01-02T15:04:05.000Z"

// NowDateTime returns the current time in the canonical datetime form.
func NowDateTime() string {
	return time.Now().UTC().Format(DateTimeFormat)
}

// ParseDateTime parses an ISO-8601 timestamp and returns its canonical form.
func ParseDateTime(s string) (string, error) {
	for _, layout := range []string{time.RFC3339Nano, DateTimeFormat, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(DateTimeFormat), nil
		}
	}
	return "", fmt.Errorf("invalid datetime value %q", s)
}

// Options carries the type-specific settings of a field.
type Options struct {
	// Target is the name of the collection a relation field points to.
	Target string `json:"target,omitempty"`
	// MaxCount limits the number of descriptors of a file field. Zero means one.
	MaxCount int `json:"maxCount,omitempty"`
	// MaxSize limits the byte size of a single file. Zero means unlimited.
	MaxSize int64 `json:"maxSize,omitempty"`
	// Kinds lists the allowed file kinds (mime types). Empty means any.
	Kinds []string `json:"kinds,omitempty"`
	// Schema is an optional JSON schema source for json fields.
	Schema json.RawMessage `json:"schema,omitempty"`
	// Default is the backfill value when a required field is added to a
	// collection that already has records.
	Default interface{} `json:"default,omitempty"`
}

// FileDescriptor is the stored reference for one uploaded file, as returned
// by the filestore collaborator.
type FileDescriptor struct {
	Ref  string `json:"ref"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Kind string `json:"kind"`
}

// ValidateOptions checks the legality of options for the given field type
// at schema-mutation time.
func ValidateOptions(t FieldType, opts Options) error {
	if !t.Valid() {
		return fmt.Errorf("unknown field type %q", t)
	}
	switch t {
	case FieldTypeRelation:
		if opts.Target == "" {
			return fmt.Errorf("relation field requires a target collection")
		}
	case FieldTypeFile:
		if opts.MaxCount < 0 {
			return fmt.Errorf("file maxCount must not be negative")
		}
		if opts.MaxSize < 0 {
			return fmt.Errorf("file maxSize must not be negative")
		}
	case FieldTypeJSON:
		if len(opts.Schema) > 0 {
			sl := gojsonschema.NewSchemaLoader()
			if _, err := sl.Compile(gojsonschema.NewBytesLoader(opts.Schema)); err != nil {
				return fmt.Errorf("invalid json schema: %s", err)
			}
		}
	}
	if opts.Default != nil {
		if _, err := Validate(t, opts.Default, Options{Target: opts.Target, MaxCount: opts.MaxCount, MaxSize: opts.MaxSize, Kinds: opts.Kinds, Schema: opts.Schema}); err != nil {
			return fmt.Errorf("invalid default value: %s", err)
		}
	}
	return nil
}

// Validate coerces raw into the canonical stored representation for t, or
// fails with a description of the offense. A nil raw value passes and stays
// nil; required-ness is checked by the caller, which knows whether the value
// was submitted at all.
func Validate(t FieldType, raw interface{}, opts Options) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch t {
	case FieldTypeText:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", raw)
		}
		return s, nil

	case FieldTypeNumber:
		var f float64
		switch v := raw.(type) {
		case float64:
			f = v
		case float32:
			f = float64(v)
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case json.Number:
			parsed, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", v.String())
			}
			f = parsed
		default:
			return nil, fmt.Errorf("expected a number, got %T", raw)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number must be finite")
		}
		return f, nil

	case FieldTypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case float64:
			if v == 0 {
				return false, nil
			}
			if v == 1 {
				return true, nil
			}
		case int:
			if v == 0 {
				return false, nil
			}
			if v == 1 {
				return true, nil
			}
		}
		return nil, fmt.Errorf("expected a boolean or 0/1, got %v", raw)

	case FieldTypeDateTime:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected an ISO-8601 string, got %T", raw)
		}
		return ParseDateTime(s)

	case FieldTypeJSON:
		canonical, err := json.MarshalWithOption(raw, json.DisableHTMLEscape())
		if err != nil {
			return nil, fmt.Errorf("value is not JSON-serializable: %s", err)
		}
		if len(opts.Schema) > 0 {
			result, err := gojsonschema.Validate(
				gojsonschema.NewBytesLoader(opts.Schema),
				gojsonschema.NewBytesLoader(canonical))
			if err != nil {
				return nil, fmt.Errorf("cannot validate against json schema: %s", err)
			}
			if !result.Valid() {
				return nil, fmt.Errorf("value does not follow the field's json schema: %s", result.Errors()[0])
			}
		}
		return string(canonical), nil

	case FieldTypeRelation:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a record id string, got %T", raw)
		}
		if s == "" {
			return nil, nil
		}
		return s, nil

	case FieldTypeFile:
		descriptors, err := fileDescriptors(raw)
		if err != nil {
			return nil, err
		}
		maxCount := opts.MaxCount
		if maxCount == 0 {
			maxCount = 1
		}
		if len(descriptors) > maxCount {
			return nil, fmt.Errorf("at most %d files allowed, got %d", maxCount, len(descriptors))
		}
		for _, d := range descriptors {
			if d.Ref == "" {
				return nil, fmt.Errorf("file descriptor lacks a storage reference")
			}
			if opts.MaxSize > 0 && d.Size > opts.MaxSize {
				return nil, fmt.Errorf("file %q exceeds the maximum size of %d bytes", d.Name, opts.MaxSize)
			}
			if len(opts.Kinds) > 0 && !contains(opts.Kinds, d.Kind) {
				return nil, fmt.Errorf("file kind %q is not allowed", d.Kind)
			}
		}
		canonical, _ := json.MarshalWithOption(descriptors, json.DisableHTMLEscape())
		return string(canonical), nil
	}
	return nil, fmt.Errorf("unknown field type %q", t)
}

func fileDescriptors(raw interface{}) ([]FileDescriptor, error) {
	// accept a single descriptor or a list of descriptors
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid file descriptor: %s", err)
	}
	var list []FileDescriptor
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var single FileDescriptor
	if err := json.Unmarshal(data, &single); err == nil {
		return []FileDescriptor{single}, nil
	}
	return nil, fmt.Errorf("expected a file descriptor or a list of file descriptors")
}

func contains(list []string, s string) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
