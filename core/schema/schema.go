// Copyright 2026 Basin Tech GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@basin-tech.com
//

/*Package schema implements the schema registry: it owns collection and
field metadata and keeps the physical table shape in sync with it.

Every schema mutation applies metadata and DDL in one transaction; on
failure neither changes. Record operations acquire a shared per-collection
lock through the registry so they never observe a half-migrated shape.
*/
package schema

import (
	"github.com/basin-tech/basin/core"
	"github.com/basin-tech/basin/core/types"
)

// Kind distinguishes plain collections from auth collections, which
// additionally carry credential columns.
type Kind string

// all supported collection kinds
const (
	KindBase Kind = "base"
	KindAuth Kind = "auth"
)

// Valid reports whether k is a known collection kind.
func (k Kind) Valid() bool {
	return k == KindBase || k == KindAuth
}

// system column names present in every collection table. They are engine
// managed and cannot be declared as fields.
const (
	ColumnID        = "id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
)

// credential columns of auth collections. The secret ones never appear in
// read responses.
const (
	ColumnEmail        = "email"
	ColumnPasswordHash = "password_hash"
	ColumnTokenKey     = "token_key"
)

// Field is one column definition owned by a collection.
type Field struct {
	ID           string          `json:"id"`
	CollectionID string          `json:"collectionId"`
	Name         string          `json:"name"`
	Type         types.FieldType `json:"type"`
	Required     bool            `json:"required"`
	Options      types.Options   `json:"options"`
	CreatedAt    string          `json:"created_at"`
}

// Collection is a named, mutable table definition. The field list is kept
// in declaration order.
type Collection struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Kind      Kind    `json:"kind"`
	Fields    []Field `json:"fields"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// Field returns the declared field with the given name.
func (c *Collection) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Columns returns the physical column names of the collection table, system
// columns first, then the declared fields in stable order. Credential
// columns of auth collections are not included; they are engine internal.
func (c *Collection) Columns() []string {
	columns := []string{ColumnID, ColumnCreatedAt, ColumnUpdatedAt}
	for _, f := range c.Fields {
		columns = append(columns, f.Name)
	}
	return columns
}

// RelationFields returns the declared relation fields.
func (c *Collection) RelationFields() []Field {
	var fields []Field
	for _, f := range c.Fields {
		if f.Type == types.FieldTypeRelation {
			fields = append(fields, f)
		}
	}
	return fields
}

// IsReservedFieldName reports whether name cannot be declared as a field.
func IsReservedFieldName(name string, kind Kind) bool {
	switch name {
	case ColumnID, ColumnCreatedAt, ColumnUpdatedAt:
		return true
	case ColumnEmail, ColumnPasswordHash, ColumnTokenKey:
		return kind == KindAuth
	}
	return false
}

// IsValidCollectionName reports whether name is a legal collection name.
// Names matching the system table prefix are never legal.
func IsValidCollectionName(name string) bool {
	if len(name) == 0 || name[:1] == core.SystemPrefix {
		return false
	}
	return core.IsValidName(name)
}

// columnType maps a field type to its sqlite column type.
func columnType(t types.FieldType) string {
	switch t {
	case types.FieldTypeNumber:
		return "REAL"
	case types.FieldTypeBool:
		return "INTEGER"
	default:
		return "TEXT"
	}
}
