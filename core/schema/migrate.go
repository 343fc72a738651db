package schema

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/basin-tech/basin/core/apierror"
	"github.com/basin-tech/basin/core/types"
)

// FieldPatch describes a partial field update. Nil members stay unchanged.
type FieldPatch struct {
	Name     *string          `json:"name,omitempty"`
	Type     *types.FieldType `json:"type,omitempty"`
	Required *bool            `json:"required,omitempty"`
	Options  *types.Options   `json:"options,omitempty"`
}

// UpdateField applies a partial update to a field: rename, retype, required
// toggle and option changes, in one transaction together with the physical
// column change. Retyping validates every stored value against the new
// type first and fails with validation if any value is not representable;
// nothing is lost silently.
func (r *Registry) UpdateField(collection, fieldName string, patch FieldPatch) (*Collection, error) {
	r.ddl.Lock()
	defer r.ddl.Unlock()

	c, lock, err := r.exclusive(collection)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	old, ok := c.Field(fieldName)
	if !ok {
		return nil, apierror.NotFound("no such field %q", fieldName)
	}

	updated := old
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Type != nil {
		updated.Type = *patch.Type
	}
	if patch.Required != nil {
		updated.Required = *patch.Required
	}
	if patch.Options != nil {
		updated.Options = *patch.Options
	}

	if updated.Name != old.Name {
		taken := map[string]bool{}
		for _, existing := range c.Fields {
			if existing.Name != old.Name {
				taken[existing.Name] = true
			}
		}
		if err := r.validateField(&updated, c.Kind, taken); err != nil {
			return nil, err
		}
	} else {
		if !updated.Type.Valid() {
			return nil, apierror.Validation("field %q has unknown type %q", fieldName, updated.Type).WithField(fieldName)
		}
		if err := types.ValidateOptions(updated.Type, updated.Options); err != nil {
			return nil, apierror.Validation("field %q: %s", fieldName, err).WithField(fieldName)
		}
	}
	if updated.Type == types.FieldTypeRelation && !r.relationTargetExists(updated.Options.Target, c.Name) {
		return nil, apierror.Validation("field %q relates to unknown collection %q",
			updated.Name, updated.Options.Target).WithField(updated.Name)
	}

	retype := updated.Type != old.Type

	// a required toggle needs every record to carry a value already, or a
	// default to backfill the gaps with
	var backfill interface{}
	if updated.Required && !old.Required {
		var nulls int
		if err := r.db.QueryRow(fmt.Sprintf(`SELECT count(*) FROM "%s" WHERE "%s" IS NULL;`,
			c.Name, old.Name)).Scan(&nulls); err != nil {
			return nil, apierror.Internal(err)
		}
		if nulls > 0 {
			if updated.Options.Default == nil {
				return nil, apierror.Validation(
					"making field %q required leaves %d records without a value; supply a default",
					updated.Name, nulls).WithField(updated.Name)
			}
			backfill, err = types.Validate(updated.Type, updated.Options.Default, updated.Options)
			if err != nil {
				return nil, apierror.Validation("field %q: invalid default: %s", updated.Name, err).WithField(updated.Name)
			}
		}
	}

	err = r.inTx(func(tx *sql.Tx) error {
		if retype {
			if err := migrateColumn(tx, c.Name, old, updated); err != nil {
				return err
			}
		} else if updated.Name != old.Name {
			if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE "%s" RENAME COLUMN "%s" TO "%s";`,
				c.Name, old.Name, updated.Name)); err != nil {
				return err
			}
		}
		if backfill != nil {
			if _, err := tx.Exec(fmt.Sprintf(`UPDATE "%s" SET "%s" = ? WHERE "%s" IS NULL;`,
				c.Name, updated.Name, updated.Name), backfill); err != nil {
				return err
			}
		}
		options, err := json.Marshal(updated.Options)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE "`+fieldsTable+`" SET name = ?, type = ?, required = ?, options = ? WHERE id = ?;`,
			updated.Name, string(updated.Type), updated.Required, string(options), updated.ID)
		return err
	})
	if err != nil {
		return nil, apierror.From(err)
	}

	next := *c
	next.Fields = make([]Field, len(c.Fields))
	for i, existing := range c.Fields {
		if existing.ID == updated.ID {
			next.Fields[i] = updated
		} else {
			next.Fields[i] = existing
		}
	}
	next.UpdatedAt = types.NowDateTime()
	r.swap(c.Name, &next)
	return &next, nil
}

// migrateColumn rebuilds the physical column under a new type. Every stored
// value must pass the new type's validation; the first offender aborts the
// whole transaction.
func migrateColumn(tx *sql.Tx, table string, old, updated Field) error {
	rows, err := tx.Query(fmt.Sprintf(`SELECT "%s", "%s" FROM "%s" WHERE "%s" IS NOT NULL;`,
		ColumnID, old.Name, table, old.Name))
	if err != nil {
		return err
	}
	ids := []string{}
	coercedValues := []interface{}{}
	for rows.Next() {
		var id string
		var stored interface{}
		if err := rows.Scan(&id, &stored); err != nil {
			rows.Close()
			return err
		}
		coerced, err := types.Validate(updated.Type, retypeRaw(old.Type, updated.Type, stored), updated.Options)
		if err != nil {
			rows.Close()
			return apierror.Validation("field %q: record %s: %s", updated.Name, id, err).WithField(updated.Name)
		}
		ids = append(ids, id)
		coercedValues = append(coercedValues, coerced)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	tmp := "_migrate_" + updated.ID
	if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN "%s" %s;`,
		table, tmp, columnType(updated.Type))); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := tx.Exec(fmt.Sprintf(`UPDATE "%s" SET "%s" = ? WHERE "%s" = ?;`,
			table, tmp, ColumnID), coercedValues[i], id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE "%s" DROP COLUMN "%s";`, table, old.Name)); err != nil {
		return err
	}
	_, err = tx.Exec(fmt.Sprintf(`ALTER TABLE "%s" RENAME COLUMN "%s" TO "%s";`, table, tmp, updated.Name))
	return err
}

// retypeRaw turns a stored value into the raw shape the new type accepts.
// Stored text that parses cleanly as the new type is representable; anything
// else stays as-is and fails the re-validation.
func retypeRaw(old, updated types.FieldType, stored interface{}) interface{} {
	raw := storedToRaw(old, stored)
	if old != types.FieldTypeText || updated == old {
		return raw
	}
	s, ok := raw.(string)
	if !ok {
		return raw
	}
	switch updated {
	case types.FieldTypeNumber:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case types.FieldTypeBool:
		switch s {
		case "true", "1":
			return true
		case "false", "0":
			return false
		}
	case types.FieldTypeJSON:
		var value interface{}
		if err := json.Unmarshal([]byte(s), &value); err == nil {
			return value
		}
	}
	return raw
}

// storedToRaw turns a stored sqlite value back into the raw shape the type
// system accepts, so it can be re-validated under its own type.
func storedToRaw(t types.FieldType, stored interface{}) interface{} {
	if b, ok := stored.([]byte); ok {
		stored = string(b)
	}
	switch t {
	case types.FieldTypeBool:
		switch v := stored.(type) {
		case bool:
			return v
		case int64:
			return v != 0
		}
	case types.FieldTypeNumber:
		switch v := stored.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
	case types.FieldTypeJSON, types.FieldTypeFile:
		if s, ok := stored.(string); ok {
			var value interface{}
			if err := json.Unmarshal([]byte(s), &value); err == nil {
				return value
			}
		}
	}
	return stored
}
