// Copyright 2026 Basin Tech GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@basin-tech.com
//

package backend

import (
	"context"
	"database/sql"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/basin-tech/basin/core"
	"github.com/basin-tech/basin/core/access"
	"github.com/basin-tech/basin/core/apierror"
	"github.com/basin-tech/basin/core/hooks"
	"github.com/basin-tech/basin/core/logger"
	"github.com/basin-tech/basin/core/query"
	"github.com/basin-tech/basin/core/schema"
	"github.com/basin-tech/basin/core/types"
)

// Record is one stored instance of a collection, in response shape.
type Record map[string]interface{}

// ListResult is the list response envelope.
type ListResult struct {
	Items      []Record `json:"items"`
	Page       int      `json:"page"`
	PerPage    int      `json:"perPage"`
	TotalItems int      `json:"totalItems"`
	TotalPages int      `json:"totalPages"`
}

// ListRecords lists records of a collection. Reads run no hooks.
func (b *Backend) ListRecords(ctx context.Context, collection string, params url.Values) (*ListResult, error) {
	c, release, err := b.registry.Acquire(collection)
	if err != nil {
		return nil, err
	}
	defer release()

	q, err := query.Build(c, params, b.queryOpts)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot list %s", c.Name)
		return nil, apierror.Internal(err)
	}
	defer rows.Close()

	result := &ListResult{
		Items:   []Record{},
		Page:    q.Page,
		PerPage: q.PerPage,
	}
	columns := c.Columns()
	for rows.Next() {
		values := make([]interface{}, len(columns)+1)
		pointers := make([]interface{}, len(columns)+1)
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, apierror.Internal(err)
		}
		result.Items = append(result.Items, scanRecord(c, columns, values))
		if count, ok := values[len(columns)].(int64); ok {
			result.TotalItems = int(count)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Internal(err)
	}

	// an empty page beyond the last row has no window count, fall back
	if len(result.Items) == 0 {
		countArgs := q.Args[:len(q.Args)-2]
		if err := b.db.QueryRowContext(ctx, q.CountSQL, countArgs...).Scan(&result.TotalItems); err != nil {
			return nil, apierror.Internal(err)
		}
	}
	result.TotalPages = (result.TotalItems + result.PerPage - 1) / result.PerPage

	if err := b.expand(ctx, c, q.Expand, result.Items); err != nil {
		return nil, err
	}
	return result, nil
}

// GetRecord returns a single record by id, expanding the relation fields
// named in the expand parameter.
func (b *Backend) GetRecord(ctx context.Context, collection, id string, params url.Values) (Record, error) {
	c, release, err := b.registry.Acquire(collection)
	if err != nil {
		return nil, err
	}
	defer release()

	expand, err := query.Build(c, onlyExpand(params), b.queryOpts)
	if err != nil {
		return nil, err
	}
	record, err := b.fetch(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if err := b.expand(ctx, c, expand.Expand, []Record{record}); err != nil {
		return nil, err
	}
	return record, nil
}

func onlyExpand(params url.Values) url.Values {
	filtered := url.Values{}
	if v := params.Get("expand"); v != "" {
		filtered.Set("expand", v)
	}
	return filtered
}

// CreateRecord validates data against the collection's declared fields and
// inserts a new record. Unknown submitted keys are ignored; system fields
// are engine generated and never accepted from input.
func (b *Backend) CreateRecord(ctx context.Context, collection string, data map[string]interface{}) (Record, error) {
	c, release, err := b.registry.Acquire(collection)
	if err != nil {
		return nil, err
	}
	defer release()

	record := Record{}
	for _, f := range c.Fields {
		value, err := types.Validate(f.Type, data[f.Name], f.Options)
		if err != nil {
			return nil, apierror.Validation("%s", err).WithField(f.Name)
		}
		if f.Required && value == nil {
			return nil, apierror.Validation("missing required field %q", f.Name).WithField(f.Name)
		}
		record[f.Name] = value
	}
	if err := b.checkRelations(ctx, c, record); err != nil {
		return nil, err
	}

	now := types.NowDateTime()
	record[schema.ColumnID] = uuid.New().String()
	record[schema.ColumnCreatedAt] = now
	record[schema.ColumnUpdatedAt] = now

	e := &hooks.Event{Collection: c.Name, Record: record, Metadata: requestMetadata(ctx)}
	if err := b.pipeline.RunBefore(ctx, hooks.BeforeCreate, e); err != nil {
		return nil, apierror.Cancelled(err)
	}

	columns := c.Columns()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	args := make([]interface{}, len(columns))
	for i, column := range columns {
		args[i] = e.Record[column]
	}
	insert := `INSERT INTO "` + c.Name + `" (` + quoted(columns) + `) VALUES (` + placeholders + `);`
	if _, err := b.db.ExecContext(ctx, insert, args...); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot insert into %s", c.Name)
		return nil, apierror.Internal(err)
	}

	response := responseRecord(c, e.Record)
	b.publish(core.Event{Collection: c.Name, Action: core.ActionCreate, Record: response})
	b.pipeline.RunAfter(ctx, hooks.AfterCreate, e)
	return response, nil
}

// UpdateRecord applies a partial patch to an existing record. Only the
// submitted declared fields are validated and written.
func (b *Backend) UpdateRecord(ctx context.Context, collection, id string, patch map[string]interface{}) (Record, error) {
	c, release, err := b.registry.Acquire(collection)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := b.fetch(ctx, c, id)
	if err != nil {
		return nil, err
	}

	record := Record{}
	for column, value := range existing {
		record[column] = value
	}
	changed := Record{}
	for _, f := range c.Fields {
		raw, submitted := patch[f.Name]
		if !submitted {
			continue
		}
		value, err := types.Validate(f.Type, raw, f.Options)
		if err != nil {
			return nil, apierror.Validation("%s", err).WithField(f.Name)
		}
		if f.Required && value == nil {
			return nil, apierror.Validation("required field %q must not be null", f.Name).WithField(f.Name)
		}
		record[f.Name] = value
		changed[f.Name] = value
	}
	if err := b.checkRelations(ctx, c, changed); err != nil {
		return nil, err
	}
	record[schema.ColumnUpdatedAt] = types.NowDateTime()

	e := &hooks.Event{Collection: c.Name, Record: record, Metadata: requestMetadata(ctx)}
	if err := b.pipeline.RunBefore(ctx, hooks.BeforeUpdate, e); err != nil {
		return nil, apierror.Cancelled(err)
	}

	var assignments []string
	var args []interface{}
	for _, f := range c.Fields {
		assignments = append(assignments, `"`+f.Name+`" = ?`)
		args = append(args, e.Record[f.Name])
	}
	assignments = append(assignments, `"`+schema.ColumnUpdatedAt+`" = ?`)
	args = append(args, e.Record[schema.ColumnUpdatedAt], id)
	update := `UPDATE "` + c.Name + `" SET ` + strings.Join(assignments, ", ") +
		` WHERE "` + schema.ColumnID + `" = ?;`
	if _, err := b.db.ExecContext(ctx, update, args...); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot update %s", c.Name)
		return nil, apierror.Internal(err)
	}

	response := responseRecord(c, e.Record)
	b.publish(core.Event{Collection: c.Name, Action: core.ActionUpdate, Record: response})
	b.pipeline.RunAfter(ctx, hooks.AfterUpdate, e)
	return response, nil
}

// DeleteRecord deletes a record. Relation fields in other collections that
// point to the deleted record keep their value; reads resolve them to null.
func (b *Backend) DeleteRecord(ctx context.Context, collection, id string) error {
	c, release, err := b.registry.Acquire(collection)
	if err != nil {
		return err
	}
	defer release()

	existing, err := b.fetch(ctx, c, id)
	if err != nil {
		return err
	}

	e := &hooks.Event{Collection: c.Name, Record: existing, Metadata: requestMetadata(ctx)}
	if err := b.pipeline.RunBefore(ctx, hooks.BeforeDelete, e); err != nil {
		return apierror.Cancelled(err)
	}

	del := `DELETE FROM "` + c.Name + `" WHERE "` + schema.ColumnID + `" = ?;`
	if _, err := b.db.ExecContext(ctx, del, id); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot delete from %s", c.Name)
		return apierror.Internal(err)
	}
	b.deleteFiles(ctx, c, id)

	b.publish(core.Event{Collection: c.Name, Action: core.ActionDelete, Record: existing})
	b.pipeline.RunAfter(ctx, hooks.AfterDelete, e)
	return nil
}

// fetch reads one record by id, already in response shape.
func (b *Backend) fetch(ctx context.Context, c *schema.Collection, id string) (Record, error) {
	columns := c.Columns()
	sel := `SELECT ` + quoted(columns) + ` FROM "` + c.Name + `" WHERE "` + schema.ColumnID + `" = ?;`
	values := make([]interface{}, len(columns))
	pointers := make([]interface{}, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	err := b.db.QueryRowContext(ctx, sel, id).Scan(pointers...)
	if err == sql.ErrNoRows {
		return nil, apierror.NotFound("record %q not found in collection %q", id, c.Name)
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot read %s", c.Name)
		return nil, apierror.Internal(err)
	}
	return scanRecord(c, columns, values), nil
}

// checkRelations verifies that every non-null relation value in record
// points to an existing target record.
func (b *Backend) checkRelations(ctx context.Context, c *schema.Collection, record Record) error {
	for _, f := range c.RelationFields() {
		value, ok := record[f.Name].(string)
		if !ok || value == "" {
			continue
		}
		target, err := b.registry.Get(f.Options.Target)
		if err != nil {
			return apierror.Validation("relation target collection %q no longer exists", f.Options.Target).WithField(f.Name)
		}
		var one int
		sel := `SELECT 1 FROM "` + target.Name + `" WHERE "` + schema.ColumnID + `" = ?;`
		err = b.db.QueryRowContext(ctx, sel, value).Scan(&one)
		if err == sql.ErrNoRows {
			return apierror.Validation("record %q does not exist in collection %q", value, target.Name).WithField(f.Name)
		}
		if err != nil {
			return apierror.Internal(err)
		}
	}
	return nil
}

// expand replaces the raw ids of the named relation fields with the target
// records, one level deep. Missing targets resolve to null.
func (b *Backend) expand(ctx context.Context, c *schema.Collection, names []string, items []Record) error {
	for _, name := range names {
		f, _ := c.Field(name)
		target, err := b.registry.Get(f.Options.Target)
		if err != nil {
			for _, item := range items {
				item[name] = nil
			}
			continue
		}

		var ids []interface{}
		seen := map[string]bool{}
		for _, item := range items {
			if id, ok := item[name].(string); ok && id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		resolved := map[string]Record{}
		if len(ids) > 0 {
			columns := target.Columns()
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
			sel := `SELECT ` + quoted(columns) + ` FROM "` + target.Name +
				`" WHERE "` + schema.ColumnID + `" IN (` + placeholders + `);`
			rows, err := b.db.QueryContext(ctx, sel, ids...)
			if err != nil {
				return apierror.Internal(err)
			}
			for rows.Next() {
				values := make([]interface{}, len(columns))
				pointers := make([]interface{}, len(columns))
				for i := range values {
					pointers[i] = &values[i]
				}
				if err := rows.Scan(pointers...); err != nil {
					rows.Close()
					return apierror.Internal(err)
				}
				record := scanRecord(target, columns, values)
				resolved[record[schema.ColumnID].(string)] = record
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return apierror.Internal(err)
			}
		}
		for _, item := range items {
			id, _ := item[name].(string)
			if record, ok := resolved[id]; ok {
				item[name] = record
			} else {
				item[name] = nil
			}
		}
	}
	return nil
}

// deleteFiles removes the stored files of a deleted record.
func (b *Backend) deleteFiles(ctx context.Context, c *schema.Collection, id string) {
	if b.fileDriver == nil {
		return
	}
	hasFiles := false
	for _, f := range c.Fields {
		if f.Type == types.FieldTypeFile {
			hasFiles = true
			break
		}
	}
	if !hasFiles {
		return
	}
	if err := b.fileDriver.DeleteAllWithPrefix(c.Name + "/" + id + "/"); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot delete files of %s/%s", c.Name, id)
	}
}

// scanRecord converts one scanned row into response shape. values may carry
// a trailing window-count column, which is ignored here.
func scanRecord(c *schema.Collection, columns []string, values []interface{}) Record {
	record := Record{}
	for i, column := range columns {
		value := values[i]
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		if f, ok := c.Field(column); ok && value != nil {
			switch f.Type {
			case types.FieldTypeBool:
				if n, ok := value.(int64); ok {
					value = n != 0
				}
			case types.FieldTypeNumber:
				if n, ok := value.(int64); ok {
					value = float64(n)
				}
			case types.FieldTypeJSON, types.FieldTypeFile:
				if s, ok := value.(string); ok {
					var decoded interface{}
					if err := json.Unmarshal([]byte(s), &decoded); err == nil {
						value = decoded
					}
				}
			}
		}
		record[column] = value
	}
	return record
}

// responseRecord converts a stored-shape record into response shape.
func responseRecord(c *schema.Collection, stored map[string]interface{}) Record {
	record := Record{
		schema.ColumnID:        stored[schema.ColumnID],
		schema.ColumnCreatedAt: stored[schema.ColumnCreatedAt],
		schema.ColumnUpdatedAt: stored[schema.ColumnUpdatedAt],
	}
	for _, f := range c.Fields {
		value := stored[f.Name]
		if value != nil && (f.Type == types.FieldTypeJSON || f.Type == types.FieldTypeFile) {
			if s, ok := value.(string); ok {
				var decoded interface{}
				if err := json.Unmarshal([]byte(s), &decoded); err == nil {
					value = decoded
				}
			}
		}
		record[f.Name] = value
	}
	return record
}

func quoted(columns []string) string {
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = `"` + column + `"`
	}
	return strings.Join(quoted, ", ")
}

// requestMetadata collects the request information passed to hooks.
func requestMetadata(ctx context.Context) map[string]string {
	metadata := map[string]string{}
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		metadata["requestId"] = requestID
	}
	if principal := access.PrincipalFromContext(ctx); principal != nil {
		metadata["principalId"] = principal.ID
		metadata["principalCollection"] = principal.Collection
	}
	return metadata
}

func (b *Backend) recordsListHandler(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	result, err := b.ListRecords(r.Context(), collection, r.URL.Query())
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (b *Backend) recordGetHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	record, err := b.GetRecord(r.Context(), vars["collection"], vars["id"], r.URL.Query())
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (b *Backend) recordCreateHandler(w http.ResponseWriter, r *http.Request) {
	var data map[string]interface{}
	if err := readBody(r, &data); err != nil {
		apierror.Write(w, err)
		return
	}
	record, err := b.CreateRecord(r.Context(), mux.Vars(r)["collection"], data)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (b *Backend) recordUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if err := readBody(r, &patch); err != nil {
		apierror.Write(w, err)
		return
	}
	vars := mux.Vars(r)
	record, err := b.UpdateRecord(r.Context(), vars["collection"], vars["id"], patch)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (b *Backend) recordDeleteHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := b.DeleteRecord(r.Context(), vars["collection"], vars["id"]); err != nil {
		apierror.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
