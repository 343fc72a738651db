/*Package query translates REST-style list parameters into parameterized
queries against a named collection.

Every value is bound as a parameter, never concatenated into the query
text; field and operator legality is checked against the collection's
current schema before anything reaches storage, so the translator only
ever fails with typed validation errors.
*/
package query

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/basin-tech/basin/core/apierror"
	"github.com/basin-tech/basin/core/schema"
	"github.com/basin-tech/basin/core/types"
)

// Options carries the pagination bounds of the translator.
type Options struct {
	DefaultPerPage int
	MaxPerPage     int
}

// ListQuery is a translated list request. SQL selects the collection's
// columns plus a trailing full_count window column; CountSQL is the
// fallback total query for pages beyond the last row.
type ListQuery struct {
	SQL      string
	CountSQL string
	Args     []interface{}
	Page     int
	PerPage  int
	Expand   []string
}

// the filter operators, two-character ones first
var operators = []string{"!=", ">", "<", "~", "="}

// Build translates the query parameters of a list request. Unknown
// parameters, undeclared fields and operators unsupported for a field's
// type are rejected with validation errors naming the offender.
func Build(c *schema.Collection, params url.Values, opts Options) (*ListQuery, error) {
	q := &ListQuery{
		Page:    1,
		PerPage: opts.DefaultPerPage,
	}

	var conditions []string
	var sortClause string
	var err error

	for key, array := range params {
		switch key {
		case "filter":
			for _, clause := range array {
				condition, arg, err := buildFilter(c, clause)
				if err != nil {
					return nil, err
				}
				conditions = append(conditions, condition)
				q.Args = append(q.Args, arg)
			}
		case "sort":
			sortClause, err = buildSort(c, array[len(array)-1])
			if err != nil {
				return nil, err
			}
		case "page":
			q.Page, err = strconv.Atoi(array[len(array)-1])
			if err != nil || q.Page < 1 {
				return nil, apierror.Validation("parameter page must be a positive number")
			}
		case "perPage":
			q.PerPage, err = strconv.Atoi(array[len(array)-1])
			if err != nil || q.PerPage < 1 {
				return nil, apierror.Validation("parameter perPage must be a positive number")
			}
			if q.PerPage > opts.MaxPerPage {
				q.PerPage = opts.MaxPerPage
			}
		case "expand":
			q.Expand, err = buildExpand(c, array[len(array)-1])
			if err != nil {
				return nil, err
			}
		default:
			return nil, apierror.Validation("unknown query parameter %q", key)
		}
	}

	if sortClause == "" {
		sortClause = `"` + schema.ColumnID + `" ASC`
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(quotedColumns(c))
	sb.WriteString(`, count(*) OVER() AS full_count FROM "` + c.Name + `" `)
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ") + " "
	}
	sb.WriteString(whereClause)
	sb.WriteString("ORDER BY " + sortClause + " LIMIT ? OFFSET ?;")

	q.SQL = sb.String()
	q.CountSQL = `SELECT count(*) FROM "` + c.Name + `" ` + strings.TrimSpace(whereClause) + ";"
	q.Args = append(q.Args, q.PerPage, (q.Page-1)*q.PerPage)
	return q, nil
}

func quotedColumns(c *schema.Collection) string {
	columns := c.Columns()
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = `"` + column + `"`
	}
	return strings.Join(quoted, ", ")
}

// fieldType resolves the type of a filterable or sortable name, including
// the system columns.
func fieldType(c *schema.Collection, name string) (types.FieldType, bool) {
	switch name {
	case schema.ColumnID:
		return types.FieldTypeText, true
	case schema.ColumnCreatedAt, schema.ColumnUpdatedAt:
		return types.FieldTypeDateTime, true
	}
	f, ok := c.Field(name)
	if !ok {
		return "", false
	}
	return f.Type, true
}

func operatorAllowed(t types.FieldType, op string) bool {
	switch op {
	case "=", "!=":
		return true
	case ">", "<":
		return t == types.FieldTypeText || t == types.FieldTypeNumber || t == types.FieldTypeDateTime
	case "~":
		return t == types.FieldTypeText
	}
	return false
}

// buildFilter parses one "field OP value" clause.
func buildFilter(c *schema.Collection, clause string) (string, interface{}, error) {
	name, op, value := splitClause(clause)
	if op == "" {
		return "", nil, apierror.Validation("cannot parse filter %q, must be of the form field OP value", clause)
	}
	t, ok := fieldType(c, name)
	if !ok {
		return "", nil, apierror.Validation("unknown filter field %q", name).WithField(name)
	}
	if !operatorAllowed(t, op) {
		return "", nil, apierror.Validation("operator %q is not supported for field %q of type %s",
			op, name, t).WithField(name)
	}

	if op == "~" {
		return `"` + name + `" LIKE ? ESCAPE '\'`, "%" + escapeLike(value) + "%", nil
	}

	arg, err := filterArg(t, value)
	if err != nil {
		return "", nil, apierror.Validation("filter field %q: %s", name, err).WithField(name)
	}
	if op == "!=" {
		op = "<>"
	}
	return `"` + name + `" ` + op + ` ?`, arg, nil
}

// splitClause splits at the first operator occurrence.
func splitClause(clause string) (name, op, value string) {
	for i := 0; i < len(clause); i++ {
		for _, candidate := range operators {
			if strings.HasPrefix(clause[i:], candidate) {
				return clause[:i], candidate, clause[i+len(candidate):]
			}
		}
	}
	return clause, "", ""
}

// filterArg coerces the textual filter value into the bound parameter for
// the field's type.
func filterArg(t types.FieldType, value string) (interface{}, error) {
	switch t {
	case types.FieldTypeNumber:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, apierror.Validation("invalid number %q", value)
		}
		return f, nil
	case types.FieldTypeBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, apierror.Validation("invalid boolean %q", value)
		}
		return b, nil
	case types.FieldTypeDateTime:
		canonical, err := types.ParseDateTime(value)
		if err != nil {
			return nil, apierror.Validation("invalid datetime %q", value)
		}
		return canonical, nil
	default:
		return value, nil
	}
}

func escapeLike(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `%`, `\%`)
	value = strings.ReplaceAll(value, `_`, `\_`)
	return value
}

// buildSort parses the comma-separated sort list. A stable tie-break on id
// ascending is appended when the caller did not sort on id, so pagination
// order is deterministic.
func buildSort(c *schema.Collection, sort string) (string, error) {
	if sort == "" {
		return "", nil
	}
	var parts []string
	sortsOnID := false
	for _, name := range strings.Split(sort, ",") {
		direction := "ASC"
		if strings.HasPrefix(name, "-") {
			direction = "DESC"
			name = name[1:]
		}
		if _, ok := fieldType(c, name); !ok {
			return "", apierror.Validation("unknown sort field %q", name).WithField(name)
		}
		if name == schema.ColumnID {
			sortsOnID = true
		}
		parts = append(parts, `"`+name+`" `+direction)
	}
	if !sortsOnID {
		parts = append(parts, `"`+schema.ColumnID+`" ASC`)
	}
	return strings.Join(parts, ", "), nil
}

// buildExpand parses the comma-separated expand list. Only declared
// relation fields can be expanded, exactly one level deep.
func buildExpand(c *schema.Collection, expand string) ([]string, error) {
	if expand == "" {
		return nil, nil
	}
	var fields []string
	for _, name := range strings.Split(expand, ",") {
		if strings.ContainsRune(name, '.') {
			return nil, apierror.Validation("nested expansion %q is not supported", name).WithField(name)
		}
		f, ok := c.Field(name)
		if !ok {
			return nil, apierror.Validation("unknown expand field %q", name).WithField(name)
		}
		if f.Type != types.FieldTypeRelation {
			return nil, apierror.Validation("field %q is not a relation", name).WithField(name)
		}
		fields = append(fields, name)
	}
	return fields, nil
}
