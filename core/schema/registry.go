package schema

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/google/uuid"

	"github.com/basin-tech/basin/core/apierror"
	"github.com/basin-tech/basin/core/csql"
	"github.com/basin-tech/basin/core/types"
)

// names of the metadata system tables
const (
	collectionsTable = "_collections_"
	fieldsTable      = "_fields_"
)

// Registry is the schema registry. It is the single source of truth for
// collection shapes; the cached metadata is invalidated synchronously on
// every schema mutation.
type Registry struct {
	db *csql.DB

	// ddl serializes schema mutations against each other
	ddl sync.Mutex

	// mu guards the two maps below, never held during DDL
	mu     sync.Mutex
	byName map[string]*Collection
	locks  map[string]*sync.RWMutex // keyed by collection id
}

// New creates the registry and its metadata tables, and loads the current
// schema into the cache.
func New(db *csql.DB) (*Registry, error) {
	_, err := db.Exec(`CREATE table IF NOT EXISTS "` + collectionsTable + `" 
(id TEXT NOT NULL PRIMARY KEY,
name TEXT NOT NULL UNIQUE,
kind TEXT NOT NULL,
created_at TEXT NOT NULL,
updated_at TEXT NOT NULL
);
CREATE table IF NOT EXISTS "` + fieldsTable + `" 
(id TEXT NOT NULL PRIMARY KEY,
collection_id TEXT NOT NULL,
name TEXT NOT NULL,
type TEXT NOT NULL,
required INTEGER NOT NULL DEFAULT 0,
options TEXT NOT NULL DEFAULT '{}',
position INTEGER NOT NULL,
created_at TEXT NOT NULL,
UNIQUE(collection_id, name)
);`)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		db:     db,
		byName: make(map[string]*Collection),
		locks:  make(map[string]*sync.RWMutex),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// MustNew is like New but panics on failure.
func MustNew(db *csql.DB) *Registry {
	r, err := New(db)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) load() error {
	rows, err := r.db.Query(`SELECT id, name, kind, created_at, updated_at FROM "` + collectionsTable + `";`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		c := Collection{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Kind, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return err
		}
		r.byName[c.Name] = &c
		r.locks[c.ID] = &sync.RWMutex{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range r.byName {
		fields, err := r.loadFields(c.ID)
		if err != nil {
			return err
		}
		c.Fields = fields
	}
	return nil
}

func (r *Registry) loadFields(collectionID string) ([]Field, error) {
	rows, err := r.db.Query(`SELECT id, name, type, required, options, created_at FROM "`+
		fieldsTable+`" WHERE collection_id = ? ORDER BY position;`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fields []Field
	for rows.Next() {
		f := Field{CollectionID: collectionID}
		var options string
		if err := rows.Scan(&f.ID, &f.Name, &f.Type, &f.Required, &options, &f.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(options), &f.Options); err != nil {
			return nil, fmt.Errorf("corrupt options for field %s: %w", f.Name, err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// Get returns the current definition of the named collection.
func (r *Registry) Get(name string) (*Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byName[name]
	if !ok {
		return nil, apierror.NotFound("no such collection %q", name)
	}
	return c, nil
}

// List returns all collections sorted by name.
func (r *Registry) List() []*Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*Collection, 0, len(r.byName))
	for _, c := range r.byName {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Acquire resolves the named collection and takes a shared lock on it. The
// lock blocks schema mutation of the collection until release is called;
// it does not block other record operations, nor anything on other
// collections. If the collection is renamed or dropped while waiting for
// the lock, Acquire fails with not_found rather than returning a
// half-migrated shape.
func (r *Registry) Acquire(name string) (*Collection, func(), error) {
	r.mu.Lock()
	c, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return nil, nil, apierror.NotFound("no such collection %q", name)
	}
	lock := r.locks[c.ID]
	r.mu.Unlock()

	lock.RLock()

	r.mu.Lock()
	current, ok := r.byName[name]
	r.mu.Unlock()
	if !ok || current.ID != c.ID {
		lock.RUnlock()
		return nil, nil, apierror.NotFound("no such collection %q", name)
	}
	return current, lock.RUnlock, nil
}

// exclusive resolves the named collection for a schema mutation. The ddl
// mutex must be held. It returns the collection and its write lock, already
// taken; record operations on the collection wait until the lock is
// released again.
func (r *Registry) exclusive(name string) (*Collection, *sync.RWMutex, error) {
	r.mu.Lock()
	c, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return nil, nil, apierror.NotFound("no such collection %q", name)
	}
	lock := r.locks[c.ID]
	r.mu.Unlock()
	lock.Lock()
	return c, lock, nil
}

// swap publishes a new definition in the cache, replacing oldName.
func (r *Registry) swap(oldName string, c *Collection) {
	r.mu.Lock()
	delete(r.byName, oldName)
	r.byName[c.Name] = c
	r.mu.Unlock()
}

func (r *Registry) validateField(f *Field, kind Kind, taken map[string]bool) error {
	if IsReservedFieldName(f.Name, kind) {
		return apierror.Validation("field name %q is reserved", f.Name).WithField(f.Name)
	}
	if !IsValidCollectionName(f.Name) {
		return apierror.Validation("invalid field name %q", f.Name).WithField(f.Name)
	}
	if taken[f.Name] {
		return apierror.Validation("duplicate field name %q", f.Name).WithField(f.Name)
	}
	if !f.Type.Valid() {
		return apierror.Validation("field %q has unknown type %q", f.Name, f.Type).WithField(f.Name)
	}
	if err := types.ValidateOptions(f.Type, f.Options); err != nil {
		return apierror.Validation("field %q: %s", f.Name, err).WithField(f.Name)
	}
	return nil
}

// relationTargetExists checks a relation target under r.mu. A collection
// may relate to itself.
func (r *Registry) relationTargetExists(target, self string) bool {
	if target == self {
		return true
	}
	r.mu.Lock()
	_, ok := r.byName[target]
	r.mu.Unlock()
	return ok
}

// Create validates and creates a collection: the metadata rows and the
// physical table with the system columns plus one column per field, all in
// one transaction.
func (r *Registry) Create(name string, kind Kind, fields []Field) (*Collection, error) {
	if kind == "" {
		kind = KindBase
	}
	if !IsValidCollectionName(name) {
		return nil, apierror.Validation("invalid collection name %q", name)
	}
	if !kind.Valid() {
		return nil, apierror.Validation("invalid collection kind %q", kind)
	}

	r.ddl.Lock()
	defer r.ddl.Unlock()

	r.mu.Lock()
	_, exists := r.byName[name]
	r.mu.Unlock()
	if exists {
		return nil, apierror.Conflict("collection %q already exists", name)
	}

	now := types.NowDateTime()
	c := &Collection{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	taken := map[string]bool{}
	for _, f := range fields {
		if err := r.validateField(&f, kind, taken); err != nil {
			return nil, err
		}
		if f.Type == types.FieldTypeRelation && !r.relationTargetExists(f.Options.Target, name) {
			return nil, apierror.Validation("field %q relates to unknown collection %q",
				f.Name, f.Options.Target).WithField(f.Name)
		}
		taken[f.Name] = true
		f.ID = uuid.NewString()
		f.CollectionID = c.ID
		f.CreatedAt = now
		c.Fields = append(c.Fields, f)
	}

	createColumns := []string{
		`"` + ColumnID + `" TEXT NOT NULL PRIMARY KEY`,
		`"` + ColumnCreatedAt + `" TEXT NOT NULL`,
		`"` + ColumnUpdatedAt + `" TEXT NOT NULL`,
	}
	if kind == KindAuth {
		createColumns = append(createColumns,
			`"`+ColumnEmail+`" TEXT NOT NULL DEFAULT ''`,
			`"`+ColumnPasswordHash+`" TEXT NOT NULL DEFAULT ''`,
			`"`+ColumnTokenKey+`" TEXT NOT NULL DEFAULT ''`)
	}
	for _, f := range c.Fields {
		createColumns = append(createColumns, `"`+f.Name+`" `+columnType(f.Type))
	}
	createQuery := fmt.Sprintf(`CREATE table "%s"(%s);`, name, strings.Join(createColumns, ", "))
	if kind == KindAuth {
		createQuery += fmt.Sprintf(
			`CREATE UNIQUE index "auth_index_%s_email" ON "%s"(%s) WHERE %s <> '';`,
			name, name, ColumnEmail, ColumnEmail)
	}

	err := r.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO "`+collectionsTable+
			`"(id,name,kind,created_at,updated_at) VALUES(?,?,?,?,?);`,
			c.ID, c.Name, string(c.Kind), c.CreatedAt, c.UpdatedAt); err != nil {
			return err
		}
		for i, f := range c.Fields {
			if err := insertField(tx, f, i); err != nil {
				return err
			}
		}
		_, err := tx.Exec(createQuery)
		return err
	})
	if err != nil {
		return nil, apierror.Internal(err)
	}

	r.mu.Lock()
	r.byName[name] = c
	r.locks[c.ID] = &sync.RWMutex{}
	r.mu.Unlock()
	return c, nil
}

func insertField(tx *sql.Tx, f Field, position int) error {
	options, err := json.Marshal(f.Options)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO "`+fieldsTable+
		`"(id,collection_id,name,type,required,options,position,created_at) VALUES(?,?,?,?,?,?,?,?);`,
		f.ID, f.CollectionID, f.Name, string(f.Type), f.Required, string(options), position, f.CreatedAt)
	return err
}

// Rename renames the collection and its physical table atomically.
func (r *Registry) Rename(name, newName string) (*Collection, error) {
	if !IsValidCollectionName(newName) {
		return nil, apierror.Validation("invalid collection name %q", newName)
	}

	r.ddl.Lock()
	defer r.ddl.Unlock()

	r.mu.Lock()
	_, taken := r.byName[newName]
	r.mu.Unlock()
	if taken && newName != name {
		return nil, apierror.Conflict("collection %q already exists", newName)
	}

	c, lock, err := r.exclusive(name)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()
	if newName == name {
		return c, nil
	}

	renamed := *c
	renamed.Name = newName
	renamed.UpdatedAt = types.NowDateTime()

	// relation fields anywhere that target the old name follow the rename
	retargeted := map[string]*Collection{}
	r.mu.Lock()
	for _, other := range r.byName {
		changed := false
		next := *other
		next.Fields = append([]Field{}, other.Fields...)
		for i, f := range next.Fields {
			if f.Type == types.FieldTypeRelation && f.Options.Target == name {
				next.Fields[i].Options.Target = newName
				changed = true
			}
		}
		if changed {
			retargeted[other.Name] = &next
		}
	}
	r.mu.Unlock()

	err = r.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE "`+collectionsTable+`" SET name = ?, updated_at = ? WHERE id = ?;`,
			renamed.Name, renamed.UpdatedAt, renamed.ID); err != nil {
			return err
		}
		for _, next := range retargeted {
			for _, f := range next.Fields {
				if f.Type != types.FieldTypeRelation || f.Options.Target != newName {
					continue
				}
				options, err := json.Marshal(f.Options)
				if err != nil {
					return err
				}
				if _, err := tx.Exec(`UPDATE "`+fieldsTable+`" SET options = ? WHERE id = ?;`,
					string(options), f.ID); err != nil {
					return err
				}
			}
		}
		_, err := tx.Exec(fmt.Sprintf(`ALTER TABLE "%s" RENAME TO "%s";`, name, newName))
		return err
	})
	if err != nil {
		return nil, apierror.Internal(err)
	}
	for oldName, next := range retargeted {
		if next.ID == renamed.ID {
			continue
		}
		r.swap(oldName, next)
	}
	if next, ok := retargeted[name]; ok {
		// the renamed collection targeted itself; keep the retargeted fields
		renamed.Fields = next.Fields
	}
	r.swap(name, &renamed)
	return &renamed, nil
}

// Delete drops the collection, its metadata and its physical table with all
// records. It is rejected with conflict while any other collection declares
// a relation field targeting it.
func (r *Registry) Delete(name string) error {
	r.ddl.Lock()
	defer r.ddl.Unlock()

	r.mu.Lock()
	for _, other := range r.byName {
		if other.Name == name {
			continue
		}
		for _, f := range other.RelationFields() {
			if f.Options.Target == name {
				r.mu.Unlock()
				return apierror.Conflict("collection %q is referenced by relation field %q of collection %q",
					name, f.Name, other.Name)
			}
		}
	}
	r.mu.Unlock()

	c, lock, err := r.exclusive(name)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	err = r.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM "`+fieldsTable+`" WHERE collection_id = ?;`, c.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM "`+collectionsTable+`" WHERE id = ?;`, c.ID); err != nil {
			return err
		}
		_, err := tx.Exec(fmt.Sprintf(`DROP TABLE "%s";`, name))
		return err
	})
	if err != nil {
		return apierror.Internal(err)
	}

	r.mu.Lock()
	delete(r.byName, name)
	delete(r.locks, c.ID)
	r.mu.Unlock()
	return nil
}

// AddField adds a field to the collection: metadata row and physical column
// in one transaction. Adding a required field to a collection that already
// has records needs a default value in the options, which is backfilled in
// the same transaction.
func (r *Registry) AddField(collection string, f Field) (*Collection, error) {
	r.ddl.Lock()
	defer r.ddl.Unlock()

	c, lock, err := r.exclusive(collection)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	taken := map[string]bool{}
	for _, existing := range c.Fields {
		taken[existing.Name] = true
	}
	if taken[f.Name] {
		return nil, apierror.Conflict("field %q already exists", f.Name)
	}
	if err := r.validateField(&f, c.Kind, taken); err != nil {
		return nil, err
	}
	if f.Type == types.FieldTypeRelation && !r.relationTargetExists(f.Options.Target, c.Name) {
		return nil, apierror.Validation("field %q relates to unknown collection %q",
			f.Name, f.Options.Target).WithField(f.Name)
	}

	var backfill interface{}
	if f.Options.Default != nil {
		backfill, err = types.Validate(f.Type, f.Options.Default, f.Options)
		if err != nil {
			return nil, apierror.Validation("field %q: invalid default: %s", f.Name, err).WithField(f.Name)
		}
	}
	if f.Required && backfill == nil {
		var count int
		if err := r.db.QueryRow(fmt.Sprintf(`SELECT count(*) FROM "%s";`, c.Name)).Scan(&count); err != nil {
			return nil, apierror.Internal(err)
		}
		if count > 0 {
			return nil, apierror.Validation(
				"adding required field %q to a collection with records requires a default value",
				f.Name).WithField(f.Name)
		}
	}

	f.ID = uuid.NewString()
	f.CollectionID = c.ID
	f.CreatedAt = types.NowDateTime()

	err = r.inTx(func(tx *sql.Tx) error {
		if err := insertField(tx, f, len(c.Fields)); err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN "%s" %s;`,
			c.Name, f.Name, columnType(f.Type))); err != nil {
			return err
		}
		if backfill != nil {
			_, err := tx.Exec(fmt.Sprintf(`UPDATE "%s" SET "%s" = ?;`, c.Name, f.Name), backfill)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, apierror.Internal(err)
	}

	updated := *c
	updated.Fields = append(append([]Field{}, c.Fields...), f)
	updated.UpdatedAt = types.NowDateTime()
	r.swap(c.Name, &updated)
	return &updated, nil
}

// RemoveField drops the field's metadata row and physical column in one
// transaction. The column data is irreversibly lost.
func (r *Registry) RemoveField(collection, fieldName string) (*Collection, error) {
	r.ddl.Lock()
	defer r.ddl.Unlock()

	c, lock, err := r.exclusive(collection)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	f, ok := c.Field(fieldName)
	if !ok {
		return nil, apierror.NotFound("no such field %q", fieldName)
	}

	err = r.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM "`+fieldsTable+`" WHERE id = ?;`, f.ID); err != nil {
			return err
		}
		_, err := tx.Exec(fmt.Sprintf(`ALTER TABLE "%s" DROP COLUMN "%s";`, c.Name, fieldName))
		return err
	})
	if err != nil {
		return nil, apierror.Internal(err)
	}

	updated := *c
	updated.Fields = nil
	for _, existing := range c.Fields {
		if existing.Name != fieldName {
			updated.Fields = append(updated.Fields, existing)
		}
	}
	updated.UpdatedAt = types.NowDateTime()
	r.swap(c.Name, &updated)
	return &updated, nil
}

func (r *Registry) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
