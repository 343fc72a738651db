// Copyright 2026 Basin Tech GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@basin-tech.com
//

package backend_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basin-tech/basin/core"
	"github.com/basin-tech/basin/core/apierror"
	"github.com/basin-tech/basin/core/backend"
	"github.com/basin-tech/basin/core/client"
	"github.com/basin-tech/basin/core/csql"
	"github.com/basin-tech/basin/core/hooks"
	"github.com/basin-tech/basin/core/schema"
	"github.com/basin-tech/basin/core/types"
)

// memorySink records published change events for assertions.
type memorySink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *memorySink) Publish(event core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *memorySink) all() []core.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Event{}, s.events...)
}

func newBackend(t *testing.T) (*backend.Backend, *memorySink) {
	t.Helper()
	db := csql.OpenTest()
	t.Cleanup(func() { db.Close() })

	sink := &memorySink{}
	b, err := backend.New(&backend.Builder{
		DB:         db,
		Router:     mux.NewRouter(),
		EventSinks: []core.EventSink{sink},
	})
	require.NoError(t, err)
	return b, sink
}

func createTasks(t *testing.T, b *backend.Backend) {
	t.Helper()
	_, err := b.Registry().Create("tasks", schema.KindBase, []schema.Field{
		{Name: "title", Type: types.FieldTypeText, Required: true},
		{Name: "done", Type: types.FieldTypeBool},
	})
	require.NoError(t, err)
}

func TestCreateWithRequiredField(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	record, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", record["title"])
	assert.Nil(t, record["done"], "optional fields default to null")
	assert.NotEmpty(t, record["id"])
	assert.NotEmpty(t, record["created_at"])
	assert.Equal(t, record["created_at"], record["updated_at"])

	_, err = b.CreateRecord(ctx, "tasks", map[string]interface{}{})
	require.True(t, apierror.IsCode(err, apierror.CodeValidation))
	assert.Equal(t, "title", apierror.From(err).Data["field"], "error names the missing field")
}

func TestCreateIgnoresUnknownKeysAndSystemFields(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	record, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{
		"title":      "x",
		"nosuchkey":  "ignored",
		"id":         "attacker-chosen",
		"created_at": "1970-01-01T00:00:00.000Z",
	})
	require.NoError(t, err)
	assert.NotContains(t, record, "nosuchkey")
	assert.NotEqual(t, "attacker-chosen", record["id"])
	assert.NotEqual(t, "1970-01-01T00:00:00.000Z", record["created_at"])
}

func TestGetAndUpdateAndDelete(t *testing.T) {
	b, sink := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	created, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": "x"})
	require.NoError(t, err)
	id := created["id"].(string)

	read, err := b.GetRecord(ctx, "tasks", id, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", read["title"])

	updated, err := b.UpdateRecord(ctx, "tasks", id, map[string]interface{}{"done": true})
	require.NoError(t, err)
	assert.Equal(t, true, updated["done"])
	assert.Equal(t, "x", updated["title"], "patch keeps unsubmitted fields")
	assert.True(t, updated["created_at"].(string) <= updated["updated_at"].(string))

	require.NoError(t, b.DeleteRecord(ctx, "tasks", id))
	_, err = b.GetRecord(ctx, "tasks", id, nil)
	assert.True(t, apierror.IsCode(err, apierror.CodeNotFound))

	var actions []core.Action
	for _, event := range sink.all() {
		actions = append(actions, event.Action)
	}
	assert.Equal(t, []core.Action{core.ActionCreate, core.ActionUpdate, core.ActionDelete}, actions)
}

func TestUpdateRejectsNullForRequiredField(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	created, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": "x"})
	require.NoError(t, err)

	_, err = b.UpdateRecord(ctx, "tasks", created["id"].(string), map[string]interface{}{"title": nil})
	assert.True(t, apierror.IsCode(err, apierror.CodeValidation))
}

func TestNotFoundCollectionAndRecord(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	_, err := b.ListRecords(ctx, "nosuchcollection", nil)
	assert.True(t, apierror.IsCode(err, apierror.CodeNotFound))

	createTasks(t, b)
	_, err = b.GetRecord(ctx, "tasks", "nosuchid", nil)
	assert.True(t, apierror.IsCode(err, apierror.CodeNotFound))
	_, err = b.UpdateRecord(ctx, "tasks", "nosuchid", map[string]interface{}{"done": true})
	assert.True(t, apierror.IsCode(err, apierror.CodeNotFound))
	err = b.DeleteRecord(ctx, "tasks", "nosuchid")
	assert.True(t, apierror.IsCode(err, apierror.CodeNotFound))
}

func TestFilterRoundTrip(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{
			"title": fmt.Sprintf("task %d", i),
			"done":  i%2 == 0,
		})
		require.NoError(t, err)
	}

	result, err := b.ListRecords(ctx, "tasks", url.Values{"filter": []string{"done=true"}})
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalItems)
	require.Len(t, result.Items, 5)
	for _, item := range result.Items {
		assert.Equal(t, true, item["done"])
	}
}

func TestSortDescendingWithTieBreak(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": fmt.Sprintf("task %d", i)})
		require.NoError(t, err)
	}

	result, err := b.ListRecords(ctx, "tasks", url.Values{"sort": []string{"-created_at"}})
	require.NoError(t, err)
	require.Len(t, result.Items, 5)
	for i := 1; i < len(result.Items); i++ {
		previous := result.Items[i-1]["created_at"].(string)
		current := result.Items[i]["created_at"].(string)
		assert.True(t, previous >= current, "created_at must be non-increasing")
		if previous == current {
			assert.True(t, result.Items[i-1]["id"].(string) < result.Items[i]["id"].(string),
				"id ascending breaks ties")
		}
	}
}

func TestPaginationUnionIsComplete(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	want := map[string]bool{}
	for i := 0; i < 23; i++ {
		record, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": fmt.Sprintf("task %d", i)})
		require.NoError(t, err)
		want[record["id"].(string)] = true
	}

	got := map[string]bool{}
	page := 1
	for {
		result, err := b.ListRecords(ctx, "tasks", url.Values{
			"page":    []string{fmt.Sprint(page)},
			"perPage": []string{"5"},
		})
		require.NoError(t, err)
		assert.Equal(t, 23, result.TotalItems)
		assert.Equal(t, 5, result.TotalPages)
		for _, item := range result.Items {
			id := item["id"].(string)
			assert.False(t, got[id], "no duplicates across pages")
			got[id] = true
		}
		if page >= result.TotalPages {
			break
		}
		page++
	}
	assert.Equal(t, want, got, "no gaps")

	// one page past the end is empty but keeps the totals
	result, err := b.ListRecords(ctx, "tasks", url.Values{
		"page":    []string{"6"},
		"perPage": []string{"5"},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Items)
	assert.Equal(t, 23, result.TotalItems)
}

func TestRelationValidationAndExpand(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	_, err := b.Registry().Create("users", schema.KindBase, []schema.Field{
		{Name: "name", Type: types.FieldTypeText},
	})
	require.NoError(t, err)
	createTasks(t, b)
	_, err = b.Registry().AddField("tasks", schema.Field{
		Name: "assignee", Type: types.FieldTypeRelation,
		Options: types.Options{Target: "users"},
	})
	require.NoError(t, err)

	_, err = b.CreateRecord(ctx, "tasks", map[string]interface{}{
		"title": "x", "assignee": "nosuchuser",
	})
	require.True(t, apierror.IsCode(err, apierror.CodeValidation))

	user, err := b.CreateRecord(ctx, "users", map[string]interface{}{"name": "ada"})
	require.NoError(t, err)
	userID := user["id"].(string)

	task, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{
		"title": "x", "assignee": userID,
	})
	require.NoError(t, err)

	result, err := b.ListRecords(ctx, "tasks", url.Values{"expand": []string{"assignee"}})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	expanded, ok := result.Items[0]["assignee"].(backend.Record)
	require.True(t, ok, "assignee replaced by the full user record")
	assert.Equal(t, "ada", expanded["name"])
	assert.Equal(t, userID, expanded["id"])

	// a dangling relation expands to null
	require.NoError(t, b.DeleteRecord(ctx, "users", userID))
	single, err := b.GetRecord(ctx, "tasks", task["id"].(string), url.Values{"expand": []string{"assignee"}})
	require.NoError(t, err)
	assert.Nil(t, single["assignee"])
}

func TestHookCancellation(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	b.Intercept("tasks", hooks.BeforeCreate, func(ctx context.Context, e *hooks.Event) error {
		if e.Record["title"] == "forbidden" {
			return errors.New("title is forbidden")
		}
		return nil
	})

	_, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": "forbidden"})
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.CodeCancelled))

	result, err := b.ListRecords(ctx, "tasks", nil)
	require.NoError(t, err)
	assert.Zero(t, result.TotalItems, "a cancelled create writes nothing")
}

func TestFailingAfterHookKeepsRecord(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	b.Intercept("tasks", hooks.AfterCreate, func(ctx context.Context, e *hooks.Event) error {
		return errors.New("mail server down")
	})

	record, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": "x"})
	require.NoError(t, err, "after-hook failures never surface")

	_, err = b.GetRecord(ctx, "tasks", record["id"].(string), nil)
	assert.NoError(t, err, "the record stays committed")
}

func TestBeforeHookModifiesWrittenRecord(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	b.Intercept("tasks", hooks.BeforeCreate, func(ctx context.Context, e *hooks.Event) error {
		e.Record["done"] = true
		return nil
	})

	record, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, true, record["done"])

	read, err := b.GetRecord(ctx, "tasks", record["id"].(string), nil)
	require.NoError(t, err)
	assert.Equal(t, true, read["done"])
}

func TestUpdatedAtMonotonicAcrossUpdates(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	record, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": "x"})
	require.NoError(t, err)
	id := record["id"].(string)

	previous := record["updated_at"].(string)
	for i := 0; i < 3; i++ {
		record, err = b.UpdateRecord(ctx, "tasks", id, map[string]interface{}{"done": i%2 == 0})
		require.NoError(t, err)
		current := record["updated_at"].(string)
		assert.True(t, previous <= current)
		assert.True(t, record["created_at"].(string) <= current)
		previous = current
	}
}

func TestListDuringRename(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": fmt.Sprintf("task %d", i)})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 64)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			result, err := b.ListRecords(ctx, "tasks", nil)
			if err != nil {
				errs <- err
				continue
			}
			// the pre-rename shape is complete or the name is gone, nothing in between
			if result.TotalItems != 50 {
				errs <- fmt.Errorf("inconsistent result: %d items", result.TotalItems)
			}
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := b.Registry().Rename("tasks", "todos"); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.True(t, apierror.IsCode(err, apierror.CodeNotFound),
			"a list racing the rename may only fail with not_found, got: %v", err)
	}

	result, err := b.ListRecords(ctx, "todos", nil)
	require.NoError(t, err)
	assert.Equal(t, 50, result.TotalItems)
}

func TestRESTSurface(t *testing.T) {
	b, _ := newBackend(t)
	c := client.NewWithRouter(b.Router())

	var created schema.Collection
	_, err := c.RawPost("/collections", map[string]interface{}{
		"name": "tasks",
		"fields": []map[string]interface{}{
			{"name": "title", "type": "text", "required": true},
			{"name": "done", "type": "boolean"},
		},
	}, &created)
	require.NoError(t, err)
	assert.Equal(t, "tasks", created.Name)
	require.Len(t, created.Fields, 2)

	var listed []schema.Collection
	_, err = c.RawGet("/collections", &listed)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	tasks := c.Collection("tasks")
	var record map[string]interface{}
	_, err = tasks.Create(map[string]interface{}{"title": "write tests"}, &record)
	require.NoError(t, err)
	id := record["id"].(string)

	status, err := tasks.Create(map[string]interface{}{}, nil)
	assert.Error(t, err)
	assert.Equal(t, 400, status)

	var list backend.ListResult
	_, err = tasks.WithFilter("title", "write tests").List(&list)
	require.NoError(t, err)
	assert.Equal(t, 1, list.TotalItems)

	_, err = tasks.Update(id, map[string]interface{}{"done": true}, &record)
	require.NoError(t, err)
	assert.Equal(t, true, record["done"])

	var read map[string]interface{}
	_, err = tasks.Read(id, &read)
	require.NoError(t, err)
	assert.Equal(t, true, read["done"])

	_, err = tasks.Delete(id)
	require.NoError(t, err)
	status, err = tasks.Read(id, nil)
	assert.Error(t, err)
	assert.Equal(t, 404, status)

	// schema surface: add a field, rename the collection, drop it
	var updated schema.Collection
	_, err = c.RawPost("/collections/tasks/fields", map[string]interface{}{
		"name": "priority", "type": "number",
	}, &updated)
	require.NoError(t, err)
	require.Len(t, updated.Fields, 3)

	_, err = c.RawPatch("/collections/tasks", map[string]interface{}{"name": "todos"}, &updated)
	require.NoError(t, err)
	assert.Equal(t, "todos", updated.Name)

	_, err = c.RawDelete("/collections/todos")
	require.NoError(t, err)
	status, _ = c.RawGet("/collections/todos", nil)
	assert.Equal(t, 404, status)
}

func TestListIsSortedByIDByDefault(t *testing.T) {
	b, _ := newBackend(t)
	createTasks(t, b)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 8; i++ {
		record, err := b.CreateRecord(ctx, "tasks", map[string]interface{}{"title": "x"})
		require.NoError(t, err)
		ids = append(ids, record["id"].(string))
	}
	sort.Strings(ids)

	result, err := b.ListRecords(ctx, "tasks", nil)
	require.NoError(t, err)
	var got []string
	for _, item := range result.Items {
		got = append(got, item["id"].(string))
	}
	assert.Equal(t, ids, got)
}
