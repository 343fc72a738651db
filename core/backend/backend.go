/*Package backend implements the record engine and its REST surface.

Collections are resolved per request against the schema registry, so the
surface follows every schema mutation immediately. All routes write the
uniform response envelopes; errors go through apierror.
*/
package backend

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/basin-tech/basin/core"
	"github.com/basin-tech/basin/core/apierror"
	"github.com/basin-tech/basin/core/csql"
	"github.com/basin-tech/basin/core/filestore"
	"github.com/basin-tech/basin/core/hooks"
	"github.com/basin-tech/basin/core/logger"
	"github.com/basin-tech/basin/core/query"
	"github.com/basin-tech/basin/core/realtime"
	"github.com/basin-tech/basin/core/schema"
)

// Builder is the input expected by the backend factory
type Builder struct {
	// DB is the open database. Mandatory.
	DB *csql.DB
	// Router is the mux router the backend installs its routes on. Mandatory.
	Router *mux.Router
	// Hub is the realtime fan-out hub. Optional; when set, the backend
	// installs the /realtime route and publishes change events to it.
	Hub *realtime.Hub
	// EventSinks receive change events in addition to the hub. Optional.
	EventSinks []core.EventSink
	// FileDriver is the file storage driver. Optional; without it file
	// fields still store descriptors but orphaned files are not cleaned up.
	FileDriver filestore.Driver
	// DefaultPerPage is the page size of list requests that do not specify
	// one. Zero means 30.
	DefaultPerPage int
	// MaxPerPage caps the perPage parameter. Zero means 200.
	MaxPerPage int
}

// Backend is the generic record backend
type Backend struct {
	db         *csql.DB
	router     *mux.Router
	registry   *schema.Registry
	pipeline   *hooks.Pipeline
	hub        *realtime.Hub
	sinks      []core.EventSink
	fileDriver filestore.Driver
	queryOpts  query.Options
}

// New realizes the backend specification and returns the backend
func New(b *Builder) (*Backend, error) {
	if b.DB == nil {
		return nil, fmt.Errorf("DB must not be nil")
	}
	if b.Router == nil {
		return nil, fmt.Errorf("Router must not be nil")
	}
	registry, err := schema.New(b.DB)
	if err != nil {
		return nil, err
	}
	backend := &Backend{
		db:         b.DB,
		router:     b.Router,
		registry:   registry,
		pipeline:   hooks.NewPipeline(),
		hub:        b.Hub,
		sinks:      b.EventSinks,
		fileDriver: b.FileDriver,
		queryOpts: query.Options{
			DefaultPerPage: b.DefaultPerPage,
			MaxPerPage:     b.MaxPerPage,
		},
	}
	if backend.queryOpts.DefaultPerPage <= 0 {
		backend.queryOpts.DefaultPerPage = 30
	}
	if backend.queryOpts.MaxPerPage <= 0 {
		backend.queryOpts.MaxPerPage = 200
	}
	if backend.hub != nil {
		backend.sinks = append(backend.sinks, backend.hub)
	}
	backend.handleRoutes(b.Router)
	return backend, nil
}

// MustNew is like New, but panics on error
func MustNew(b *Builder) *Backend {
	backend, err := New(b)
	if err != nil {
		panic(err)
	}
	return backend
}

// Registry returns the schema registry of this backend.
func (b *Backend) Registry() *schema.Registry {
	return b.registry
}

// Router returns the mux router this backend was built with.
func (b *Backend) Router() *mux.Router {
	return b.router
}

// Intercept registers a hook for the given collection and phase. Register
// all hooks before the backend serves requests.
func (b *Backend) Intercept(collection string, phase hooks.Phase, handler hooks.Handler) {
	b.pipeline.Register(collection, phase, handler)
}

// handleRoutes adds all routes to the router
func (b *Backend) handleRoutes(router *mux.Router) {
	log := logger.Default()
	log.Debugln("backend routes enabled")
	log.Debugln("  handle collections routes: /collections GET,POST")
	router.HandleFunc("/collections", b.collectionsListHandler).Methods(http.MethodGet)
	router.HandleFunc("/collections", b.collectionCreateHandler).Methods(http.MethodPost)
	log.Debugln("  handle collection routes: /collections/{collection} GET,PATCH,DELETE")
	router.HandleFunc("/collections/{collection}", b.collectionGetHandler).Methods(http.MethodGet)
	router.HandleFunc("/collections/{collection}", b.collectionUpdateHandler).Methods(http.MethodPatch)
	router.HandleFunc("/collections/{collection}", b.collectionDeleteHandler).Methods(http.MethodDelete)
	log.Debugln("  handle field routes: /collections/{collection}/fields POST, /fields/{field} PATCH,DELETE")
	router.HandleFunc("/collections/{collection}/fields", b.fieldCreateHandler).Methods(http.MethodPost)
	router.HandleFunc("/collections/{collection}/fields/{field}", b.fieldUpdateHandler).Methods(http.MethodPatch)
	router.HandleFunc("/collections/{collection}/fields/{field}", b.fieldDeleteHandler).Methods(http.MethodDelete)
	log.Debugln("  handle record routes: /collections/{collection}/records GET,POST, /records/{id} GET,PATCH,DELETE")
	router.HandleFunc("/collections/{collection}/records", b.recordsListHandler).Methods(http.MethodGet)
	router.HandleFunc("/collections/{collection}/records", b.recordCreateHandler).Methods(http.MethodPost)
	router.HandleFunc("/collections/{collection}/records/{id}", b.recordGetHandler).Methods(http.MethodGet)
	router.HandleFunc("/collections/{collection}/records/{id}", b.recordUpdateHandler).Methods(http.MethodPatch)
	router.HandleFunc("/collections/{collection}/records/{id}", b.recordDeleteHandler).Methods(http.MethodDelete)
	if b.hub != nil {
		log.Debugln("  handle realtime route: /realtime GET")
		router.HandleFunc("/realtime", b.hub.Handler).Methods(http.MethodGet)
	}
}

// publish hands a committed change event to every configured sink.
func (b *Backend) publish(event core.Event) {
	for _, sink := range b.sinks {
		sink.Publish(event)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.MarshalWithOption(v, json.DisableHTMLEscape())
	if err != nil {
		apierror.Write(w, apierror.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

func readBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierror.Validation("invalid json body: %s", err)
	}
	return nil
}
