/*Package hooks implements the mutation hook pipeline.

Hooks are registered once at startup, keyed by (collection, phase), and are
treated as immutable configuration afterwards. For one mutation the
pipeline runs its hooks synchronously and serially: before-hooks in
registration order, any failure cancels the operation and skips the rest;
after-hooks in registration order, failures logged but never surfaced,
since the mutation has already committed.
*/
package hooks

import (
	"context"

	"github.com/basin-tech/basin/core/logger"
)

// Phase is one lifecycle phase of a record mutation.
type Phase string

// all hook phases
const (
	BeforeCreate Phase = "beforeCreate"
	AfterCreate  Phase = "afterCreate"
	BeforeUpdate Phase = "beforeUpdate"
	AfterUpdate  Phase = "afterUpdate"
	BeforeDelete Phase = "beforeDelete"
	AfterDelete  Phase = "afterDelete"
)

// Event is what a hook handler receives. Before-hooks may modify Record;
// the engine writes the possibly modified record. Metadata carries request
// information such as the authenticated principal.
type Event struct {
	Collection string
	Record     map[string]interface{}
	Metadata   map[string]string
}

// Handler is one interceptor callback.
type Handler func(ctx context.Context, e *Event) error

// Pipeline is the ordered hook registry. Register all handlers before the
// server starts serving requests; registration is not synchronized.
type Pipeline struct {
	handlers map[string][]Handler
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{handlers: make(map[string][]Handler)}
}

func key(collection string, phase Phase) string {
	return collection + "(" + string(phase) + ")"
}

// Register appends a handler for the given collection and phase. Handlers
// run in registration order.
func (p *Pipeline) Register(collection string, phase Phase, handler Handler) {
	k := key(collection, phase)
	logger.Default().Debugf("install hook %s", k)
	p.handlers[k] = append(p.handlers[k], handler)
}

// RunBefore runs the before-hooks for the phase in order. The first error
// cancels the pipeline: remaining hooks are skipped and the error is
// returned so the engine can abort the mutation.
func (p *Pipeline) RunBefore(ctx context.Context, phase Phase, e *Event) error {
	for _, handler := range p.handlers[key(e.Collection, phase)] {
		if err := handler(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// RunAfter runs the after-hooks for the phase in order. Failures are logged
// and swallowed; after-hooks are for side effects, not validation.
func (p *Pipeline) RunAfter(ctx context.Context, phase Phase, e *Event) {
	for _, handler := range p.handlers[key(e.Collection, phase)] {
		if err := handler(ctx, e); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("after-hook failure on %s %s", e.Collection, phase)
		}
	}
}
