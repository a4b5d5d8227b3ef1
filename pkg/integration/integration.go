// Package integration defines the contracts a Port integration implements
// against the runtime: data fetchers for resyncs and processors for live
// webhook events. Everything else is owned by the runtime.
package integration

import (
	"context"
	"net/http"
	"time"
)

// RawRecord is an opaque JSON value delivered by a fetcher. The runtime
// treats records as immutable during mapping.
type RawRecord = map[string]interface{}

// Fetcher streams raw records for a kind as a finite sequence of batches.
// Implementations may block on I/O and must observe ctx cancellation; a
// non-nil yield error means the run is over and fetching must stop.
type Fetcher interface {
	FetchBatches(ctx context.Context, kind string, yield func(batch []RawRecord) error) error
}

// FetchFunc adapts a function to the Fetcher interface
type FetchFunc func(ctx context.Context, kind string, yield func(batch []RawRecord) error) error

// FetchBatches implements Fetcher
func (f FetchFunc) FetchBatches(ctx context.Context, kind string, yield func(batch []RawRecord) error) error {
	return f(ctx, kind, yield)
}

// Event is an inbound live-event delivery
type Event struct {
	ID         string
	Path       string
	Headers    map[string]string
	Payload    map[string]interface{}
	RawBody    []byte
	ReceivedAt time.Time
}

// Header returns a delivery header, empty when absent
func (e Event) Header(name string) string {
	return e.Headers[name]
}

// EntityRef identifies a catalog entity
type EntityRef struct {
	Blueprint  string
	Identifier string
}

// Delta is the outcome of handling an event: raw records to re-map through
// the regular pipeline, grouped by kind, and entity keys to delete.
type Delta struct {
	Records map[string][]RawRecord
	Deletes []EntityRef
}

// Processor handles live events for one webhook path
type Processor interface {
	// Authenticate verifies the delivery (HMAC signature, shared secret,
	// allow-list). A non-nil error rejects the request with a 4xx before
	// any processing happens.
	Authenticate(r *http.Request) error

	// Filter is a cheap payload check; false drops the event silently
	Filter(event Event) bool

	// Kinds names the kinds the event may affect. Events naming only
	// kinds absent from the mapping config are dropped before Handle;
	// an empty slice means unknown and the event is always handled.
	Kinds(event Event) []string

	// Handle converts the event into records to re-map and keys to delete
	Handle(ctx context.Context, event Event) (Delta, error)
}

// RoutingKeyer lets a processor pin events to an ordering key. Events with
// the same key apply in arrival order; distinct keys may run in parallel.
// Without it, the manager serializes per webhook path.
type RoutingKeyer interface {
	RoutingKey(event Event) string
}
