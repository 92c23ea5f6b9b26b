// Package connector implements the capability-set connector model from
// spec §9 (REDESIGN FLAGS): "duck-typed connector plug-ins... become an
// explicit capability set... The core interacts through a stable
// interface; connectors are registered in a process-wide registry
// keyed by type name."
package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/resilience"
)

// Kind tags a connector's transport family (spec §6 "Connector contract").
type Kind string

const (
	KindDatabase    Kind = "database"
	KindFile        Kind = "file"
	KindObjectStore Kind = "object_store"
	KindAPI         Kind = "api"
)

// WriteMode mirrors the LOAD/EXPORT mode clauses a Writable must honor.
type WriteMode string

const (
	WriteReplace WriteMode = "REPLACE"
	WriteAppend  WriteMode = "APPEND"
	WriteUpsert  WriteMode = "UPSERT"
)

// RowBatch is one finite chunk of typed rows, the unit Readable/Writable
// exchange with the executor (spec §4.4 "lazy sequence of typed row batches").
type RowBatch struct {
	Columns []string
	Rows    [][]any
}

// RowIterator is a pull-based, finite, non-restartable batch source
// (spec §9 "Lazy generators ... become a pull-based iterator
// abstraction with explicit lifetime and cancellation").
type RowIterator interface {
	Next(ctx context.Context) (RowBatch, bool, error)
	Close() error
}

// ObjectInfo is one discoverable source object (a table, file, bucket key).
type ObjectInfo struct {
	Name   string
	Schema sqlflow.Snapshot
}

// Configurable connectors accept post-substitution params (spec §3
// "Connector configuration").
type Configurable interface {
	Configure(params map[string]any) error
}

// Testable connectors can verify reachability before use.
type Testable interface {
	TestConnection(ctx context.Context) error
}

// Discoverable connectors can enumerate their readable objects.
type Discoverable interface {
	Discover(ctx context.Context) ([]ObjectInfo, error)
}

// Readable connectors support a full scan of one object.
type Readable interface {
	GetSchema(ctx context.Context, object string) (sqlflow.Snapshot, error)
	Read(ctx context.Context, object string, options map[string]any, batchSize int) (RowIterator, error)
}

// IncrementallyReadable connectors can filter their emission to rows
// newer than a cursor value (spec §4.4 "incremental sync mode").
type IncrementallyReadable interface {
	ReadIncremental(ctx context.Context, object, cursorField string, lastValue any, options map[string]any, batchSize int) (RowIterator, error)
}

// Writable connectors accept staged batches under a write mode.
type Writable interface {
	Write(ctx context.Context, object string, batch RowBatch, mode WriteMode, keys []string) error
}

// Connector is the minimal shape every registered connector satisfies;
// the richer capabilities (Discoverable, IncrementallyReadable,
// Writable, ...) are optional and detected with a type assertion at the
// call site, per spec §9's capability-set model.
type Connector interface {
	Configurable
	Testable
	Kind() Kind
	// ResilienceTier is the connector's own default tier, overridable
	// per spec §4.6 by Config.Resilience[connector_name].
	ResilienceTier() resilience.Tier
}

// Factory constructs a fresh, unconfigured connector instance.
type Factory func() Connector

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs f as the factory for type name. Connectors call
// this from an init() function (spec §9 "registered in a process-wide
// registry keyed by type name").
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	factories[name] = f
}

// New constructs a fresh connector instance for the registered type name.
func New(name string) (Connector, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", sqlflow.ErrUnknownConnectorType, name)
	}

	return f(), nil
}

// Registered reports whether name has a registered factory, for
// validation-time checks before construction.
func Registered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()

	_, ok := factories[name]

	return ok
}
