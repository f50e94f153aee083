package stint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/plumehq/plume/errors"
)

// Item is one unit of work flowing through a stage: one mail message, one
// crawled page.
type Item struct {
	// ExternalID is the stable identity the destination store dedupes
	// on; re-delivery of an already-applied item must be a no-op there.
	ExternalID string

	// Payload carries whatever the stage needs to process the item.
	Payload interface{}

	// Processable is false while the item waits on a dependent step,
	// such as a crawled page whose content has not been hydrated yet.
	// The runner skips these and reports waiting_on_dependency instead
	// of spinning; they must remain reachable at the source so a later
	// run picks them up.
	Processable bool
}

// Page is one bounded slice of source work.
type Page struct {
	Items []Item

	// NextCursor is the resume position once every item in this page has
	// been applied.
	NextCursor string

	// HasMore reports whether the source has pages beyond this one.
	// Stages that cannot know cheaply should say true; the runner
	// confirms exhaustion with one empty fetch.
	HasMore bool

	// ExternalRef optionally carries a provider-side run identifier
	// discovered during the fetch, for stages whose provider prepares
	// work asynchronously. Recorded on the job like a batch result's.
	ExternalRef string
}

// BatchResult reports one sub-batch after processing and idempotent
// application to the destination store.
type BatchResult struct {
	// Done counts items durably applied.
	Done int

	// Failed counts items that could not be processed this job and were
	// marked failed at the source. The next job requeues them.
	Failed int

	// ExternalRef optionally carries a provider-side run identifier for
	// the watchdog's status poll.
	ExternalRef string
}

// Stage adapts one pipeline stage to the engine. Implementations own all
// domain I/O: where work comes from, what processing means, and how
// results land in the destination store. The engine owns everything else:
// locking, budgets, checkpoint cadence, retries, and continuation.
type Stage interface {
	// Name is the registry key, e.g. "mail.import".
	Name() string

	// NextStage names the stage chained on completion, or "" for a
	// terminal stage.
	NextStage() string

	// CountWork computes the total units of work for a new job. It may
	// also requeue items a previous job marked failed; they belong to
	// the new job's total.
	CountWork(ctx context.Context, workspaceID string) (int, error)

	// FetchPage returns the next bounded page of work after cursor.
	FetchPage(ctx context.Context, workspaceID, cursor string, limit int) (*Page, error)

	// ProcessBatch runs one sub-batch through the downstream API and
	// upserts results keyed by (workspace_id, external_id). A failed
	// call must leave every item still pending at the source, never
	// half-applied: the engine retries the whole sub-batch later.
	ProcessBatch(ctx context.Context, workspaceID string, items []Item) (*BatchResult, error)
}

// StatusPoller is implemented by stages whose provider exposes a run
// status endpoint. The watchdog polls it for jobs whose completion signal
// may have been dropped in transit.
type StatusPoller interface {
	PollRunStatus(ctx context.Context, workspaceID, externalRef string) (bool, error)
}

// Registry resolves stages by name.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Register adds a stage. Registering the same name twice panics: stage
// wiring is a startup-time mistake, not a runtime condition.
func (r *Registry) Register(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if _, exists := r.stages[name]; exists {
		panic(fmt.Sprintf("stage already registered: %s", name))
	}
	r.stages[name] = s
}

// Get resolves a stage by name.
func (r *Registry) Get(name string) (Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.stages[name]
	if !exists {
		return nil, errors.NewNotFoundError("unknown stage: %s", name)
	}
	return s, nil
}

// Names returns the registered stage names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
