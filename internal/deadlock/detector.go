// Package deadlock finds cycles in the wait-for graph of lock transactions.
// It only reports them; no transaction is aborted.
package deadlock

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/internal/twophase"
	"github.com/RezaEskandarii/txlock/types"
)

// Report is the outcome of one scan. It is what gets published to the
// message broker and served over HTTP.
type Report struct {
	Instance   string           `json:"instance,omitempty"`
	DetectedAt time.Time        `json:"detected_at"`
	Cycles     [][]string       `json:"cycles"`
	Waits      []types.LockWait `json:"waits"`
}

// HasCycles reports whether the scan found at least one deadlock.
func (r Report) HasCycles() bool {
	return len(r.Cycles) > 0
}

type Detector struct {
	store   store.LockStore
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

type Option func(*Detector)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(d *Detector) {
		d.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDetector(lockStore store.LockStore, opts ...Option) *Detector {
	d := &Detector{
		store:  lockStore,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectDeadlocks returns the distinct cycles of transaction ids found by one
// search of the current wait-for graph. Every deadlocked transaction is in at
// least one of them. The result is empty, never nil, when there is
// no deadlock.
func (d *Detector) DetectDeadlocks(ctx context.Context) ([][]string, error) {
	report, err := d.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return report.Cycles, nil
}

// Scan builds the wait-for graph and returns the cycles together with the
// waits the graph was built from.
func (d *Detector) Scan(ctx context.Context) (Report, error) {
	now := d.now()
	waits, err := d.store.ListWaits(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list lock waits: %w", err)
	}

	graph, err := d.buildGraph(ctx, waits, now)
	if err != nil {
		return Report{}, err
	}
	cycles := findCycles(graph)

	d.metrics.record(len(cycles))
	for _, c := range cycles {
		d.logger.WarnContext(ctx, "deadlock detected", "transactions", strings.Join(c, " -> "))
	}

	if waits == nil {
		waits = []types.LockWait{}
	}
	return Report{DetectedAt: now, Cycles: cycles, Waits: waits}, nil
}

// buildGraph adds an edge from each waiting transaction to every other
// transaction holding a conflicting active lock on the awaited resource.
func (d *Detector) buildGraph(ctx context.Context, waits []types.LockWait, now time.Time) (map[string][]string, error) {
	graph := make(map[string][]string)
	holders := make(map[string][]types.Lock)

	for _, w := range waits {
		key := w.ResourceType + ":" + w.ResourceID
		active, ok := holders[key]
		if !ok {
			var err error
			active, err = d.store.FindActive(ctx, w.ResourceID, w.ResourceType, now)
			if err != nil {
				return nil, fmt.Errorf("failed to read locks on %s %s: %w", w.ResourceType, w.ResourceID, err)
			}
			holders[key] = active
		}

		for _, l := range active {
			if l.TransactionID == w.TransactionID || twophase.IsLockCompatible(l.LockType, w.LockType, false) {
				continue
			}
			if !slices.Contains(graph[w.TransactionID], l.TransactionID) {
				graph[w.TransactionID] = append(graph[w.TransactionID], l.TransactionID)
			}
		}
	}
	return graph, nil
}

// findCycles runs a depth-first search from every node, keeping the current
// path on a stack. An edge back into the stack closes a cycle. Cycles are
// rotated to start at their smallest id so each is reported once.
//
// Each node is expanded once, so the result is not every elementary cycle:
// with a->b->c->a and a->c only [a b c] is found. Every transaction that is
// part of some cycle appears in at least one reported cycle.
func findCycles(graph map[string][]string) [][]string {
	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
		slices.Sort(graph[n])
	}
	slices.Sort(nodes)

	var (
		cycles  = [][]string{}
		seen    = make(map[string]bool)
		visited = make(map[string]bool)
		onStack = make(map[string]int)
		stack   []string
	)

	var visit func(n string)
	visit = func(n string) {
		visited[n] = true
		onStack[n] = len(stack)
		stack = append(stack, n)

		for _, next := range graph[n] {
			if idx, ok := onStack[next]; ok {
				cycle := canonical(stack[idx:])
				key := strings.Join(cycle, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			if !visited[next] {
				visit(next)
			}
		}

		stack = stack[:len(stack)-1]
		delete(onStack, n)
	}

	for _, n := range nodes {
		if !visited[n] {
			visit(n)
		}
	}
	return cycles
}

func canonical(path []string) []string {
	start := 0
	for i := range path {
		if path[i] < path[start] {
			start = i
		}
	}
	out := make([]string, 0, len(path))
	out = append(out, path[start:]...)
	out = append(out, path[:start]...)
	return out
}
