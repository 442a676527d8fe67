// Package checkpoint runs a single background worker draining a bounded
// request queue to serialize Portfolio+Risk snapshots atomically to disk,
// generalizing the teacher's centralized state-manager goroutine
// (chidi150c-coinbase/trader.go, a buffered chan of closures drained by one
// goroutine) into a sentinel-terminated save queue with the atomic
// tmp+backup+rename write sequence from saveStateFrom.
package checkpoint

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/marketcore/tradingcore/internal/portfolio"
	"github.com/marketcore/tradingcore/internal/risk"
)

// Snapshot is the on-disk checkpoint shape.
type Snapshot struct {
	Portfolio portfolio.Snapshot `json:"portfolio"`
	Risk      risk.State         `json:"risk"`
}

// request is a queue entry; a nil SnapshotFn is the terminal sentinel that
// signals the worker to exit after draining.
type request struct {
	snapshotFn func() Snapshot
	done       chan struct{}
}

// Checkpointer owns the background save worker. save_async enqueues a
// request and returns immediately, dropping it with a logged warning if
// the queue is full rather than blocking the coordinator thread.
type Checkpointer struct {
	path     string
	queue    chan *request
	wg       sync.WaitGroup
	onDrop   func()
	onError  func(error)
}

// New creates a Checkpointer writing to path with a bounded queue of
// capacity 10 (per spec §4.H) and starts its worker goroutine.
func New(path string, onDrop func(), onError func(error)) *Checkpointer {
	if onDrop == nil {
		onDrop = func() {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	c := &Checkpointer{
		path:    path,
		queue:   make(chan *request, 10),
		onDrop:  onDrop,
		onError: onError,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Checkpointer) run() {
	defer c.wg.Done()
	for req := range c.queue {
		if req.snapshotFn == nil {
			// Terminal sentinel: the crucial deadlock-avoidance step is that
			// the caller is blocked on req.done, not on the channel itself,
			// so this close must happen before returning.
			close(req.done)
			return
		}
		if err := c.writeAtomic(req.snapshotFn()); err != nil {
			c.onError(err)
		}
		close(req.done)
	}
}

// SaveAsync tries to enqueue a save request, calling snapshotFn on the
// worker goroutine (not the caller's) to build the point-in-time snapshot.
// If the queue is full, the request is dropped and onDrop is invoked.
func (c *Checkpointer) SaveAsync(snapshotFn func() Snapshot) {
	req := &request{snapshotFn: snapshotFn, done: make(chan struct{})}
	select {
	case c.queue <- req:
	default:
		c.onDrop()
	}
}

// SaveSync enqueues a save request and blocks until the worker has
// completed it (or timeout elapses). Used for the final shutdown save.
func (c *Checkpointer) SaveSync(snapshotFn func() Snapshot, timeout time.Duration) error {
	req := &request{snapshotFn: snapshotFn, done: make(chan struct{})}
	select {
	case c.queue <- req:
	case <-time.After(timeout):
		return errTimeout{}
	}
	select {
	case <-req.done:
		return nil
	case <-time.After(timeout):
		return errTimeout{}
	}
}

type errTimeout struct{}

func (errTimeout) Error() string { return "checkpoint: save did not complete before timeout" }

// Shutdown pushes the terminal sentinel, waits (bounded by timeout) for the
// worker to drain and exit, then performs one final synchronous save. The
// sentinel's done channel MUST be closed by the worker even though it
// carries no snapshot — skipping that close is the classic deadlock bug
// this method is built to avoid: a caller blocked forever on a sentinel
// that's "done" in effect but never signaled as such.
func (c *Checkpointer) Shutdown(finalSnapshot func() Snapshot, timeout time.Duration) error {
	sentinel := &request{done: make(chan struct{})}
	c.queue <- sentinel
	close(c.queue)

	select {
	case <-sentinel.done:
	case <-time.After(timeout):
	}

	waited := make(chan struct{})
	go func() { c.wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(timeout):
	}

	return c.writeAtomic(finalSnapshot())
}

// writeAtomic serializes snap and writes it via write-tmp, rotate-existing
// to .backup, rename-tmp-to-live — the same sequence the idempotency
// tracker uses, grounded on the teacher's saveStateFrom.
func (c *Checkpointer) writeAtomic(snap Snapshot) error {
	buf, err := json.MarshalIndent(snap, "", " ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return err
	}
	if _, err := os.Stat(c.path); err == nil {
		if err := os.Rename(c.path, c.path+".backup"); err != nil {
			return err
		}
	}
	return os.Rename(tmp, c.path)
}

// Load restores the most recent checkpoint from path, falling back to
// .backup. Returns an error only if neither file is readable/parseable;
// callers treat that as "start fresh", not fatal.
func Load(path string) (Snapshot, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		buf, err = os.ReadFile(path + ".backup")
		if err != nil {
			return Snapshot{}, err
		}
	}
	var snap Snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		buf, err2 := os.ReadFile(path + ".backup")
		if err2 != nil {
			return Snapshot{}, err
		}
		if err := json.Unmarshal(buf, &snap); err != nil {
			return Snapshot{}, err
		}
	}
	return snap, nil
}
