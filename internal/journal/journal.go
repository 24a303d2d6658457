// Package journal keeps the durable transaction history behind the
// velox history command. The log is append-only; undo and redo move a
// pointer over it instead of mutating entries.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/velox-pm/velox/internal/pkgmgr"
)

var (
	// ErrNotFound marks lookups of ids not present in the log.
	ErrNotFound = errors.New("transaction not found")
	// ErrAtBoundary marks undo/redo past the edge of the log.
	ErrAtBoundary = errors.New("already at history boundary")
	// ErrInUse marks clearing an entry a pending undo still references.
	ErrInUse = errors.New("transaction in use")
	// ErrWrite marks a failed durable write.
	ErrWrite = errors.New("journal write error")
	// ErrReadOnly marks mutations on a journal degraded by corruption.
	ErrReadOnly = errors.New("journal is read-only")
)

// StateCompleted is recorded on every committed transaction; entries
// are only appended after the underlying operation succeeded.
const StateCompleted = "completed"

// Transaction is one recorded mutating operation. Immutable once
// committed.
type Transaction struct {
	ID          uint64         `json:"id"`
	Time        time.Time      `json:"time"`
	Kind        pkgmgr.Action  `json:"kind"`
	RequestedBy string         `json:"requested_by,omitempty"`
	Deltas      []pkgmgr.Delta `json:"deltas"`
	State       string         `json:"state"`
}

// Applier executes deltas against the system; the journal delegates to
// it during undo and redo.
type Applier interface {
	Apply(ctx context.Context, deltas []pkgmgr.Delta) error
}

// Journal serializes all access behind one mutex (single-writer
// discipline for the shared store).
type Journal struct {
	mu      sync.Mutex
	store   *store
	entries []*Transaction

	// pointer indexes the last applied entry, -1 when everything is
	// undone or the log is empty.
	pointer int
	nextID  uint64

	degraded error // non-nil when the on-disk log is corrupt
}

// Open loads the journal at path. Corruption does not fail Open: the
// valid prefix is served read-only and every mutation returns
// ErrReadOnly until the store is repaired.
func Open(path string) (*Journal, error) {
	st := &store{path: path}
	entries, corruptErr := st.load()

	j := &Journal{
		store:    st,
		entries:  entries,
		pointer:  len(entries) - 1,
		nextID:   1,
		degraded: corruptErr,
	}
	if n := len(entries); n > 0 {
		j.nextID = entries[n-1].ID + 1
	}
	if corruptErr != nil {
		slog.Error("journal corrupt, entering read-only mode", "path", path, "error", corruptErr)
		return j, nil
	}

	pointerID, ok, err := st.loadPointer()
	if err != nil {
		slog.Warn("journal state unreadable, assuming tip", "path", path, "error", err)
		return j, nil
	}
	if ok {
		j.pointer = j.indexOf(pointerID) // -1 for the sentinel
	}
	return j, nil
}

// ReadOnly reports whether the journal refuses mutation, with cause.
func (j *Journal) ReadOnly() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.degraded == nil {
		return nil
	}
	return errors.Mark(j.degraded, ErrReadOnly)
}

// Entries returns a snapshot of all committed transactions in order.
func (j *Journal) Entries() []*Transaction {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Transaction, len(j.entries))
	copy(out, j.entries)
	return out
}

// indexOf returns the position of id, or -1. Callers hold j.mu.
func (j *Journal) indexOf(id uint64) int {
	for i, tx := range j.entries {
		if tx.ID == id {
			return i
		}
	}
	return -1
}

// Append assigns the next id, writes the entry durably and advances
// the pointer to it. The in-memory log is only updated after the
// durable write succeeded.
func (j *Journal) Append(kind pkgmgr.Action, deltas []pkgmgr.Delta, requestedBy string) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.degraded != nil {
		return 0, errors.Mark(j.degraded, ErrReadOnly)
	}

	tx := &Transaction{
		ID:          j.nextID,
		Time:        time.Now().UTC(),
		Kind:        kind,
		RequestedBy: requestedBy,
		Deltas:      deltas,
		State:       StateCompleted,
	}

	if err := j.store.appendRecord(tx); err != nil {
		// The on-disk state is now uncertain; stop mutating until
		// the next load re-validates it.
		j.degraded = err
		return 0, errors.Mark(errors.Wrap(err, "journal append"), ErrWrite)
	}
	if err := j.store.savePointer(tx.ID); err != nil {
		j.degraded = err
		return 0, errors.Mark(errors.Wrap(err, "journal append"), ErrWrite)
	}

	j.entries = append(j.entries, tx)
	j.pointer = len(j.entries) - 1
	j.nextID++
	return tx.ID, nil
}

// Info returns the transaction with the given id.
func (j *Journal) Info(id uint64) (*Transaction, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	idx := j.indexOf(id)
	if idx < 0 {
		return nil, errors.Mark(errors.Newf("transaction %d does not exist", id), ErrNotFound)
	}
	return j.entries[idx], nil
}

// Undo rolls back every transaction from the pointer down to and
// including id by applying inverse deltas. History is not mutated;
// only the pointer moves.
func (j *Journal) Undo(ctx context.Context, id uint64, applier Applier) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.degraded != nil {
		return errors.Mark(j.degraded, ErrReadOnly)
	}
	target := j.indexOf(id)
	if target < 0 {
		return errors.Mark(errors.Newf("transaction %d does not exist", id), ErrNotFound)
	}
	if j.pointer < 0 {
		return errors.Mark(errors.New("nothing to undo"), ErrAtBoundary)
	}
	if target > j.pointer {
		return errors.Mark(errors.Newf("transaction %d is already undone", id), ErrAtBoundary)
	}

	for i := j.pointer; i >= target; i-- {
		tx := j.entries[i]
		slog.Info("undoing transaction", "id", tx.ID, "kind", tx.Kind)
		if err := applier.Apply(ctx, pkgmgr.InverseAll(tx.Deltas)); err != nil {
			// Entries above i are already rolled back; remember that.
			j.setPointer(i)
			return errors.Wrapf(err, "undo of transaction %d", tx.ID)
		}
	}
	return j.setPointer(target - 1)
}

// Redo reapplies the forward deltas of previously undone transactions
// from the pointer up to and including id.
func (j *Journal) Redo(ctx context.Context, id uint64, applier Applier) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.degraded != nil {
		return errors.Mark(j.degraded, ErrReadOnly)
	}
	target := j.indexOf(id)
	if target < 0 {
		return errors.Mark(errors.Newf("transaction %d does not exist", id), ErrNotFound)
	}
	if j.pointer >= len(j.entries)-1 {
		return errors.Mark(errors.New("nothing to redo"), ErrAtBoundary)
	}
	if target <= j.pointer {
		return errors.Mark(errors.Newf("transaction %d is already applied", id), ErrAtBoundary)
	}

	for i := j.pointer + 1; i <= target; i++ {
		tx := j.entries[i]
		slog.Info("redoing transaction", "id", tx.ID, "kind", tx.Kind)
		if err := applier.Apply(ctx, tx.Deltas); err != nil {
			j.setPointer(i - 1)
			return errors.Wrapf(err, "redo of transaction %d", tx.ID)
		}
	}
	return j.setPointer(target)
}

// setPointer persists and records the new pointer index. Callers hold j.mu.
func (j *Journal) setPointer(idx int) error {
	var id uint64
	if idx >= 0 {
		id = j.entries[idx].ID
	}
	if err := j.store.savePointer(id); err != nil {
		j.degraded = err
		return errors.Mark(errors.Wrap(err, "journal state"), ErrWrite)
	}
	j.pointer = idx
	return nil
}

// Clear removes the single entry id. Entries sitting after the pointer
// belong to the redo window and may not be removed. Remaining ids are
// unchanged.
func (j *Journal) Clear(id uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.degraded != nil {
		return errors.Mark(j.degraded, ErrReadOnly)
	}
	idx := j.indexOf(id)
	if idx < 0 {
		return errors.Mark(errors.Newf("transaction %d does not exist", id), ErrNotFound)
	}
	if idx > j.pointer {
		return errors.Mark(
			errors.Newf("transaction %d is awaiting redo and cannot be cleared", id),
			ErrInUse)
	}

	remaining := make([]*Transaction, 0, len(j.entries)-1)
	remaining = append(remaining, j.entries[:idx]...)
	remaining = append(remaining, j.entries[idx+1:]...)

	if err := j.store.rewrite(remaining); err != nil {
		j.degraded = err
		return errors.Mark(errors.Wrap(err, "journal clear"), ErrWrite)
	}
	j.entries = remaining
	return j.setPointer(j.pointer - 1)
}

// ClearAll truncates the log and resets the id counter to 1.
func (j *Journal) ClearAll() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.degraded != nil {
		return errors.Mark(j.degraded, ErrReadOnly)
	}
	if err := j.store.removeAll(); err != nil {
		j.degraded = err
		return errors.Mark(errors.Wrap(err, "journal clear all"), ErrWrite)
	}
	j.entries = nil
	j.pointer = -1
	j.nextID = 1
	return nil
}
