package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// store persists transactions as one JSON record per line, append-only.
// A partial trailing line (torn write) or a record that fails to decode
// is detected at load and reported as corruption.
type store struct {
	path string
}

// load reads every record. It returns the valid prefix of the log and,
// when the log is damaged, a non-nil corruption error describing the
// first problem found.
func (s *store) load() ([]*Transaction, error) {
	f, err := os.Open(s.path) // #nosec G304 - path comes from validated configuration
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "journal load")
	}
	defer f.Close()

	var entries []*Transaction
	var lastID uint64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		tx := new(Transaction)
		if err := json.Unmarshal(raw, tx); err != nil {
			return entries, errors.Wrapf(err, "corrupt journal record at line %d", line)
		}
		if tx.ID <= lastID {
			return entries, errors.Newf("journal ids not strictly increasing at line %d (%d after %d)",
				line, tx.ID, lastID)
		}
		lastID = tx.ID
		entries = append(entries, tx)
	}
	if err := scanner.Err(); err != nil {
		return entries, errors.Wrap(err, "journal load")
	}
	return entries, nil
}

// appendRecord durably appends one record. The caller must not update
// in-memory state until this returns nil.
func (s *store) appendRecord(tx *Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600) // #nosec G304 - validated path
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rewrite atomically replaces the whole log, used by clear.
func (s *store) rewrite(entries []*Transaction) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".journal-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc := json.NewEncoder(tmp)
	for _, tx := range entries {
		if err := enc.Encode(tx); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return err
	}
	return dirSync(dir)
}

// pointerState is the sidecar recording the undo/redo pointer.
// PointerID 0 is the "before first entry" sentinel.
type pointerState struct {
	PointerID uint64 `json:"pointer_id"`
}

func (s *store) statePath() string {
	return s.path + ".state"
}

func (s *store) loadPointer() (uint64, bool, error) {
	data, err := os.ReadFile(s.statePath()) // #nosec G304 - validated path
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var st pointerState
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, false, errors.Wrap(err, "corrupt journal state")
	}
	return st.PointerID, true, nil
}

// savePointer writes the sidecar with atomic replace.
func (s *store) savePointer(id uint64) error {
	data, err := json.Marshal(pointerState{PointerID: id})
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".journal-state-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	return os.Rename(tmpName, s.statePath())
}

func (s *store) removeAll() error {
	if err := os.Remove(s.statePath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.rewrite(nil)
}

func dirSync(d string) error {
	f, err := os.OpenFile(filepath.Clean(d), os.O_RDONLY, 0755) // #nosec G304,G302 - directory access
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
