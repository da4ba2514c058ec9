package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// recordVersion is the current on-disk record format version.
const recordVersion = 1

// Record is the durable, serializable form of a rollback action.
//
// Records are framed as JSON Lines: one JSON object per line, appended as the
// action is registered. The version field allows the format to evolve while
// keeping old ledgers readable.
type Record struct {
	// Version is the record format version.
	Version int `json:"version"`
	// Unit is the id of the unit that registered the action.
	Unit string `json:"unit"`
	// Kind names the undo handler for payload-based replay after a crash.
	Kind string `json:"kind"`
	// Description is a human-readable summary of what will be undone.
	Description string `json:"description"`
	// Params carries the serializable payload the undo handler needs.
	Params map[string]any `json:"params,omitempty"`
	// Timestamp is when the action was registered.
	Timestamp time.Time `json:"ts"`
}

// Store persists rollback records across crashes.
type Store interface {
	// Append durably adds one record.
	Append(Record) error
	// Records returns all records in append order.
	Records() []Record
	// Clear removes all records.
	Clear() error
	// Close releases any underlying resources.
	Close() error
}

// DiskStore is an append-only JSON Lines file store.
//
// Opening the store loads any records left behind by a previous run, so a
// crashed run's ledger can be inspected or replayed by the recovery tool.
type DiskStore struct {
	path string

	mu      sync.Mutex
	file    *os.File
	records []Record
}

// OpenDiskStore opens (or creates) the ledger file at path and loads any
// existing records. A torn final line, left by a crash mid-append, is
// discarded.
func OpenDiskStore(path string) (*DiskStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	records, err := loadRecords(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}

	return &DiskStore{path: path, file: file, records: records}, nil
}

// Append writes one record as a JSON line and syncs it to disk.
func (s *DiskStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger record: %w", err)
	}

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append ledger record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger file: %w", err)
	}

	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of all records in append order.
func (s *DiskStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Clear truncates the ledger file and drops the in-memory records.
func (s *DiskStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate ledger file: %w", err)
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to rewind ledger file: %w", err)
	}

	s.records = s.records[:0]
	return nil
}

// Close closes the underlying file.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// loadRecords reads the JSON Lines file at path, tolerating a missing file
// and a torn final line.
func loadRecords(path string) ([]Record, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			// A partial trailing line means the process died mid-append.
			// Anything unparsable before that is corruption.
			if scanner.Scan() {
				return nil, fmt.Errorf("corrupt ledger record at line %d: %w", line, err)
			}
			break
		}
		if rec.Version != recordVersion {
			return nil, fmt.Errorf("unsupported ledger record version %d at line %d", rec.Version, line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger file: %w", err)
	}

	return records, nil
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Append adds one record.
func (s *MemStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of all records in append order.
func (s *MemStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Clear removes all records.
func (s *MemStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = s.records[:0]
	return nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }
