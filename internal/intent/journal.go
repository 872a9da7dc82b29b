package intent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// walEntry mirrors the teacher's order.walEntry: one action tag plus the
// full record, appended and fsynced before the in-memory state changes.
type walEntry struct {
	Action string `json:"action"` // "RECORD" | "BEGIN" | "COMPLETE" | "FAIL"
	Record Record `json:"record"`
}

// Journal is the durable, crash-recoverable intent ledger.
type Journal struct {
	mu      sync.Mutex
	walPath string
	walFile *os.File
	records map[uuid.UUID]Record
}

// Open creates or loads the journal at walDir/intents.wal, replaying any
// existing entries into memory (see recover).
func Open(walDir string) (*Journal, error) {
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, fmt.Errorf("create intent WAL directory: %w", err)
	}
	walPath := filepath.Join(walDir, "intents.wal")

	j := &Journal{walPath: walPath, records: make(map[uuid.UUID]Record)}
	if err := j.recover(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open intent WAL: %w", err)
	}
	j.walFile = file
	return j, nil
}

// recover replays the WAL into j.records so the in-memory view reflects
// every RECORD/BEGIN/COMPLETE/FAIL entry written before a crash.
func (j *Journal) recover() error {
	file, err := os.Open(j.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open intent WAL for recovery: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	recovered := 0
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Printf("intent WAL parse error (skipping): %v", err)
			continue
		}
		j.records[entry.Record.IntentID] = entry.Record
		recovered++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("intent WAL scan error: %w", err)
	}
	if recovered > 0 {
		log.Printf("intent journal: replayed %d entries from WAL", recovered)
	}
	return nil
}

func (j *Journal) append(entry walEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal intent WAL entry: %w", err)
	}
	if _, err := j.walFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write intent WAL entry: %w", err)
	}
	return j.walFile.Sync()
}

// Get returns the current record for intentID, if any.
func (j *Journal) Get(intentID uuid.UUID) (Record, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[intentID]
	return r, ok
}

// record durably appends a new Pending record. Returns an error if an
// intent with this id already exists (the caller should have checked Get
// first; record is not itself the dedup point).
func (j *Journal) record(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.records[r.IntentID]; exists {
		return fmt.Errorf("intent %s already recorded", r.IntentID)
	}
	if err := j.append(walEntry{Action: "RECORD", Record: r}); err != nil {
		return err
	}
	j.records[r.IntentID] = r
	return nil
}

func (j *Journal) begin(intentID uuid.UUID) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.records[intentID]
	r.Status = StatusInFlight
	if err := j.append(walEntry{Action: "BEGIN", Record: r}); err != nil {
		return Record{}, err
	}
	j.records[intentID] = r
	return r, nil
}

func (j *Journal) complete(intentID uuid.UUID, result json.RawMessage) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.records[intentID]
	r.Status = StatusCompleted
	r.Result = result
	if err := j.append(walEntry{Action: "COMPLETE", Record: r}); err != nil {
		return Record{}, err
	}
	j.records[intentID] = r
	return r, nil
}

func (j *Journal) fail(intentID uuid.UUID, cause error) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.records[intentID]
	r.Status = StatusFailed
	r.Error = cause.Error()
	if err := j.append(walEntry{Action: "FAIL", Record: r}); err != nil {
		return Record{}, err
	}
	j.records[intentID] = r
	return r, nil
}

// InFlight returns every record currently InFlight, the set that needs
// reconciliation on restart.
func (j *Journal) InFlight() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Record
	for _, r := range j.records {
		if r.Status == StatusInFlight {
			out = append(out, r)
		}
	}
	return out
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.walFile == nil {
		return nil
	}
	if err := j.walFile.Sync(); err != nil {
		return err
	}
	return j.walFile.Close()
}
