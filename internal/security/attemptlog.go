package security

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Attempt is one authentication attempt against a VM.
type Attempt struct {
	VMID     uint      `json:"vm_id"`
	OwnerID  uint      `json:"owner_id"`
	Username string    `json:"username"`
	SourceIP string    `json:"source_ip"`
	Success  bool      `json:"success"`
	At       time.Time `json:"at"`
}

// AttemptLog is an append-only record of authentication attempts kept
// outside the event store for offline audit.
type AttemptLog struct {
	db        *badger.DB
	retention time.Duration
	seq       atomic.Uint64
}

// OpenAttemptLog opens (or creates) the log under dir. Entries older than
// retention expire; zero keeps them forever.
func OpenAttemptLog(dir string, retention time.Duration) (*AttemptLog, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open attempt log: %w", err)
	}
	return &AttemptLog{db: db, retention: retention}, nil
}

func (l *AttemptLog) Close() error {
	return l.db.Close()
}

func vmPrefix(vmID uint) []byte {
	return []byte(fmt.Sprintf("attempt:%020d:", vmID))
}

// attemptKey sorts by VM and then by time, so a VM's attempts form one
// contiguous, chronological range.
func attemptKey(vmID uint, at time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("attempt:%020d:%020d:%010d", vmID, at.UnixNano(), seq))
}

func (l *AttemptLog) Append(a Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := attemptKey(a.VMID, a.At, l.seq.Add(1))
	return l.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, data)
		if l.retention > 0 {
			e = e.WithTTL(l.retention)
		}
		return txn.SetEntry(e)
	})
}

// Since returns the VM's attempts at or after since, oldest first.
func (l *AttemptLog) Since(vmID uint, since time.Time) ([]Attempt, error) {
	prefix := vmPrefix(vmID)
	start := attemptKey(vmID, since, 0)
	var out []Attempt
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			var a Attempt
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &a)
			}); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
