package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// leaseDirPerm is the permission mode for the lease directory.
	leaseDirPerm = fs.FileMode(0o700)

	// leaseFilePerm is the permission mode for the lease database file.
	leaseFilePerm = fs.FileMode(0o600)

	// acquireTimeout bounds how long TryAcquire waits for the bolt file
	// lock. Short on purpose: a held lock means an elected leader exists.
	acquireTimeout = 250 * time.Millisecond
)

var leaseBucket = []byte("lease")

var heartbeatKey = []byte("heartbeat")

// ErrNotHeld is returned by Renew when the lease is no longer held.
var ErrNotHeld = errors.New("lease not held")

// heartbeat is the record the leader refreshes so external observers can
// tell a live holder from a crashed one left behind by a dead process.
type heartbeat struct {
	Holder    string    `json:"holder"`
	RenewedAt time.Time `json:"renewed_at"`
}

// BoltLease implements Lease over a bbolt database file. The exclusive
// file lock taken by bolt.Open admits exactly one holder per database,
// which is the whole mutex: followers time out on open and retry. The
// holder additionally heartbeats a record inside the database; ttl
// bounds how long a heartbeat stays valid, both for external observers
// reading the record and for the holder itself.
type BoltLease struct {
	path   string
	holder string
	ttl    time.Duration

	db        *bolt.DB
	renewedAt time.Time
}

// NewBoltLease creates a lease backed by the database file at path,
// identifying this process as holder in the heartbeat record. ttl is
// the heartbeat validity window: a holder that misses renewals for
// longer than ttl (suspended laptop, stopped process) loses the lease
// on its next Renew and must re-contest. ttl <= 0 disables expiry.
func NewBoltLease(path, holder string, ttl time.Duration) *BoltLease {
	return &BoltLease{path: path, holder: holder, ttl: ttl}
}

// TryAcquire attempts to open the lease database. A lock timeout means
// another process is leading; that is not an error.
func (l *BoltLease) TryAcquire(ctx context.Context) (bool, error) {
	if l.db != nil {
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), leaseDirPerm); err != nil {
		return false, fmt.Errorf("creating lease directory: %w", err)
	}

	db, err := bolt.Open(l.path, leaseFilePerm, &bolt.Options{Timeout: acquireTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return false, nil
		}

		return false, fmt.Errorf("opening lease db: %w", err)
	}

	l.db = db

	if err := l.Renew(ctx); err != nil {
		l.db = nil
		db.Close()

		return false, fmt.Errorf("writing initial heartbeat: %w", err)
	}

	return true, nil
}

// Renew refreshes the heartbeat record. Fails when the lease is not held
// or the database handle has gone bad (disk gone, file deleted under us).
// A holder whose last heartbeat is older than the TTL has already broken
// the promise the record makes to observers; it releases the lock and
// reports ErrNotHeld so the elector demotes it and the election re-runs.
func (l *BoltLease) Renew(_ context.Context) error {
	if l.db == nil {
		return ErrNotHeld
	}

	now := time.Now()

	if l.ttl > 0 && !l.renewedAt.IsZero() && now.Sub(l.renewedAt) > l.ttl {
		stale := now.Sub(l.renewedAt)

		if err := l.Release(); err != nil {
			return fmt.Errorf("releasing expired lease: %w", err)
		}

		return fmt.Errorf("heartbeat stale for %s: %w", stale, ErrNotHeld)
	}

	hb := heartbeat{Holder: l.holder, RenewedAt: now}

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(leaseBucket)
		if err != nil {
			return err
		}

		return b.Put(heartbeatKey, data)
	})
	if err != nil {
		return fmt.Errorf("renewing lease: %w", err)
	}

	l.renewedAt = now

	return nil
}

// Release closes the database, freeing the file lock for the next
// acquirer. Safe to call when not held.
func (l *BoltLease) Release() error {
	if l.db == nil {
		return nil
	}

	db := l.db
	l.db = nil
	l.renewedAt = time.Time{}

	if err := db.Close(); err != nil {
		return fmt.Errorf("closing lease db: %w", err)
	}

	return nil
}
