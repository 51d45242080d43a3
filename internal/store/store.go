// Package store is the crash-recovery ledger for kernel objects the
// process owns: tunnel names created by internal/tunnel, so a restart
// after a crash can find and remove tunnels the kernel still holds but
// nothing references any more. It is soft state only — binding state
// itself is never persisted here, and a missing or corrupt ledger is
// never fatal, only a loss of the fast path for cleanup.
//
// The open sequence follows ipref-gw's db.go: rename the existing file
// aside as a restore copy, open a fresh file for the new run, and copy
// forward whatever the restore copy had before discarding it. That way
// a crash between rename and copy still leaves a readable ledger behind.
package store

import (
	"fmt"
	"os"
	"path"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dbname    = "tunnels.db"
	tunnelBkt = "tunnels" // tunnel name -> empty value, presence means owned
)

// Ledger is the open, live bbolt-backed store.
type Ledger struct {
	db   *bolt.DB
	path string
}

// Open opens (or creates) the ledger under dir, restoring and merging
// forward the previous run's file if one was left behind uncleanly.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("store: cannot create %v: %w", dir, err)
	}

	dbpath := path.Join(dir, dbname)
	rdbpath := dbpath + "~"

	var rdb *bolt.DB
	if err := os.Rename(dbpath, rdbpath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("store: cannot rename %v: %w", dbpath, err)
		}
	} else {
		var err error
		rdb, err = bolt.Open(rdbpath, 0666, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("store: cannot open restore file %v: %w", rdbpath, err)
		}
	}

	db, err := bolt.Open(dbpath, 0664, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, fmt.Errorf("store: cannot create %v: %w", dbpath, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(tunnelBkt))
		return err
	}); err != nil {
		db.Close()
		if rdb != nil {
			rdb.Close()
		}
		return nil, fmt.Errorf("store: cannot create bucket: %w", err)
	}

	l := &Ledger{db: db, path: dbpath}

	if rdb != nil {
		l.mergeForward(rdb)
		rdb.Close()
		os.Remove(rdbpath)
	}

	return l, nil
}

func (l *Ledger) mergeForward(rdb *bolt.DB) {
	rdb.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(tunnelBkt))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(name, _ []byte) error {
			return l.MarkOwned(string(name))
		})
	})
}

// MarkOwned records that name is a tunnel this process created and is
// responsible for cleaning up if it crashes before releasing it.
func (l *Ledger) MarkOwned(name string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(tunnelBkt))
		return bkt.Put([]byte(name), []byte{})
	})
}

// Forget removes name from the ledger once it is cleanly released.
func (l *Ledger) Forget(name string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(tunnelBkt))
		return bkt.Delete([]byte(name))
	})
}

// Owned returns every tunnel name this process believes it owns,
// including ones left behind by a prior run that never got to release
// them. The caller reconciles this list against the live kernel state.
func (l *Ledger) Owned() ([]string, error) {
	var names []string
	err := l.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(tunnelBkt))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(name, _ []byte) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
