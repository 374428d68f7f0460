package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// badgerSequenceBandwidth is how many sequence numbers are leased at once.
const badgerSequenceBandwidth = 1000

// BadgerQueue is an embedded offline queue for single-node deployments.
//
// Entries live under "offline:{len}:{recipient}:{seq}" where seq is a 20-digit
// zero-padded value from a badger sequence, so a forward prefix scan
// yields the oldest entry first. DrainOne reads and deletes that entry in
// one read-write transaction; on a conflict with a concurrent drain the
// transaction is retried, so no entry is handed out twice.
type BadgerQueue struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerQueue opens (or creates) a badger database at path.
func NewBadgerQueue(path string) (*BadgerQueue, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}

	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, err
	}

	seq, err := db.GetSequence([]byte("offline:seq"), badgerSequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BadgerQueue{db: db, seq: seq}, nil
}

// Close releases leased sequence numbers and closes the database.
func (q *BadgerQueue) Close() error {
	if err := q.seq.Release(); err != nil {
		q.db.Close()
		return err
	}
	return q.db.Close()
}

// Ping reports whether the database is still open.
func (q *BadgerQueue) Ping(ctx context.Context) error {
	if q.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// The recipient is length-prefixed so that one identity's prefix never
// matches another identity containing ':'.
func badgerPrefix(recipient string) []byte {
	return []byte(fmt.Sprintf("offline:%d:%s:", len(recipient), recipient))
}

func badgerKey(recipient string, seq uint64) []byte {
	return append(badgerPrefix(recipient), fmt.Sprintf("%020d", seq)...)
}

// Enqueue appends payload after every existing entry.
func (q *BadgerQueue) Enqueue(ctx context.Context, recipient string, payload []byte) error {
	if recipient == "" {
		return ErrEmptyIdentity
	}

	seq, err := q.seq.Next()
	if err != nil {
		return err
	}

	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(recipient, seq), payload)
	})
}

// DrainOne pops the oldest entry.
func (q *BadgerQueue) DrainOne(ctx context.Context, recipient string) (Entry, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Entry{}, false, err
		}

		var entry Entry
		var found bool
		err := q.db.Update(func(txn *badger.Txn) error {
			prefix := badgerPrefix(recipient)
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			defer it.Close()

			it.Seek(prefix)
			if !it.ValidForPrefix(prefix) {
				return nil
			}

			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			entry = Entry{Key: string(key), Payload: value}
			found = true
			return txn.Delete(key)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return Entry{}, false, err
		}
		return entry, found, nil
	}
}

// Restore writes entry back under its original key, which sorts before any
// entry enqueued after it.
func (q *BadgerQueue) Restore(ctx context.Context, recipient string, entry Entry) error {
	if entry.Key == "" {
		return q.Enqueue(ctx, recipient, entry.Payload)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entry.Key), entry.Payload)
	})
}

// Len counts pending entries.
func (q *BadgerQueue) Len(ctx context.Context, recipient string) (int64, error) {
	var count int64
	err := q.db.View(func(txn *badger.Txn) error {
		prefix := badgerPrefix(recipient)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
