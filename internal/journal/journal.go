// Package journal persists serialized event records in a Pebble store so a
// live session can be replayed later through any bridge.
package journal

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	plog "github.com/phuslu/log"

	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/logger"
)

const (
	prefixRecord = "rec:"
	keySource    = "meta:source"
)

// ErrReadOnly is returned by writes on a journal opened read only.
var ErrReadOnly = errors.New("journal is read only")

// Options configure Open.
type Options struct {
	// Compress stores values zstd-compressed. Either kind of value is
	// readable regardless of this setting.
	Compress bool
	// Sync makes every Append durable before it returns.
	Sync     bool
	ReadOnly bool
}

// Journal is an append-only sequence of records.
type Journal struct {
	db    *pebble.DB
	opts  Options
	mu    sync.Mutex // serializes Append
	next  uint64
	count atomic.Uint64
	log   plog.Logger
}

// Open opens or creates the journal in dir.
func Open(dir string, opts Options) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	j := &Journal{db: db, opts: opts, log: logger.NewLoggerWithContext("journal")}

	last, n, err := j.scan()
	if err != nil {
		db.Close()
		return nil, err
	}
	j.next = last + 1
	j.count.Store(n)
	j.log.Debug().Str("dir", dir).Uint64("records", n).Msg("Journal opened")
	return j, nil
}

// scan returns the last sequence number and the number of records.
func (j *Journal) scan() (uint64, uint64, error) {
	it, err := newPrefixIter(j.db, prefixRecord)
	if err != nil {
		return 0, 0, err
	}
	defer it.Close()

	var last, n uint64
	for it.First(); it.Valid(); it.Next() {
		seq, err := parseKey(it.Key())
		if err != nil {
			return 0, 0, err
		}
		last = seq
		n++
	}
	return last, n, it.Error()
}

func recordKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixRecord, seq))
}

func parseKey(key []byte) (uint64, error) {
	seq, err := strconv.ParseUint(string(key[len(prefixRecord):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt journal key %q: %w", key, err)
	}
	return seq, nil
}

func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}

func (j *Journal) writeOptions() *pebble.WriteOptions {
	if j.opts.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// Append stores ev and returns its sequence number. Transient records are
// copied before their view expires, so Append is safe to call from inside a
// bridge decision function.
func (j *Journal) Append(ev *record.EventRecord) (uint64, error) {
	if j.opts.ReadOnly {
		return 0, ErrReadOnly
	}
	data, err := ev.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("serialize record: %w", err)
	}
	if j.opts.Compress {
		if data, err = compressForStorage(data); err != nil {
			return 0, fmt.Errorf("compress record: %w", err)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.next
	if err := j.db.Set(recordKey(seq), data, j.writeOptions()); err != nil {
		return 0, fmt.Errorf("write journal record: %w", err)
	}
	j.next++
	j.count.Add(1)
	return seq, nil
}

// SetSource records what the journal was captured from.
func (j *Journal) SetSource(source string) error {
	if j.opts.ReadOnly {
		return ErrReadOnly
	}
	if err := j.db.Set([]byte(keySource), []byte(source), pebble.Sync); err != nil {
		return fmt.Errorf("write journal source: %w", err)
	}
	return nil
}

// Source returns the value stored by SetSource, or "" if none was.
func (j *Journal) Source() (string, error) {
	val, closer, err := j.db.Get([]byte(keySource))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(val), nil
}

// Len returns the number of records.
func (j *Journal) Len() uint64 {
	return j.count.Load()
}

// Records iterates the journal in append order. Each yielded record is an
// owned copy. Iteration stops after the first error, which is yielded with
// a nil record.
func (j *Journal) Records() iter.Seq2[*record.EventRecord, error] {
	return func(yield func(*record.EventRecord, error) bool) {
		it, err := newPrefixIter(j.db, prefixRecord)
		if err != nil {
			yield(nil, err)
			return
		}
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			data, err := decompressFromStorage(it.Value())
			if err != nil {
				yield(nil, fmt.Errorf("record %s: %w", it.Key(), err))
				return
			}
			var ev record.EventRecord
			if err := ev.UnmarshalBinary(data); err != nil {
				yield(nil, fmt.Errorf("record %s: %w", it.Key(), err))
				return
			}
			if !yield(&ev, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(nil, err)
		}
	}
}

// Replay calls f for every record in order until f returns false. It
// returns the number of records passed to f.
func (j *Journal) Replay(f func(*record.EventRecord) bool) (int, error) {
	var n int
	for ev, err := range j.Records() {
		if err != nil {
			return n, err
		}
		n++
		if !f(ev) {
			break
		}
	}
	return n, nil
}

// Close flushes and closes the store.
func (j *Journal) Close() error {
	if !j.opts.ReadOnly {
		if err := j.db.Flush(); err != nil {
			j.log.Warn().Err(err).Msg("Journal flush failed")
		}
	}
	return j.db.Close()
}
