// Package partition serializes access to a durable key-value map per
// partition key.
//
// Every partition key gets its own goroutine that executes commands one
// at a time in arrival order, so any read-check-write sequence handed to
// Do is atomic with respect to every other command on the same key.
// Commands on different keys run in parallel. A partition goroutine exits
// after sitting idle and is recreated on the next command.
package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/crypto"
	"github.com/aspect-build/tunnelkeeper/internal/server/db"
)

var (
	// ErrInvalidInput is returned for an empty or oversized key or id,
	// or a nil command.
	ErrInvalidInput = errors.New("invalid partition request")
	// ErrStorageUnavailable wraps every backend fault. Callers may retry.
	ErrStorageUnavailable = errors.New("partition storage unavailable")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("partition store closed")
)

const (
	maxKeyLen          = 256
	defaultIdleTimeout = time.Minute
	defaultQueueDepth  = 64
)

// Backend is the durable map underneath the partitions. *db.Store
// satisfies it.
type Backend interface {
	PutEntry(ctx context.Context, partitionKey, id string, value []byte) error
	GetEntry(ctx context.Context, partitionKey, id string) (*db.Entry, error)
	DeleteEntry(ctx context.Context, partitionKey, id string) (bool, error)
	ListEntries(ctx context.Context, partitionKey string) ([]db.Entry, error)
}

// Options tunes a Store. The zero value is usable.
type Options struct {
	// Sealer, when set, encrypts every value before it reaches the backend.
	Sealer *crypto.Sealer
	// IdleTimeout is how long a partition goroutine waits for work before
	// exiting. Defaults to one minute.
	IdleTimeout time.Duration
	// QueueDepth is the per-partition command buffer. Defaults to 64.
	QueueDepth int
}

// Store hands out per-key sequential access to a Backend.
type Store struct {
	backend Backend
	sealer  *crypto.Sealer
	idle    time.Duration
	depth   int

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

type command struct {
	ctx  context.Context
	fn   func(*Tx) error
	done chan error
}

type worker struct {
	key   string
	queue chan command
	// pending counts commands accepted but not yet finished. Guarded by
	// Store.mu; a worker only exits when it is zero.
	pending int
}

// New returns a Store over backend.
func New(backend Backend, opts Options) *Store {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	return &Store{
		backend: backend,
		sealer:  opts.Sealer,
		idle:    opts.IdleTimeout,
		depth:   opts.QueueDepth,
		workers: make(map[string]*worker),
		stop:    make(chan struct{}),
	}
}

// Do runs fn on the goroutine that owns key. No other command for key
// runs until fn returns. The Tx must not be used after fn returns.
//
// If ctx is done before fn starts, fn is skipped and ctx.Err() returned.
// Once fn has started Do waits for it; fn sees ctx through the Tx, so
// backend calls stop early on cancellation.
func (s *Store) Do(ctx context.Context, key string, fn func(tx *Tx) error) error {
	if fn == nil || !validKey(key) {
		return ErrInvalidInput
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	w, ok := s.workers[key]
	if !ok {
		w = &worker{key: key, queue: make(chan command, s.depth)}
		s.workers[key] = w
		s.wg.Add(1)
		go s.run(w)
	}
	w.pending++
	s.mu.Unlock()

	cmd := command{ctx: ctx, fn: fn, done: make(chan error, 1)}
	// The worker keeps receiving while pending > 0, so this send
	// cannot block forever.
	w.queue <- cmd

	// fn may write to variables the caller reads after Do returns, so
	// Do never returns before fn has.
	return <-cmd.done
}

// Put stores value under (key, id), replacing any previous value.
func (s *Store) Put(ctx context.Context, key, id string, value []byte) error {
	return s.Do(ctx, key, func(tx *Tx) error {
		return tx.Put(id, value)
	})
}

// Get returns the value under (key, id) and whether it exists.
func (s *Store) Get(ctx context.Context, key, id string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := s.Do(ctx, key, func(tx *Tx) error {
		var err error
		value, found, err = tx.Get(id)
		return err
	})
	return value, found, err
}

// Delete removes (key, id) and reports whether it existed.
func (s *Store) Delete(ctx context.Context, key, id string) (bool, error) {
	var deleted bool
	err := s.Do(ctx, key, func(tx *Tx) error {
		var err error
		deleted, err = tx.Delete(id)
		return err
	})
	return deleted, err
}

// List returns every value in the partition, ordered by id.
func (s *Store) List(ctx context.Context, key string) ([][]byte, error) {
	var values [][]byte
	err := s.Do(ctx, key, func(tx *Tx) error {
		var err error
		values, err = tx.List()
		return err
	})
	return values, err
}

// Close stops accepting commands, lets every partition finish what it
// already accepted, and waits for the partition goroutines to exit.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Active returns the number of live partition goroutines.
func (s *Store) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Store) run(w *worker) {
	defer s.wg.Done()

	timer := time.NewTimer(s.idle)
	defer timer.Stop()

	for {
		select {
		case cmd := <-w.queue:
			s.execute(w, cmd)
			timer.Reset(s.idle)
		case <-timer.C:
			if s.retire(w) {
				return
			}
			timer.Reset(s.idle)
		case <-s.stop:
			for !s.retire(w) {
				s.execute(w, <-w.queue)
			}
			return
		}
	}
}

// retire removes w from the worker map if it has no pending commands.
func (s *Store) retire(w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	delete(s.workers, w.key)
	return true
}

func (s *Store) execute(w *worker, cmd command) {
	cmd.done <- s.invoke(w.key, cmd)

	s.mu.Lock()
	w.pending--
	s.mu.Unlock()
}

func (s *Store) invoke(key string, cmd command) (err error) {
	if err := cmd.ctx.Err(); err != nil {
		return err
	}

	tx := &Tx{store: s, key: key, ctx: cmd.ctx}
	defer func() {
		tx.done = true
		if r := recover(); r != nil {
			err = fmt.Errorf("partition %q: command panicked: %v", key, r)
		}
	}()
	return cmd.fn(tx)
}

func validKey(k string) bool {
	return k != "" && len(k) <= maxKeyLen
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
