package partition

import (
	"context"
	"errors"
	"fmt"

	"github.com/aspect-build/tunnelkeeper/internal/server/db"
)

var errTxDone = errors.New("partition tx used after its command returned")

// Tx is the view of one partition handed to a Do command. All of its
// methods run on the partition goroutine.
type Tx struct {
	store *Store
	key   string
	ctx   context.Context
	done  bool
}

// Key returns the partition key.
func (tx *Tx) Key() string { return tx.key }

// Get returns the value under id and whether it exists.
func (tx *Tx) Get(id string) ([]byte, bool, error) {
	if err := tx.check(id); err != nil {
		return nil, false, err
	}
	e, err := tx.store.backend.GetEntry(tx.ctx, tx.key, id)
	if err != nil {
		return nil, false, storageErr("get", err)
	}
	if e == nil {
		return nil, false, nil
	}
	value, err := tx.open(id, e.Value)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put stores value under id.
func (tx *Tx) Put(id string, value []byte) error {
	if err := tx.check(id); err != nil {
		return err
	}
	stored := value
	if s := tx.store.sealer; s != nil {
		var err error
		if stored, err = s.Seal(value, tx.aad(id)); err != nil {
			return storageErr("seal", err)
		}
	}
	if err := tx.store.backend.PutEntry(tx.ctx, tx.key, id, stored); err != nil {
		if errors.Is(err, db.ErrInvalidEntry) {
			return fmt.Errorf("%w: %s/%s: %w", ErrInvalidInput, tx.key, id, err)
		}
		return storageErr("put", err)
	}
	return nil
}

// Delete removes id and reports whether it existed.
func (tx *Tx) Delete(id string) (bool, error) {
	if err := tx.check(id); err != nil {
		return false, err
	}
	deleted, err := tx.store.backend.DeleteEntry(tx.ctx, tx.key, id)
	if err != nil {
		return false, storageErr("delete", err)
	}
	return deleted, nil
}

// List returns all values in the partition ordered by id.
func (tx *Tx) List() ([][]byte, error) {
	if tx.done {
		return nil, errTxDone
	}
	entries, err := tx.store.backend.ListEntries(tx.ctx, tx.key)
	if err != nil {
		return nil, storageErr("list", err)
	}
	values := make([][]byte, 0, len(entries))
	for _, e := range entries {
		v, err := tx.open(e.ID, e.Value)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (tx *Tx) check(id string) error {
	if tx.done {
		return errTxDone
	}
	if !validKey(id) {
		return ErrInvalidInput
	}
	return nil
}

func (tx *Tx) open(id string, stored []byte) ([]byte, error) {
	s := tx.store.sealer
	if s == nil {
		return stored, nil
	}
	value, err := s.Open(stored, tx.aad(id))
	if err != nil {
		return nil, storageErr(fmt.Sprintf("open %s/%s", tx.key, id), err)
	}
	return value, nil
}

func (tx *Tx) aad(id string) []byte {
	return []byte(tx.key + "\x00" + id)
}
