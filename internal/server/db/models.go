package db

import "time"

// Entry is one value stored under a partition key. Partition keys are
// opaque to this package; callers own their encoding.
type Entry struct {
	PartitionKey string
	ID           string
	Value        []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
