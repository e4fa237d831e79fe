// Package datastore persists saga records. A record is looked up by its primary key; the factory
// keys deployment records by sub-account id, so a store holds at most one record per
// sub-account.
package datastore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is returned when no record has the requested key.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordExists is returned by Add when a record with the same key is already stored.
	ErrRecordExists = errors.New("record already exists")
)

// Key is the primary key of a record. Its string form is how SQL stores persist it.
type Key interface {
	comparable
	fmt.Stringer
}

// Cloneable provides a Clone() method which returns a copy of the record that shares no mutable
// state with it.
type Cloneable[R any] interface {
	Clone() R
}

// PrimaryKeyHolder is implemented by records that know their own key.
type PrimaryKeyHolder[K Key] interface {
	Key() K
}

// UniqueRecord is a record that is both Cloneable and identified by its primary key.
type UniqueRecord[K Key, R any] interface {
	Cloneable[R]
	PrimaryKeyHolder[K]
}

// FilterFunc is a function that filters a slice of records.
type FilterFunc[K Key, R UniqueRecord[K, R]] func([]R) []R

// Store is a read-only view over a set of records.
type Store[K Key, R UniqueRecord[K, R]] interface {
	// Get returns a copy of the record with the given key, or ErrRecordNotFound.
	Get(ctx context.Context, key K) (R, error)
	// Fetch returns a copy of every record.
	Fetch(ctx context.Context) ([]R, error)
	// Filter returns the records that pass every filter, applied in order.
	Filter(ctx context.Context, filters ...FilterFunc[K, R]) ([]R, error)
}

// MutableStore is a Store that can be written to.
type MutableStore[K Key, R UniqueRecord[K, R]] interface {
	Store[K, R]

	// Add inserts a new record, or returns ErrRecordExists.
	Add(ctx context.Context, record R) error
	// Upsert inserts the record, replacing any record with the same key.
	Upsert(ctx context.Context, record R) error
	// Update replaces an existing record, or returns ErrRecordNotFound.
	Update(ctx context.Context, record R) error
	// Delete removes the record with the given key, or returns ErrRecordNotFound.
	Delete(ctx context.Context, key K) error
}

// NewFilter returns a FilterFunc keeping the records for which predicate returns true.
func NewFilter[K Key, R UniqueRecord[K, R]](predicate func(R) bool) FilterFunc[K, R] {
	return func(records []R) []R {
		filtered := make([]R, 0, len(records))
		for _, record := range records {
			if predicate(record) {
				filtered = append(filtered, record)
			}
		}

		return filtered
	}
}

// ApplyFilters applies filters to records in order.
func ApplyFilters[K Key, R UniqueRecord[K, R]](records []R, filters ...FilterFunc[K, R]) []R {
	for _, filter := range filters {
		records = filter(records)
	}

	return records
}

func keyError(err error, key fmt.Stringer) error {
	return fmt.Errorf("%s: %w", key, err)
}
