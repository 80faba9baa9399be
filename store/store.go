// Package store is the transactional adapter every contest and battle mutation
// goes through. It exposes exactly the primitives the game logic relies on:
// a transaction, a locked read, an insert that tolerates an existing row, and
// a partial update. Row-level locking in the database is the only concurrency
// control; nothing here keeps state between calls.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by reads when the row does not exist.
var ErrNotFound = errors.New("record not found")

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle for read-only queries outside a transaction.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Tx is a handle bound to one open transaction.
type Tx struct {
	db *gorm.DB
}

// DB exposes the transaction for queries the adapter does not cover.
func (t *Tx) DB() *gorm.DB {
	return t.db
}

// RunInTransaction runs fn in a single database transaction. The transaction
// commits when fn returns nil and rolls back otherwise; fn's error is returned
// unchanged so classified errors survive.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(&Tx{db: g})
	})
}

// GetForUpdate loads the row with primary key id into dest and holds an
// exclusive lock on it until the transaction ends (SELECT ... FOR UPDATE).
func (t *Tx) GetForUpdate(dest any, id string) error {
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(dest).Error
	return translate(err)
}

// GetForUpdateWhere is GetForUpdate with an arbitrary key column.
func (t *Tx) GetForUpdateWhere(dest any, column, value string) error {
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(clause.Eq{Column: clause.Column{Name: column}, Value: value}).
		Take(dest).Error
	return translate(err)
}

// Get loads a row inside the transaction without taking a lock. Used for rows
// that are already protected by the lock on their parent.
func (t *Tx) Get(dest any, query string, args ...any) error {
	return translate(t.db.Where(query, args...).Take(dest).Error)
}

// InsertIfAbsent creates row unless a row with the same key already exists.
// It reports whether a row was inserted.
func (t *Tx) InsertIfAbsent(row any) (bool, error) {
	res := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("insert if absent: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Insert creates row and fails on any conflict.
func (t *Tx) Insert(row any) error {
	if err := t.db.Create(row).Error; err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// Save writes every column of row, which must carry its primary key.
func (t *Tx) Save(row any) error {
	if err := t.db.Save(row).Error; err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// Update applies patch to the row of model identified by id.
func (t *Tx) Update(model any, id string, patch map[string]any) error {
	res := t.db.Model(model).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return fmt.Errorf("update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
