package store

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdate adds a FOR UPDATE row lock on dialects that support it. SQLite
// has a single writer and no row locks, so the clause is omitted there; the
// database-level write lock gives the same serialization.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// forUpdateSkipLocked is forUpdate with SKIP LOCKED, used by dequeue so
// concurrent claimers pass over rows another transaction already holds
// instead of blocking on them.
func forUpdateSkipLocked(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}
