package store

import "gorm.io/gorm/clause"

// onConflictDoNothing makes a transaction-record insert idempotent on its
// natural key, matching the Processor's "insert idempotent on txid"
// requirement without a separate existence check.
func onConflictDoNothing(column string) clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: column}},
		DoNothing: true,
	}
}
