// Package store is the persistence layer: gorm-backed CRUD for stores,
// payments, payouts, chain transaction records, and the per-chain watermark,
// plus the atomic multi-row writes the Processor and Monitor depend on.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yourusername/finchwatch/internal/chainerr"
	"github.com/yourusername/finchwatch/internal/model"
)

// DB wraps a *gorm.DB with the domain-specific operations the engine needs.
// A single DB is shared across a chain's Poller, Processor, Monitor, and
// Payouter; gorm's own connection pool handles concurrent access.
type DB struct {
	gorm *gorm.DB
}

// New wraps an already-opened gorm connection.
func New(gdb *gorm.DB) *DB {
	return &DB{gorm: gdb}
}

// AutoMigrate creates/updates the engine's tables. Intended for test setup
// and first-run bootstrap; production schema changes go through migrations
// owned by the API service.
func (db *DB) AutoMigrate() error {
	return db.gorm.AutoMigrate(
		&model.Store{},
		&model.Payment{},
		&model.Payout{},
		&model.BTCTransaction{},
		&model.ETHTransaction{},
		&model.AppStatus{},
	)
}

// AppStatus returns the singleton watermark row, creating it with null
// heights if absent.
func (db *DB) AppStatus(ctx context.Context) (*model.AppStatus, error) {
	var status model.AppStatus
	err := db.gorm.WithContext(ctx).FirstOrCreate(&status, model.AppStatus{ID: 1}).Error
	if err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodePersistence, err, "loading app status")
	}
	return &status, nil
}

// BitcoinWatermark returns the persisted Bitcoin block-height watermark, or
// nil if never set.
func (db *DB) BitcoinWatermark(ctx context.Context) (*uint64, error) {
	status, err := db.AppStatus(ctx)
	if err != nil {
		return nil, err
	}
	return status.BTCBlockHeight, nil
}

// EthereumWatermark returns the persisted Ethereum block-height watermark,
// or nil if never set.
func (db *DB) EthereumWatermark(ctx context.Context) (*uint64, error) {
	status, err := db.AppStatus(ctx)
	if err != nil {
		return nil, err
	}
	return status.ETHBlockHeight, nil
}

// AdvanceWatermark sets the persisted watermark for currency to height. It
// is a single-row update, performed only after every payment matched in the
// block has been written.
func (db *DB) AdvanceWatermark(ctx context.Context, currency model.Currency, height uint64) error {
	column := watermarkColumn(currency)
	if column == "" {
		return fmt.Errorf("store: unknown currency %q", currency)
	}
	err := db.gorm.WithContext(ctx).
		Model(&model.AppStatus{}).
		Where("id = ?", 1).
		Update(column, height).Error
	if err != nil {
		return chainerr.NonRetryablef(chainerr.CodePersistence, err, "advancing %s watermark to %d", currency, height)
	}
	return nil
}

func watermarkColumn(currency model.Currency) string {
	switch currency {
	case model.CurrencyBTC:
		return "btc_block_height"
	case model.CurrencyETH:
		return "eth_block_height"
	default:
		return ""
	}
}

// StoreByID loads a Store by id.
func (db *DB) StoreByID(ctx context.Context, id uuid.UUID) (*model.Store, error) {
	var s model.Store
	if err := db.gorm.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodePersistence, err, "loading store %s", id)
	}
	return &s, nil
}

// OpenPaymentsByAddresses returns every payment whose address is in
// addresses and whose currency matches, regardless of status. A payment
// already in a terminal status is still returned: a transaction can arrive
// at its address after the payment was already settled or expired, and the
// Processor must see it to schedule a late-arrival Refund (§4.2 step 3)
// instead of silently dropping it.
func (db *DB) OpenPaymentsByAddresses(ctx context.Context, currency model.Currency, addresses []string) ([]model.Payment, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	var payments []model.Payment
	err := db.gorm.WithContext(ctx).
		Where("currency = ?", currency).
		Where("address IN ?", addresses).
		Find(&payments).Error
	if err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodePersistence, err, "querying open payments")
	}
	return payments, nil
}

// MatchedPaymentWrite bundles the row-level changes the Processor computed
// for a single matched payment into one database transaction.
type MatchedPaymentWrite struct {
	Payment     model.Payment
	Payout      *model.Payout // nil when no payout is scheduled
	BTCTxID     string
	BTCTxBody   string // opaque JSON, empty if not Bitcoin
	ETHTxHash   string
	ETHTxBody   string // opaque JSON, empty if not Ethereum
}

// ApplyMatchedPayment writes the transaction record, the payment update, and
// the payout row (if any) as a single database transaction, per chain §5's
// requirement that these three writes share one commit.
func (db *DB) ApplyMatchedPayment(ctx context.Context, w MatchedPaymentWrite) error {
	err := db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if w.BTCTxID != "" {
			rec := model.BTCTransaction{TxID: w.BTCTxID, Data: w.BTCTxBody, CreatedAt: time.Now()}
			if err := tx.Clauses(onConflictDoNothing("tx_id")).Create(&rec).Error; err != nil {
				return fmt.Errorf("inserting btc transaction record: %w", err)
			}
		}
		if w.ETHTxHash != "" {
			rec := model.ETHTransaction{Hash: w.ETHTxHash, Data: w.ETHTxBody, CreatedAt: time.Now()}
			if err := tx.Clauses(onConflictDoNothing("hash")).Create(&rec).Error; err != nil {
				return fmt.Errorf("inserting eth transaction record: %w", err)
			}
		}

		if err := tx.Save(&w.Payment).Error; err != nil {
			return fmt.Errorf("updating payment %s: %w", w.Payment.ID, err)
		}

		if w.Payout != nil {
			if err := tx.Create(w.Payout).Error; err != nil {
				return fmt.Errorf("inserting payout for payment %s: %w", w.Payment.ID, err)
			}
		}

		return nil
	})
	if err != nil {
		return chainerr.NonRetryablef(chainerr.CodePersistence, err, "applying matched payment %s", w.Payment.ID)
	}
	return nil
}

// DispatchablePayouts returns Payout rows ready for the Monitor to claim:
// status Pending, action Payout, confirmed at or before watermark.
func (db *DB) DispatchablePayouts(ctx context.Context, currency model.Currency, watermark uint64) ([]model.Payout, error) {
	var payouts []model.Payout
	err := db.gorm.WithContext(ctx).
		Where("currency = ?", currency).
		Where("status = ?", model.PayoutPending).
		Where("action = ?", model.PayoutActionPayout).
		Where("block_height_required <= ?", watermark).
		Find(&payouts).Error
	if err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodePersistence, err, "querying dispatchable payouts")
	}
	return payouts, nil
}

// ClaimPayout attempts the single-dispatch transition Pending -> Processing
// for one payout row. It reports true only if this call's update affected
// exactly one row, guaranteeing exactly-once dispatch under concurrent
// Monitors.
func (db *DB) ClaimPayout(ctx context.Context, payoutID uuid.UUID) (bool, error) {
	res := db.gorm.WithContext(ctx).
		Model(&model.Payout{}).
		Where("id = ?", payoutID).
		Where("status = ?", model.PayoutPending).
		Update("status", model.PayoutProcessing)
	if res.Error != nil {
		return false, chainerr.NonRetryablef(chainerr.CodePersistence, res.Error, "claiming payout %s", payoutID)
	}
	return res.RowsAffected == 1, nil
}

// MarkPayoutDone records the broadcast result for a claimed payout and marks
// the underlying payment PaidOut.
func (db *DB) MarkPayoutDone(ctx context.Context, payoutID, paymentID uuid.UUID, txHash string) error {
	err := db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Payout{}).Where("id = ?", payoutID).
			Updates(map[string]any{"status": model.PayoutDone, "transaction_hash": txHash}).Error; err != nil {
			return err
		}
		return tx.Model(&model.Payment{}).Where("id = ?", paymentID).
			Updates(map[string]any{"status": model.PaymentPaidOut, "payout_transaction_hash": txHash, "payout_status": model.PayoutDone}).Error
	})
	if err != nil {
		return chainerr.NonRetryablef(chainerr.CodePersistence, err, "marking payout %s done", payoutID)
	}
	return nil
}

// MarkPayoutFailed marks a claimed payout Failed; the Monitor does not pick
// Failed rows up again. The payment is left untouched: it remains Paid, not
// PaidOut.
func (db *DB) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID) error {
	err := db.gorm.WithContext(ctx).
		Model(&model.Payout{}).
		Where("id = ?", payoutID).
		Update("status", model.PayoutFailed).Error
	if err != nil {
		return chainerr.NonRetryablef(chainerr.CodePersistence, err, "marking payout %s failed", payoutID)
	}
	return nil
}

// PaymentByID loads a Payment by id.
func (db *DB) PaymentByID(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	var p model.Payment
	if err := db.gorm.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodePersistence, err, "loading payment %s", id)
	}
	return &p, nil
}

// ETHTransactionByHash loads the raw transaction body recorded for hash.
func (db *DB) ETHTransactionByHash(ctx context.Context, hash string) (*model.ETHTransaction, error) {
	var t model.ETHTransaction
	if err := db.gorm.WithContext(ctx).First(&t, "hash = ?", hash).Error; err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodePersistence, err, "loading eth transaction %s", hash)
	}
	return &t, nil
}

// BTCTransactionByTxID loads the raw transaction body recorded for txid.
func (db *DB) BTCTransactionByTxID(ctx context.Context, txid string) (*model.BTCTransaction, error) {
	var t model.BTCTransaction
	if err := db.gorm.WithContext(ctx).First(&t, "tx_id = ?", txid).Error; err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodePersistence, err, "loading btc transaction %s", txid)
	}
	return &t, nil
}
