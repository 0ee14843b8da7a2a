// Package payout drains confirmed Payout rows: the Monitor claims a row
// exactly once, a chain-specific Dispatcher signs and broadcasts the
// outbound transaction, and the result is written back durably.
package payout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/model"
)

// Store is the subset of the persistence layer the Monitor needs.
type Store interface {
	DispatchablePayouts(ctx context.Context, currency model.Currency, watermark uint64) ([]model.Payout, error)
	ClaimPayout(ctx context.Context, payoutID uuid.UUID) (bool, error)
	MarkPayoutDone(ctx context.Context, payoutID, paymentID uuid.UUID, txHash string) error
	MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID) error
	PaymentByID(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	StoreByID(ctx context.Context, id uuid.UUID) (*model.Store, error)
}

// Dispatcher signs and broadcasts the outbound transaction for one claimed
// payout, returning the resulting transaction hash/txid.
type Dispatcher interface {
	Dispatch(ctx context.Context, store model.Store, payment model.Payment, payout model.Payout) (string, error)
}

// WatermarkFunc reports the currently-confirmed block height for a chain.
type WatermarkFunc func(ctx context.Context) (*uint64, error)

// Monitor periodically claims and dispatches payouts that have reached
// their required confirmation depth, for a single currency.
type Monitor struct {
	store      Store
	currency   model.Currency
	watermark  WatermarkFunc
	dispatcher Dispatcher
	log        *zap.Logger
}

// NewMonitor builds a Monitor for one chain's payout queue.
func NewMonitor(store Store, currency model.Currency, watermark WatermarkFunc, dispatcher Dispatcher, log *zap.Logger) *Monitor {
	return &Monitor{store: store, currency: currency, watermark: watermark, dispatcher: dispatcher, log: log}
}

// Start runs the claim-dispatch cycle on a fixed interval until ctx is
// cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				m.log.Warn("payout tick failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) tick(ctx context.Context) error {
	watermark, err := m.watermark(ctx)
	if err != nil {
		return err
	}
	if watermark == nil {
		return nil
	}

	payouts, err := m.store.DispatchablePayouts(ctx, m.currency, *watermark)
	if err != nil {
		return err
	}

	for _, payout := range payouts {
		m.dispatchOne(ctx, payout)
	}
	return nil
}

// dispatchOne claims a single payout and, only if the claim succeeded (this
// call's update affected exactly one row), dispatches it. A claim that is
// lost to a concurrent Monitor is silently skipped.
func (m *Monitor) dispatchOne(ctx context.Context, payout model.Payout) {
	claimed, err := m.store.ClaimPayout(ctx, payout.ID)
	if err != nil {
		m.log.Warn("claiming payout failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	payment, err := m.store.PaymentByID(ctx, payout.PaymentID)
	if err != nil {
		m.log.Error("loading payment for claimed payout failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
		m.fail(ctx, payout.ID)
		return
	}

	merchant, err := m.store.StoreByID(ctx, payout.StoreID)
	if err != nil {
		m.log.Error("loading store for claimed payout failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
		m.fail(ctx, payout.ID)
		return
	}

	txHash, err := m.dispatcher.Dispatch(ctx, *merchant, *payment, payout)
	if err != nil {
		m.log.Error("dispatching payout failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
		m.fail(ctx, payout.ID)
		return
	}

	if err := m.store.MarkPayoutDone(ctx, payout.ID, payment.ID, txHash); err != nil {
		m.log.Error("marking payout done failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
	}
}

func (m *Monitor) fail(ctx context.Context, payoutID uuid.UUID) {
	if err := m.store.MarkPayoutFailed(ctx, payoutID); err != nil {
		m.log.Error("reverting payout claim failed", zap.String("payout_id", payoutID.String()), zap.Error(err))
	}
}
