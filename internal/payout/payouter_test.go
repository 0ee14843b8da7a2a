package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/model"
)

var errNotFound = errors.New("not found")
var errDispatchFailed = errors.New("dispatch failed")

// fakeStore is an in-memory payout.Store double.
type fakeStore struct {
	payouts  map[uuid.UUID]model.Payout
	payments map[uuid.UUID]model.Payment
	stores   map[uuid.UUID]model.Store

	claimCalls int
	failCalls  int
	doneCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payouts:  make(map[uuid.UUID]model.Payout),
		payments: make(map[uuid.UUID]model.Payment),
		stores:   make(map[uuid.UUID]model.Store),
	}
}

func (s *fakeStore) DispatchablePayouts(ctx context.Context, currency model.Currency, watermark uint64) ([]model.Payout, error) {
	var out []model.Payout
	for _, p := range s.payouts {
		if p.Currency == currency && p.Status == model.PayoutPending && p.BlockHeightRequired <= watermark {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) ClaimPayout(ctx context.Context, payoutID uuid.UUID) (bool, error) {
	s.claimCalls++
	p, ok := s.payouts[payoutID]
	if !ok || p.Status != model.PayoutPending {
		return false, nil
	}
	p.Status = model.PayoutProcessing
	s.payouts[payoutID] = p
	return true, nil
}

func (s *fakeStore) MarkPayoutDone(ctx context.Context, payoutID, paymentID uuid.UUID, txHash string) error {
	s.doneCalls++
	p := s.payouts[payoutID]
	p.Status = model.PayoutDone
	s.payouts[payoutID] = p

	payment := s.payments[paymentID]
	payment.Status = model.PaymentPaidOut
	payment.PayoutTransactionHash = txHash
	s.payments[paymentID] = payment
	return nil
}

func (s *fakeStore) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID) error {
	s.failCalls++
	p := s.payouts[payoutID]
	p.Status = model.PayoutFailed
	s.payouts[payoutID] = p
	return nil
}

func (s *fakeStore) PaymentByID(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, errNotFound
	}
	return &p, nil
}

func (s *fakeStore) StoreByID(ctx context.Context, id uuid.UUID) (*model.Store, error) {
	st, ok := s.stores[id]
	if !ok {
		return nil, errNotFound
	}
	return &st, nil
}

// fakeDispatcher is a Dispatcher double whose behavior is scripted per test.
type fakeDispatcher struct {
	txHash string
	err    error
	calls  int
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, store model.Store, payment model.Payment, payout model.Payout) (string, error) {
	d.calls++
	return d.txHash, d.err
}

func watermarkAt(height uint64) WatermarkFunc {
	return func(ctx context.Context) (*uint64, error) { return &height, nil }
}

func TestDispatchOneHappyPath(t *testing.T) {
	store := newFakeStore()
	merchantID, paymentID, payoutID := uuid.New(), uuid.New(), uuid.New()
	store.stores[merchantID] = model.Store{ID: merchantID}
	store.payments[paymentID] = model.Payment{ID: paymentID, Status: model.PaymentPaid}
	store.payouts[payoutID] = model.Payout{
		ID: payoutID, PaymentID: paymentID, StoreID: merchantID,
		Currency: model.CurrencyETH, Status: model.PayoutPending,
	}

	dispatcher := &fakeDispatcher{txHash: "0xabc"}
	monitor := NewMonitor(store, model.CurrencyETH, watermarkAt(100), dispatcher, zap.NewNop())

	monitor.dispatchOne(context.Background(), store.payouts[payoutID])

	if dispatcher.calls != 1 {
		t.Fatalf("expected the dispatcher to be called exactly once, got %d", dispatcher.calls)
	}
	if store.payouts[payoutID].Status != model.PayoutDone {
		t.Errorf("payout status = %v, want Done", store.payouts[payoutID].Status)
	}
	if store.payments[paymentID].Status != model.PaymentPaidOut {
		t.Errorf("payment status = %v, want PaidOut", store.payments[paymentID].Status)
	}
	if store.payments[paymentID].PayoutTransactionHash != "0xabc" {
		t.Errorf("payout transaction hash = %q, want 0xabc", store.payments[paymentID].PayoutTransactionHash)
	}
}

func TestDispatchOneSkipsWhenClaimLost(t *testing.T) {
	store := newFakeStore()
	payoutID, paymentID, merchantID := uuid.New(), uuid.New(), uuid.New()
	// Already Processing: a concurrent Monitor claimed it first.
	store.payouts[payoutID] = model.Payout{ID: payoutID, PaymentID: paymentID, StoreID: merchantID, Status: model.PayoutProcessing}

	dispatcher := &fakeDispatcher{txHash: "0xabc"}
	monitor := NewMonitor(store, model.CurrencyETH, watermarkAt(100), dispatcher, zap.NewNop())

	monitor.dispatchOne(context.Background(), store.payouts[payoutID])

	if dispatcher.calls != 0 {
		t.Fatal("a payout that failed to claim must never reach the dispatcher")
	}
}

func TestDispatchOneRevertsClaimOnDispatchFailure(t *testing.T) {
	store := newFakeStore()
	merchantID, paymentID, payoutID := uuid.New(), uuid.New(), uuid.New()
	store.stores[merchantID] = model.Store{ID: merchantID}
	store.payments[paymentID] = model.Payment{ID: paymentID, Status: model.PaymentPaid}
	store.payouts[payoutID] = model.Payout{
		ID: payoutID, PaymentID: paymentID, StoreID: merchantID,
		Currency: model.CurrencyETH, Status: model.PayoutPending,
	}

	dispatcher := &fakeDispatcher{err: errDispatchFailed}
	monitor := NewMonitor(store, model.CurrencyETH, watermarkAt(100), dispatcher, zap.NewNop())

	monitor.dispatchOne(context.Background(), store.payouts[payoutID])

	if store.payouts[payoutID].Status != model.PayoutFailed {
		t.Errorf("payout status = %v, want Failed after a dispatch error", store.payouts[payoutID].Status)
	}
	if store.payments[paymentID].Status != model.PaymentPaid {
		t.Error("a failed dispatch must not touch the payment row")
	}
	if store.failCalls != 1 {
		t.Errorf("expected MarkPayoutFailed to be called once, got %d", store.failCalls)
	}
}

func TestTickSkipsWhenWatermarkUnknown(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	noWatermark := func(ctx context.Context) (*uint64, error) { return nil, nil }
	monitor := NewMonitor(store, model.CurrencyBTC, noWatermark, dispatcher, zap.NewNop())

	if err := monitor.tick(context.Background()); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if dispatcher.calls != 0 {
		t.Fatal("tick must not dispatch anything before a watermark is known")
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	monitor := NewMonitor(store, model.CurrencyBTC, watermarkAt(1), dispatcher, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Start(ctx, time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
