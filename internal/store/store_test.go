package store

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/yourusername/finchwatch/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	if err := db.AutoMigrate(); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}
	return db
}

func TestAppStatusFirstOrCreate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	status, err := db.AppStatus(ctx)
	if err != nil {
		t.Fatalf("AppStatus() error = %v", err)
	}
	if status.ID != 1 {
		t.Fatalf("expected singleton id 1, got %d", status.ID)
	}
	if status.BTCBlockHeight != nil || status.ETHBlockHeight != nil {
		t.Fatal("a freshly created status should have nil watermarks")
	}

	again, err := db.AppStatus(ctx)
	if err != nil {
		t.Fatalf("AppStatus() second call error = %v", err)
	}
	if again.ID != 1 {
		t.Fatal("AppStatus should not create a second row")
	}
}

func TestAdvanceWatermark(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.AdvanceWatermark(ctx, model.CurrencyBTC, 100); err != nil {
		t.Fatalf("AdvanceWatermark(btc) error = %v", err)
	}
	if err := db.AdvanceWatermark(ctx, model.CurrencyETH, 200); err != nil {
		t.Fatalf("AdvanceWatermark(eth) error = %v", err)
	}

	btc, err := db.BitcoinWatermark(ctx)
	if err != nil {
		t.Fatalf("BitcoinWatermark() error = %v", err)
	}
	if btc == nil || *btc != 100 {
		t.Fatalf("BitcoinWatermark() = %v, want 100", btc)
	}

	eth, err := db.EthereumWatermark(ctx)
	if err != nil {
		t.Fatalf("EthereumWatermark() error = %v", err)
	}
	if eth == nil || *eth != 200 {
		t.Fatalf("EthereumWatermark() = %v, want 200", eth)
	}

	if err := db.AdvanceWatermark(ctx, model.Currency("xrp"), 1); err == nil {
		t.Fatal("expected an error for an unknown currency")
	}
}

func TestClaimPayoutIsExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	payout := model.Payout{
		ID:       uuid.New(),
		Currency: model.CurrencyETH,
		Action:   model.PayoutActionPayout,
		Status:   model.PayoutPending,
	}
	if err := db.gorm.WithContext(ctx).Create(&payout).Error; err != nil {
		t.Fatalf("seeding payout: %v", err)
	}

	claimed, err := db.ClaimPayout(ctx, payout.ID)
	if err != nil {
		t.Fatalf("ClaimPayout() error = %v", err)
	}
	if !claimed {
		t.Fatal("the first claim should succeed")
	}

	claimedAgain, err := db.ClaimPayout(ctx, payout.ID)
	if err != nil {
		t.Fatalf("ClaimPayout() second call error = %v", err)
	}
	if claimedAgain {
		t.Fatal("a payout already moved to Processing must not be claimable again")
	}
}

func TestMarkPayoutDoneUpdatesPaymentToo(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	payment := model.Payment{ID: uuid.New(), Currency: model.CurrencyETH, Status: model.PaymentPaid}
	if err := db.gorm.WithContext(ctx).Create(&payment).Error; err != nil {
		t.Fatalf("seeding payment: %v", err)
	}
	payout := model.Payout{ID: uuid.New(), PaymentID: payment.ID, Currency: model.CurrencyETH, Status: model.PayoutProcessing}
	if err := db.gorm.WithContext(ctx).Create(&payout).Error; err != nil {
		t.Fatalf("seeding payout: %v", err)
	}

	if err := db.MarkPayoutDone(ctx, payout.ID, payment.ID, "0xdeadbeef"); err != nil {
		t.Fatalf("MarkPayoutDone() error = %v", err)
	}

	updatedPayment, err := db.PaymentByID(ctx, payment.ID)
	if err != nil {
		t.Fatalf("PaymentByID() error = %v", err)
	}
	if updatedPayment.Status != model.PaymentPaidOut {
		t.Errorf("payment status = %v, want PaidOut", updatedPayment.Status)
	}
	if updatedPayment.PayoutTransactionHash != "0xdeadbeef" {
		t.Errorf("payout transaction hash = %q, want 0xdeadbeef", updatedPayment.PayoutTransactionHash)
	}
}

func TestMarkPayoutFailedLeavesPaymentUntouched(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	payment := model.Payment{ID: uuid.New(), Currency: model.CurrencyETH, Status: model.PaymentPaid}
	if err := db.gorm.WithContext(ctx).Create(&payment).Error; err != nil {
		t.Fatalf("seeding payment: %v", err)
	}
	payout := model.Payout{ID: uuid.New(), PaymentID: payment.ID, Currency: model.CurrencyETH, Status: model.PayoutProcessing}
	if err := db.gorm.WithContext(ctx).Create(&payout).Error; err != nil {
		t.Fatalf("seeding payout: %v", err)
	}

	if err := db.MarkPayoutFailed(ctx, payout.ID); err != nil {
		t.Fatalf("MarkPayoutFailed() error = %v", err)
	}

	unchanged, err := db.PaymentByID(ctx, payment.ID)
	if err != nil {
		t.Fatalf("PaymentByID() error = %v", err)
	}
	if unchanged.Status != model.PaymentPaid {
		t.Errorf("payment status = %v, want it to remain Paid", unchanged.Status)
	}
}

func TestApplyMatchedPaymentInsertsTxRecordOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	payment := model.Payment{ID: uuid.New(), Currency: model.CurrencyBTC, Status: model.PaymentPending}
	if err := db.gorm.WithContext(ctx).Create(&payment).Error; err != nil {
		t.Fatalf("seeding payment: %v", err)
	}
	payment.Status = model.PaymentPaid

	write := MatchedPaymentWrite{
		Payment:   payment,
		BTCTxID:   "abcd1234",
		BTCTxBody: `{"txid":"abcd1234"}`,
	}
	if err := db.ApplyMatchedPayment(ctx, write); err != nil {
		t.Fatalf("ApplyMatchedPayment() error = %v", err)
	}
	// Applying the same transaction record again must not fail or duplicate
	// the row — ApplyMatchedPayment is driven by idempotent block replay.
	if err := db.ApplyMatchedPayment(ctx, write); err != nil {
		t.Fatalf("ApplyMatchedPayment() second call error = %v", err)
	}

	tx, err := db.BTCTransactionByTxID(ctx, "abcd1234")
	if err != nil {
		t.Fatalf("BTCTransactionByTxID() error = %v", err)
	}
	if tx.Data != `{"txid":"abcd1234"}` {
		t.Errorf("tx data = %q, want the seeded body", tx.Data)
	}
}

func TestOpenPaymentsByAddressesIncludesTerminalStatuses(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	pending := model.Payment{ID: uuid.New(), Currency: model.CurrencyETH, Address: "0xaaa", Status: model.PaymentPending}
	paid := model.Payment{ID: uuid.New(), Currency: model.CurrencyETH, Address: "0xbbb", Status: model.PaymentPaid}
	otherCurrency := model.Payment{ID: uuid.New(), Currency: model.CurrencyBTC, Address: "0xaaa", Status: model.PaymentPending}
	if err := db.gorm.WithContext(ctx).Create(&pending).Error; err != nil {
		t.Fatalf("seeding pending payment: %v", err)
	}
	if err := db.gorm.WithContext(ctx).Create(&paid).Error; err != nil {
		t.Fatalf("seeding paid payment: %v", err)
	}
	if err := db.gorm.WithContext(ctx).Create(&otherCurrency).Error; err != nil {
		t.Fatalf("seeding other-currency payment: %v", err)
	}

	// A late transaction can pay an address whose payment already reached a
	// terminal status; the Processor needs to see it too, to schedule a
	// refund rather than silently drop it.
	matches, err := db.OpenPaymentsByAddresses(ctx, model.CurrencyETH, []string{"0xaaa", "0xbbb"})
	if err != nil {
		t.Fatalf("OpenPaymentsByAddresses() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected both the pending and the already-paid payment, got %+v", matches)
	}
}

func TestDispatchablePayoutsRespectsWatermark(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ready := model.Payout{
		ID: uuid.New(), Currency: model.CurrencyETH, Action: model.PayoutActionPayout,
		Status: model.PayoutPending, BlockHeightRequired: 100,
	}
	notYet := model.Payout{
		ID: uuid.New(), Currency: model.CurrencyETH, Action: model.PayoutActionPayout,
		Status: model.PayoutPending, BlockHeightRequired: 500,
	}
	if err := db.gorm.WithContext(ctx).Create(&ready).Error; err != nil {
		t.Fatalf("seeding ready payout: %v", err)
	}
	if err := db.gorm.WithContext(ctx).Create(&notYet).Error; err != nil {
		t.Fatalf("seeding future payout: %v", err)
	}

	dispatchable, err := db.DispatchablePayouts(ctx, model.CurrencyETH, 200)
	if err != nil {
		t.Fatalf("DispatchablePayouts() error = %v", err)
	}
	if len(dispatchable) != 1 || dispatchable[0].ID != ready.ID {
		t.Fatalf("expected only the confirmed payout, got %+v", dispatchable)
	}
}
