package bitcoin

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/model"
	"github.com/yourusername/finchwatch/internal/store"
)

// fakeStore is an in-memory PaymentStore double, keyed by payment ID.
type fakeStore struct {
	payments   map[uuid.UUID]model.Payment
	watermark  uint64
	applyCalls int
}

func newFakeStore(payments ...model.Payment) *fakeStore {
	s := &fakeStore{payments: make(map[uuid.UUID]model.Payment)}
	for _, p := range payments {
		s.payments[p.ID] = p
	}
	return s
}

func (s *fakeStore) OpenPaymentsByAddresses(ctx context.Context, currency model.Currency, addresses []string) ([]model.Payment, error) {
	wanted := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		wanted[a] = true
	}
	var out []model.Payment
	for _, p := range s.payments {
		// Matches regardless of status: a late transaction to an
		// already-settled payment must still reach applyMatch so it can be
		// refunded, not silently dropped.
		if p.Currency == currency && wanted[p.Address] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) ApplyMatchedPayment(ctx context.Context, w store.MatchedPaymentWrite) error {
	s.applyCalls++
	s.payments[w.Payment.ID] = w.Payment
	return nil
}

func (s *fakeStore) AdvanceWatermark(ctx context.Context, currency model.Currency, height uint64) error {
	s.watermark = height
	return nil
}

func testTx(txid, address string, valueSats int64) *Transaction {
	return &Transaction{
		Txid: txid,
		Hash: txid,
		Vout: []Vout{
			{ValueSatoshis: valueSats, N: 0, ScriptPubKey: ScriptPubKey{Addresses: []string{address}}},
		},
	}
}

func TestExtractCandidatesFirstMatchWins(t *testing.T) {
	txs := []*Transaction{
		testTx("tx1", "addr-a", 1000),
		testTx("tx2", "addr-a", 2000), // same address, later tx — must not replace tx1
		testTx("tx3", "addr-b", 3000),
	}

	addresses, byAddress := extractCandidates(txs)
	if len(addresses) != 2 {
		t.Fatalf("expected 2 distinct addresses, got %d", len(addresses))
	}
	if byAddress["addr-a"].tx.Txid != "tx1" {
		t.Errorf("expected the first transaction to win for a repeated address, got %s", byAddress["addr-a"].tx.Txid)
	}
}

func TestExtractCandidatesSkipsOutputsWithNoAddress(t *testing.T) {
	txs := []*Transaction{
		{Txid: "tx1", Vout: []Vout{{ValueSatoshis: 500, ScriptPubKey: ScriptPubKey{}}}},
	}
	addresses, byAddress := extractCandidates(txs)
	if len(addresses) != 0 || len(byAddress) != 0 {
		t.Fatal("an output with no decoded address should never become a candidate")
	}
}

func newProcessorTestPayment(address string, price float64, confirmations uint64) model.Payment {
	return model.Payment{
		ID:                    uuid.New(),
		Currency:              model.CurrencyBTC,
		Address:               address,
		Price:                 price,
		Status:                model.PaymentPending,
		ConfirmationsRequired: confirmations,
		ExpiresAt:             time.Now().Add(time.Hour),
	}
}

func TestProcessBlockMarksFullPaymentPaid(t *testing.T) {
	payment := newProcessorTestPayment("addr-a", 0.0001, 2) // 0.0001 BTC = 10000 sats
	fs := newFakeStore(payment)
	p := NewProcessor(fs, zap.NewNop())

	ingest := BlockIngest{
		Block:        &Block{Hash: "h1", Height: 100},
		Transactions: []*Transaction{testTx("tx1", "addr-a", 10000)},
	}

	if err := p.ProcessBlock(context.Background(), ingest); err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}

	updated := fs.payments[payment.ID]
	if updated.Status != model.PaymentPaid {
		t.Errorf("status = %v, want Paid", updated.Status)
	}
	if updated.BlockHeightRequired == nil || *updated.BlockHeightRequired != 101 {
		t.Errorf("block_height_required = %v, want 101 (100 + 2 - 1)", updated.BlockHeightRequired)
	}
	if fs.watermark != 100 {
		t.Errorf("watermark = %d, want 100", fs.watermark)
	}
}

func TestProcessBlockMarksUnderpaymentForRefund(t *testing.T) {
	payment := newProcessorTestPayment("addr-a", 1.0, 2) // wants 1 BTC
	fs := newFakeStore(payment)
	p := NewProcessor(fs, zap.NewNop())

	ingest := BlockIngest{
		Block:        &Block{Hash: "h1", Height: 50},
		Transactions: []*Transaction{testTx("tx1", "addr-a", 1000)}, // far short
	}

	if err := p.ProcessBlock(context.Background(), ingest); err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}

	updated := fs.payments[payment.ID]
	if updated.Status != model.PaymentInsufficientAmount {
		t.Errorf("status = %v, want InsufficientAmount", updated.Status)
	}
}

func TestProcessBlockMarksExpiredPaymentForRefund(t *testing.T) {
	payment := newProcessorTestPayment("addr-a", 0.0001, 2)
	payment.ExpiresAt = time.Now().Add(-time.Hour) // already expired
	fs := newFakeStore(payment)
	p := NewProcessor(fs, zap.NewNop())

	ingest := BlockIngest{
		Block:        &Block{Hash: "h1", Height: 50},
		Transactions: []*Transaction{testTx("tx1", "addr-a", 10000)},
	}

	if err := p.ProcessBlock(context.Background(), ingest); err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}

	updated := fs.payments[payment.ID]
	if updated.Status != model.PaymentExpired {
		t.Errorf("status = %v, want Expired", updated.Status)
	}
}

func TestProcessBlockAdvancesWatermarkEvenWithoutMatches(t *testing.T) {
	fs := newFakeStore()
	p := NewProcessor(fs, zap.NewNop())

	ingest := BlockIngest{Block: &Block{Hash: "h1", Height: 77}, Transactions: nil}
	if err := p.ProcessBlock(context.Background(), ingest); err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}
	if fs.watermark != 77 {
		t.Errorf("watermark = %d, want 77 even with no candidate addresses", fs.watermark)
	}
}

func TestProcessBlockRefundsLateArrivalAfterTerminalStatus(t *testing.T) {
	payment := newProcessorTestPayment("addr-a", 0.0001, 2)
	payment.Status = model.PaymentPaid // already settled by an earlier block
	settledAt := uint64(101)
	payment.BlockHeightRequired = &settledAt
	fs := newFakeStore(payment)
	p := NewProcessor(fs, zap.NewNop())

	ingest := BlockIngest{
		Block:        &Block{Hash: "h2", Height: 150},
		Transactions: []*Transaction{testTx("tx-late", "addr-a", 10000)},
	}

	if err := p.ProcessBlock(context.Background(), ingest); err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}

	if fs.applyCalls != 1 {
		t.Fatalf("expected the late-arriving transaction to be applied, got %d apply calls", fs.applyCalls)
	}
	updated := fs.payments[payment.ID]
	if updated.Status != model.PaymentPaid {
		t.Errorf("a late-arrival refund must not change the payment's already-terminal status, got %v", updated.Status)
	}
}

func TestProcessMempoolTransactionsDoesNotAdvanceWatermark(t *testing.T) {
	payment := newProcessorTestPayment("addr-a", 0.0001, 2)
	fs := newFakeStore(payment)
	fs.watermark = 500
	p := NewProcessor(fs, zap.NewNop())

	ingest := MempoolIngest{Transactions: []*Transaction{testTx("tx1", "addr-a", 10000)}}
	if err := p.ProcessMempoolTransactions(context.Background(), ingest); err != nil {
		t.Fatalf("ProcessMempoolTransactions() error = %v", err)
	}

	if fs.watermark != 500 {
		t.Error("mempool processing must never move the confirmed-block watermark")
	}
	updated := fs.payments[payment.ID]
	if updated.Status != model.PaymentPaid {
		t.Errorf("status = %v, want Paid", updated.Status)
	}
	if updated.BlockHeightRequired != nil {
		t.Error("mempool processing must not set block_height_required")
	}
}
