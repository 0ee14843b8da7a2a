// Package model defines the persisted entities of the payment engine: Store,
// Payment, Payout, chain transaction records, and the per-chain AppStatus
// watermark.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Currency identifies which chain a row belongs to.
type Currency string

const (
	CurrencyBTC Currency = "btc"
	CurrencyETH Currency = "eth"
)

// PaymentStatus is the monotone lifecycle of a Payment. From Pending it moves
// to exactly one of Paid, InsufficientAmount, or Expired; from Paid it may
// further progress to PaidOut. No backward transitions are ever written.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentPaid              PaymentStatus = "paid"
	PaymentInsufficientAmount PaymentStatus = "insufficient_amount"
	PaymentExpired           PaymentStatus = "expired"
	PaymentPaidOut           PaymentStatus = "paid_out"
)

// PayoutAction distinguishes forwarding funds to the merchant from returning
// them to the payer.
type PayoutAction string

const (
	PayoutActionPayout PayoutAction = "payout"
	PayoutActionRefund PayoutAction = "refund"
)

// PayoutStatus tracks dispatch of a Payout row. The Pending -> Processing
// transition is the single-dispatch claim guarding against double-send.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutDone       PayoutStatus = "done"
	PayoutFailed     PayoutStatus = "failed"
)

// Store is the merchant record. Owned by the API; read-only to the core
// engine.
type Store struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string
	OwnerID     uuid.UUID `gorm:"type:uuid;index"`
	Active      bool

	HDMnemonic string
	HDPath     string

	ETHPayoutAddress         string
	ETHConfirmationsRequired uint64

	BTCPayoutAddress         string
	BTCConfirmationsRequired uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Store) TableName() string { return "stores" }

// CanAccept reports whether the store has been configured to receive the
// given currency: a non-empty payout address and a confirmation depth.
func (s Store) CanAccept(c Currency) bool {
	switch c {
	case CurrencyETH:
		return s.ETHPayoutAddress != "" && s.ETHConfirmationsRequired > 0
	case CurrencyBTC:
		return s.BTCPayoutAddress != "" && s.BTCConfirmationsRequired > 0
	default:
		return false
	}
}

// PayoutAddress returns the store's configured withdrawal address for c.
func (s Store) PayoutAddress(c Currency) string {
	switch c {
	case CurrencyETH:
		return s.ETHPayoutAddress
	case CurrencyBTC:
		return s.BTCPayoutAddress
	default:
		return ""
	}
}

// ConfirmationsRequired returns the confirmation depth configured for c.
func (s Store) ConfirmationsRequired(c Currency) uint64 {
	switch c {
	case CurrencyETH:
		return s.ETHConfirmationsRequired
	case CurrencyBTC:
		return s.BTCConfirmationsRequired
	default:
		return 0
	}
}

// Payment is an invoice bound to a derived receiving address.
type Payment struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	StoreID  uuid.UUID `gorm:"type:uuid;index"`
	Currency Currency

	Address string `gorm:"index"`
	Price   float64
	Index   uint32 // HD child index used to derive Address

	Status PaymentStatus `gorm:"index"`

	ConfirmationsRequired uint64
	BlockHeightRequired   *uint64

	TransactionHash       string
	PayoutTransactionHash string
	PayoutStatus          PayoutStatus

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Payment) TableName() string { return "payments" }

// Payout is scheduled by the Processor once a Payment reaches a terminal or
// confirmed state, and consumed by the Monitor/Payouter pair.
type Payout struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	PaymentID uuid.UUID `gorm:"type:uuid;index"`
	StoreID   uuid.UUID `gorm:"type:uuid;index"`
	Currency  Currency

	Action PayoutAction
	Status PayoutStatus `gorm:"index"`

	BlockHeightRequired uint64
	TransactionHash     string

	CreatedAt time.Time
}

func (Payout) TableName() string { return "payouts" }

// BTCTransaction is the raw Bitcoin transaction body as returned by
// getrawtransaction, stored opaquely and indexed by txid.
type BTCTransaction struct {
	TxID string `gorm:"primaryKey"`
	Data string `gorm:"type:jsonb"` // opaque JSON body
	CreatedAt time.Time
}

func (BTCTransaction) TableName() string { return "btc_transactions" }

// ETHTransaction is the raw Ethereum transaction body as returned by
// eth_getBlockByNumber(verbose=true), stored opaquely and indexed by hash.
type ETHTransaction struct {
	Hash      string `gorm:"primaryKey"`
	Data      string `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (ETHTransaction) TableName() string { return "eth_transactions" }

// AppStatus is the singleton row (id=1) holding both chains' processed-block
// watermarks.
type AppStatus struct {
	ID             int16 `gorm:"primaryKey"`
	BTCBlockHeight *uint64
	ETHBlockHeight *uint64
}

func (AppStatus) TableName() string { return "app_statuses" }

// BlockHeight returns the persisted watermark for c, or nil if never set.
func (a AppStatus) BlockHeight(c Currency) *uint64 {
	switch c {
	case CurrencyBTC:
		return a.BTCBlockHeight
	case CurrencyETH:
		return a.ETHBlockHeight
	default:
		return nil
	}
}
