// Package ethereum implements the Ethereum chain-watcher pipeline: an RPC
// helper shaped like a standard Ethereum JSON-RPC endpoint, a Poller that
// tracks the block cursor, and a Processor that reconciles observed
// transactions against open payments.
package ethereum

import "math/big"

// Block is the subset of eth_getBlockByNumber(verbose=true) this engine
// needs.
type Block struct {
	Number       uint64
	Hash         string
	Transactions []*Transaction
}

// Transaction is one block-embedded transaction. To is empty for contract
// creation, which this engine has no payment address for and therefore
// ignores.
type Transaction struct {
	Hash  string
	To    string // 0x-prefixed, lowercase
	Value *big.Int // wei
}

// rawBlock mirrors eth_getBlockByNumber's JSON shape with hex-encoded
// numeric fields.
type rawBlock struct {
	Number       string             `json:"number"`
	Hash         string             `json:"hash"`
	Transactions []rawTransaction `json:"transactions"`
}

type rawTransaction struct {
	Hash  string  `json:"hash"`
	To    *string `json:"to"`
	Value string  `json:"value"`
}
