// Package bitcoin implements the Bitcoin chain-watcher pipeline: an RPC
// helper shaped like Bitcoin Core's JSON-RPC surface, a Poller that tracks
// the block and mempool cursors, and a Processor that reconciles observed
// transactions against open payments.
package bitcoin

// Block mirrors the subset of Bitcoin Core's getblock (verbosity=1) result
// this engine needs: the block's own identity plus its member txids. Bodies
// are fetched separately via getrawtransaction, per §4.5.
type Block struct {
	Hash   string   `json:"hash"`
	Height uint64   `json:"height"`
	Tx     []string `json:"tx"`
}

// ScriptPubKey is the output script description returned by
// getrawtransaction's verbose form.
type ScriptPubKey struct {
	Asm       string   `json:"asm"`
	Hex       string   `json:"hex"`
	Type      string   `json:"type"`
	Addresses []string `json:"addresses"`
}

// Vout is one transaction output. Value is in satoshis: Bitcoin Core itself
// reports BTC as a decimal, but this engine normalizes to integer satoshis
// at the RPC boundary so downstream arithmetic never touches floating
// point.
type Vout struct {
	ValueSatoshis int64        `json:"value_satoshis"`
	N             uint32       `json:"n"`
	ScriptPubKey  ScriptPubKey `json:"scriptPubKey"`
}

// Vin is a transaction input; only used to detect the coinbase input.
type Vin struct {
	Coinbase string `json:"coinbase,omitempty"`
	Txid     string `json:"txid,omitempty"`
}

// Transaction is the verbose getrawtransaction result.
type Transaction struct {
	Txid          string `json:"txid"`
	Hash          string `json:"hash"`
	Vin           []Vin  `json:"vin"`
	Vout          []Vout `json:"vout"`
	Confirmations uint32 `json:"confirmations"`
	RawHex        string `json:"hex"`
}

// IsCoinbase reports whether this transaction is the block's coinbase
// transaction.
func (t Transaction) IsCoinbase() bool {
	return len(t.Vin) == 1 && t.Vin[0].Coinbase != ""
}

// UnspentOutput is one entry of listunspent, used by the Bitcoin payout
// builder to fund an outbound transaction.
type UnspentOutput struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Address       string `json:"address"`
	AmountSats    int64  `json:"amount_satoshis"`
	Confirmations uint32 `json:"confirmations"`
}
