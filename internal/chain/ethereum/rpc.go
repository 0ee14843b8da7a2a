package ethereum

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/yourusername/finchwatch/internal/chainerr"
	"github.com/yourusername/finchwatch/internal/rpc"
)

// RPCHelper wraps a shared rpc.Client with the typed Ethereum JSON-RPC calls
// this engine needs.
type RPCHelper struct {
	client rpc.Client
}

// NewRPCHelper builds an RPCHelper over client.
func NewRPCHelper(client rpc.Client) *RPCHelper {
	return &RPCHelper{client: client}
}

// GetBlockNumber returns the node's current chain tip height.
func (r *RPCHelper) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := r.client.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, classify(err, "eth_blockNumber")
	}
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing eth_blockNumber result")
	}
	n, err := hexutil.DecodeUint64(hex)
	if err != nil {
		return 0, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "decoding block number")
	}
	return n, nil
}

// GetBlockByNumber fetches the block body with full transaction objects.
func (r *RPCHelper) GetBlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	result, err := r.client.Call(ctx, "eth_getBlockByNumber", []interface{}{hexutil.EncodeUint64(number), true})
	if err != nil {
		return nil, classify(err, "eth_getBlockByNumber")
	}

	var raw rawBlock
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing eth_getBlockByNumber result")
	}

	height, err := hexutil.DecodeUint64(raw.Number)
	if err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeSchemaViolation, err, "decoding block number %q", raw.Number)
	}

	block := &Block{Number: height, Hash: raw.Hash}
	for _, rt := range raw.Transactions {
		if rt.To == nil {
			continue // contract creation: no payment address to match against
		}
		value, err := hexutil.DecodeBig(rt.Value)
		if err != nil {
			// A single malformed transaction amount must not abort the
			// whole block: the transaction is skipped. The skip is not
			// logged.
			continue
		}
		block.Transactions = append(block.Transactions, &Transaction{
			Hash:  rt.Hash,
			To:    strings.ToLower(*rt.To),
			Value: value,
		})
	}
	return block, nil
}

// GetBalance returns the wei balance of address at the latest block.
func (r *RPCHelper) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	result, err := r.client.Call(ctx, "eth_getBalance", []interface{}{address, "latest"})
	if err != nil {
		return nil, classify(err, "eth_getBalance")
	}
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing eth_getBalance result")
	}
	balance, err := hexutil.DecodeBig(hex)
	if err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "decoding balance")
	}
	return balance, nil
}

// GetGasPrice returns the node's suggested legacy gas price in wei.
func (r *RPCHelper) GetGasPrice(ctx context.Context) (*big.Int, error) {
	result, err := r.client.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, classify(err, "eth_gasPrice")
	}
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing eth_gasPrice result")
	}
	price, err := hexutil.DecodeBig(hex)
	if err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "decoding gas price")
	}
	return price, nil
}

// GetTransactionCount returns address's nonce at the given block tag
// ("latest" or "pending").
func (r *RPCHelper) GetTransactionCount(ctx context.Context, address, blockTag string) (uint64, error) {
	result, err := r.client.Call(ctx, "eth_getTransactionCount", []interface{}{address, blockTag})
	if err != nil {
		return 0, classify(err, "eth_getTransactionCount")
	}
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing eth_getTransactionCount result")
	}
	nonce, err := hexutil.DecodeUint64(hex)
	if err != nil {
		return 0, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "decoding nonce")
	}
	return nonce, nil
}

// SendRawTransaction broadcasts a signed, RLP-encoded transaction and
// returns its hash. A "known transaction"/"already known" response from the
// node is treated the same as a fresh success.
func (r *RPCHelper) SendRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	result, err := r.client.Call(ctx, "eth_sendRawTransaction", []interface{}{rawTxHex})
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction") {
			var tx types.Transaction
			if raw, decErr := hexutil.Decode(rawTxHex); decErr == nil && tx.UnmarshalBinary(raw) == nil {
				return tx.Hash().Hex(), nil
			}
		}
		return "", classify(err, "eth_sendRawTransaction")
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing eth_sendRawTransaction result")
	}
	return hash, nil
}

func classify(err error, method string) error {
	if err == rpc.ErrEmptyResponse {
		return chainerr.New(chainerr.CodeEmptyResponse, chainerr.Retryable, fmt.Sprintf("%s: empty response", method), err)
	}
	return chainerr.New(chainerr.CodeRPCTransport, chainerr.Retryable, fmt.Sprintf("%s: rpc transport error", method), err)
}
