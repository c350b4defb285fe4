// Package evm adapts an ERC-20 token contract on an EVM chain to the ledger port.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/MaulRai/vessel/pkg/ledger"
)

// erc20ABI is the subset of the ERC-20 interface this adapter calls.
const erc20ABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}]}
]`

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	a, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("erc20 abi: %v", err))
	}
	return a
}

// Backend is the chain access the adapter needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
}

// Token is an ERC-20 contract bound to a chain backend.
type Token struct {
	backend  Backend
	contract *bind.BoundContract
	address  common.Address
	token    ledger.Token
	logger   *slog.Logger
}

var _ ledger.Ledger = (*Token)(nil)

// Dial connects to rpcURL and binds the token at address, reading its symbol and decimals.
func Dial(ctx context.Context, rpcURL string, address string) (*Token, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, &ledger.Unavailable{Op: "dial", Err: err}
	}
	return NewToken(ctx, client, address)
}

// NewToken binds an ERC-20 contract on backend.
func NewToken(ctx context.Context, backend Backend, address string) (*Token, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid token address %q", address)
	}
	addr := common.HexToAddress(address)
	t := &Token{
		backend:  backend,
		contract: bind.NewBoundContract(addr, parsedABI, backend, backend, backend),
		address:  addr,
		logger:   slog.Default().With("component", "evm_ledger", "token", addr.Hex()),
	}

	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return nil, classify("decimals", err)
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("unexpected decimals result %T", out[0])
	}
	out = nil
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "symbol"); err != nil {
		return nil, classify("symbol", err)
	}
	symbol, _ := out[0].(string)

	t.token = ledger.Token{Address: ledger.Address(addr.Hex()), Symbol: symbol, Decimals: int32(decimals)}
	return t, nil
}

func (t *Token) Token() ledger.Token { return t.token }

func (t *Token) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, classify(method, err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result %T", method, out[0])
	}
	return v, nil
}

func (t *Token) BalanceOf(ctx context.Context, owner ledger.Address) (decimal.Decimal, error) {
	addr, err := toAddress(owner)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := t.callUint(ctx, "balanceOf", addr)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.FromBaseUnits(v, t.token.Decimals), nil
}

func (t *Token) Allowance(ctx context.Context, owner, spender ledger.Address) (decimal.Decimal, error) {
	o, err := toAddress(owner)
	if err != nil {
		return decimal.Zero, err
	}
	s, err := toAddress(spender)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := t.callUint(ctx, "allowance", o, s)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.FromBaseUnits(v, t.token.Decimals), nil
}

// LookupTransfer reads the receipt for tx and decodes the token's Transfer event from it.
func (t *Token) LookupTransfer(ctx context.Context, tx ledger.TxRef) (*ledger.TransferRecord, error) {
	receipt, err := t.backend.TransactionReceipt(ctx, common.HexToHash(string(tx)))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ledger.ErrTxNotFound
	}
	if err != nil {
		return nil, classify("receipt", err)
	}
	head, err := t.backend.BlockNumber(ctx)
	if err != nil {
		return nil, classify("blockNumber", err)
	}

	rec := &ledger.TransferRecord{
		Tx:        tx,
		Succeeded: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		rec.Block = receipt.BlockNumber.Uint64()
		if head >= rec.Block {
			rec.Confirmations = head - rec.Block + 1
		}
	}
	if !rec.Succeeded {
		return rec, nil
	}

	found := false
	for _, lg := range receipt.Logs {
		if lg.Address != t.address {
			continue
		}
		from, to, value, ok := decodeTransfer(lg)
		if !ok {
			continue
		}
		if found {
			// More than one token transfer in one transaction is not a plain transfer.
			rec.Succeeded = false
			return rec, nil
		}
		found = true
		rec.From = ledger.Address(from.Hex())
		rec.To = ledger.Address(to.Hex())
		rec.Amount = ledger.FromBaseUnits(value, t.token.Decimals)
	}
	if !found {
		rec.Succeeded = false
	}
	return rec, nil
}

// decodeTransfer extracts an ERC-20 Transfer event.
func decodeTransfer(lg *types.Log) (from, to common.Address, value *big.Int, ok bool) {
	if lg == nil || len(lg.Topics) != 3 || lg.Topics[0] != parsedABI.Events["Transfer"].ID {
		return common.Address{}, common.Address{}, nil, false
	}
	vals, err := parsedABI.Unpack("Transfer", lg.Data)
	if err != nil || len(vals) != 1 {
		return common.Address{}, common.Address{}, nil, false
	}
	value, ok = vals[0].(*big.Int)
	if !ok {
		return common.Address{}, common.Address{}, nil, false
	}
	from = common.BytesToAddress(lg.Topics[1].Bytes())
	to = common.BytesToAddress(lg.Topics[2].Bytes())
	return from, to, value, true
}

// Signer returns a writer that signs with key for the given chain.
func (t *Token) Signer(key *ecdsa.PrivateKey, chainID *big.Int) (*Signer, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("create transactor: %w", err)
	}
	return &Signer{token: t, opts: opts, holder: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// SignerFromHex parses a hex private key and returns a writer for it.
func (t *Token) SignerFromHex(hexKey string, chainID *big.Int) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return t.Signer(key, chainID)
}

// Signer is a ledger.Writer for one private key.
type Signer struct {
	token  *Token
	opts   *bind.TransactOpts
	holder common.Address
}

var _ ledger.Writer = (*Signer)(nil)

func (s *Signer) Holder() ledger.Address { return ledger.Address(s.holder.Hex()) }

func (s *Signer) transact(ctx context.Context, method string, to ledger.Address, amount decimal.Decimal) (*types.Transaction, error) {
	return s.build(ctx, method, to, amount, false)
}

// sign builds and signs method without sending it.
func (s *Signer) sign(ctx context.Context, method string, to ledger.Address, amount decimal.Decimal) (*types.Transaction, error) {
	return s.build(ctx, method, to, amount, true)
}

func (s *Signer) build(ctx context.Context, method string, to ledger.Address, amount decimal.Decimal, noSend bool) (*types.Transaction, error) {
	addr, err := toAddress(to)
	if err != nil {
		return nil, err
	}
	units, err := ledger.ToBaseUnits(amount, s.token.token.Decimals)
	if err != nil {
		return nil, err
	}
	opts := *s.opts
	opts.Context = ctx
	opts.NoSend = noSend
	tx, err := s.token.contract.Transact(&opts, method, addr, units)
	if err != nil {
		return nil, classify(method, err)
	}
	return tx, nil
}

// Approve sends approve(spender, amount) and waits until it is mined.
func (s *Signer) Approve(ctx context.Context, spender ledger.Address, amount decimal.Decimal) (ledger.TxRef, error) {
	tx, err := s.transact(ctx, "approve", spender, amount)
	if err != nil {
		return "", err
	}
	ref := ledger.TxRef(tx.Hash().Hex())
	s.token.logger.InfoContext(ctx, "approval submitted", "tx", ref, "spender", spender, "amount", amount)

	receipt, err := bind.WaitMined(ctx, s.token.backend, tx)
	if err != nil {
		return ref, classify("approve", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ref, &ledger.Rejection{Op: "approve", Err: fmt.Errorf("approval %s reverted", ref)}
	}
	return ref, nil
}

// Transfer signs transfer(to, amount), sends it, and returns as soon as the node accepts
// it. The transaction is signed before sending so a failed send still reports its hash.
func (s *Signer) Transfer(ctx context.Context, to ledger.Address, amount decimal.Decimal) (ledger.TxRef, error) {
	tx, err := s.sign(ctx, "transfer", to, amount)
	if err != nil {
		return "", err
	}
	ref := ledger.TxRef(tx.Hash().Hex())
	if err := s.token.backend.SendTransaction(ctx, tx); err != nil {
		s.token.logger.WarnContext(ctx, "transfer send failed", "tx", ref, "error", err)
		return ref, classify("transfer", err)
	}
	s.token.logger.InfoContext(ctx, "transfer submitted", "tx", ref, "to", to, "amount", amount)
	return ref, nil
}

func toAddress(a ledger.Address) (common.Address, error) {
	if !common.IsHexAddress(string(a)) {
		return common.Address{}, fmt.Errorf("invalid address %q", a)
	}
	return common.HexToAddress(string(a)), nil
}

// classify maps node errors onto the ledger taxonomy. A JSON-RPC error means the node
// answered and refused; anything else is treated as the node being unreachable.
func classify(op string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &ledger.Rejection{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ledger.Unavailable{Op: op, Err: err}
	}
	if strings.Contains(err.Error(), "execution reverted") || strings.Contains(err.Error(), "insufficient funds") {
		return &ledger.Rejection{Op: op, Err: err}
	}
	return &ledger.Unavailable{Op: op, Err: err}
}
