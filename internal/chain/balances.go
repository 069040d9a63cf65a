package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"daowatch/internal/stream"
)

// BalanceClient is the subset of ethclient.Client used for balance reads.
type BalanceClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// BalanceOptions parameterise treasury balance reads.
type BalanceOptions struct {
	RPCURL  string
	Timeout time.Duration
	// Tokens maps ticker symbols to ERC-20 contract addresses.
	Tokens map[string]string
	// NativeSymbol names the chain's native asset; empty skips it.
	NativeSymbol string
}

// BalanceReader reads a treasury's native and ERC-20 holdings.
type BalanceReader struct {
	opts      BalanceOptions
	logger    zerolog.Logger
	client    BalanceClient
	clientMux sync.Mutex

	decimalsMu sync.Mutex
	decimals   map[common.Address]int32
}

// NewBalanceReader builds a reader; the RPC connection is opened lazily.
func NewBalanceReader(opts BalanceOptions, logger zerolog.Logger) *BalanceReader {
	return &BalanceReader{
		opts:     opts,
		logger:   logger.With().Str("component", "balance_reader").Logger(),
		decimals: make(map[common.Address]int32),
	}
}

// WithClient injects an RPC client, bypassing the lazy dial.
func (r *BalanceReader) WithClient(client BalanceClient) *BalanceReader {
	r.client = client
	return r
}

// Balances returns symbol -> amount for treasury. Tokens that fail to read
// are skipped with a warning; an error is returned only when nothing could be
// read.
func (r *BalanceReader) Balances(ctx context.Context, treasury string) (map[string]decimal.Decimal, error) {
	if !common.IsHexAddress(treasury) {
		return nil, fmt.Errorf("invalid treasury address %q", treasury)
	}
	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = stream.DefaultRequestTimeout
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return nil, err
	}
	account := common.HexToAddress(treasury)

	out := make(map[string]decimal.Decimal)
	var errs []error

	if sym := strings.ToUpper(strings.TrimSpace(r.opts.NativeSymbol)); sym != "" {
		wei, err := client.BalanceAt(ctx, account, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
		} else {
			out[sym] = decimal.NewFromBigInt(wei, -18)
		}
	}

	symbols := make([]string, 0, len(r.opts.Tokens))
	for sym := range r.opts.Tokens {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		token := common.HexToAddress(r.opts.Tokens[sym])
		amount, err := r.tokenBalance(ctx, client, token, account)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			r.logger.Warn().Err(err).Str("symbol", sym).Msg("token balance read failed")
			continue
		}
		out[strings.ToUpper(sym)] = amount
	}

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (r *BalanceReader) tokenBalance(ctx context.Context, client BalanceClient, token, account common.Address) (decimal.Decimal, error) {
	scale, err := r.tokenDecimals(ctx, client, token)
	if err != nil {
		return decimal.Decimal{}, err
	}
	payload, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return decimal.Decimal{}, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, errors.New("unexpected balanceOf response")
	}
	bal, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode balanceOf output")
	}
	return decimal.NewFromBigInt(bal, -scale), nil
}

func (r *BalanceReader) tokenDecimals(ctx context.Context, client BalanceClient, token common.Address) (int32, error) {
	r.decimalsMu.Lock()
	if d, ok := r.decimals[token]; ok {
		r.decimalsMu.Unlock()
		return d, nil
	}
	r.decimalsMu.Unlock()

	payload, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return 0, err
	}
	outputs, err := erc20ABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	r.decimalsMu.Lock()
	r.decimals[token] = int32(d)
	r.decimalsMu.Unlock()
	return int32(d), nil
}

func (r *BalanceReader) getClient(ctx context.Context) (BalanceClient, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}
	if r.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}
