package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ContractCaller is the subset of ethclient.Client the oracle needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// OracleOptions parameterise the on-chain price source.
type OracleOptions struct {
	RPCURL string
	// Feeds maps ticker symbols to Chainlink aggregator addresses.
	Feeds   map[string]string
	Timeout time.Duration
	// MaxAge rejects answers whose updatedAt is older than this. Zero disables
	// the check.
	MaxAge time.Duration
}

// Oracle reads USD prices from Chainlink aggregators via Ethereum RPC.
type Oracle struct {
	opts      OracleOptions
	logger    zerolog.Logger
	feeds     map[string]common.Address
	caller    ContractCaller
	clientMux sync.Mutex

	decimalsMu sync.Mutex
	decimals   map[common.Address]int32
}

// NewOracle builds an oracle price source.
func NewOracle(opts OracleOptions, logger zerolog.Logger) *Oracle {
	feeds := make(map[string]common.Address, len(opts.Feeds))
	for sym, addr := range opts.Feeds {
		feeds[NormalizeSymbol(sym)] = common.HexToAddress(addr)
	}
	return &Oracle{
		opts:     opts,
		logger:   logger.With().Str("component", "oracle_price_source").Logger(),
		feeds:    feeds,
		decimals: make(map[common.Address]int32),
	}
}

// WithCaller injects an RPC caller, bypassing the lazy dial.
func (o *Oracle) WithCaller(caller ContractCaller) *Oracle {
	o.caller = caller
	return o
}

func (o *Oracle) Name() string { return "oracle" }

// Price returns the latest aggregator answer for symbol.
func (o *Oracle) Price(ctx context.Context, symbol string) (Quote, error) {
	sym := NormalizeSymbol(symbol)
	feed, ok := o.feeds[sym]
	if !ok {
		return Quote{}, fmt.Errorf("oracle price %s: %w", sym, ErrUnknownSymbol)
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := o.getCaller(ctx)
	if err != nil {
		return Quote{}, classify(err)
	}

	scale, err := o.feedDecimals(ctx, caller, feed)
	if err != nil {
		return Quote{}, classify(err)
	}

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return Quote{}, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: payload}, nil)
	if err != nil {
		return Quote{}, classify(err)
	}
	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return Quote{}, err
	}
	if len(outputs) != 5 {
		return Quote{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Quote{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Quote{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if answer.Sign() <= 0 {
		return Quote{}, fmt.Errorf("oracle price %s: non-positive answer %s", sym, answer)
	}

	at := time.Unix(updatedAt.Int64(), 0).UTC()
	if o.opts.MaxAge > 0 && time.Since(at) > o.opts.MaxAge {
		return Quote{}, fmt.Errorf("oracle price %s: answer from %s is older than %s", sym, at.Format(time.RFC3339), o.opts.MaxAge)
	}

	return Quote{Symbol: sym, PriceUSD: decimal.NewFromBigInt(answer, -scale), At: at, Source: o.Name()}, nil
}

func (o *Oracle) feedDecimals(ctx context.Context, caller ContractCaller, feed common.Address) (int32, error) {
	o.decimalsMu.Lock()
	if d, ok := o.decimals[feed]; ok {
		o.decimalsMu.Unlock()
		return d, nil
	}
	o.decimalsMu.Unlock()

	payload, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: payload}, nil)
	if err != nil {
		return 0, err
	}
	outputs, err := aggregatorABI.Unpack("decimals", res)
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

	o.decimalsMu.Lock()
	o.decimals[feed] = int32(d)
	o.decimalsMu.Unlock()
	return int32(d), nil
}

func (o *Oracle) getCaller(ctx context.Context) (ContractCaller, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.caller != nil {
		return o.caller, nil
	}
	if o.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.caller = client
	return client, nil
}

var _ Source = (*Oracle)(nil)
