package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"daowatch/internal/chainevent"
	"daowatch/internal/scheduler"
	"daowatch/internal/stream"
)

const (
	DefaultPollInterval  = 12 * time.Second
	DefaultOverlapBlocks = 2
)

// LogClient is the subset of ethclient.Client the poller needs.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// EthereumOptions parameterise the log poller.
type EthereumOptions struct {
	PollInterval   time.Duration
	OverlapBlocks  uint64
	MaxBlockRange  uint64
	RequestTimeout time.Duration
	TokenSymbols   map[string]string
	TokenDecimals  map[string]int32
	Clock          scheduler.Clock
	// DialClient overrides ethclient.DialContext, mainly for tests.
	DialClient func(ctx context.Context, endpoint string) (LogClient, error)
}

// EthereumDialer opens log-polling sources. It remembers each organization's
// block cursor and the logs delivered inside the overlap window, so neither a
// re-scan nor a reconnect hands the same log to the stream twice.
type EthereumDialer struct {
	opts    EthereumOptions
	logger  zerolog.Logger
	decoder logDecoder

	mu      sync.Mutex
	cursors map[string]*logCursor
}

// logRef identifies a log independently of when it was observed.
type logRef struct {
	tx    common.Hash
	index uint
}

type logCursor struct {
	next uint64
	// seen holds refs delivered at blocks still inside the overlap window.
	seen map[logRef]uint64
}

func newLogCursor(next uint64) *logCursor {
	return &logCursor{next: next, seen: make(map[logRef]uint64)}
}

// advance moves the cursor and forgets refs that the next re-scan can no
// longer reach.
func (c *logCursor) advance(next, overlap uint64) {
	if next <= c.next {
		return
	}
	c.next = next
	var floor uint64
	if next > overlap {
		floor = next - overlap
	}
	for ref, block := range c.seen {
		if block < floor {
			delete(c.seen, ref)
		}
	}
}

// NewEthereumDialer constructs the dialer.
func NewEthereumDialer(opts EthereumOptions, logger zerolog.Logger) *EthereumDialer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.OverlapBlocks == 0 {
		opts.OverlapBlocks = DefaultOverlapBlocks
	}
	if opts.MaxBlockRange == 0 {
		opts.MaxBlockRange = 2000
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = stream.DefaultRequestTimeout
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock{}
	}
	if opts.DialClient == nil {
		opts.DialClient = func(ctx context.Context, endpoint string) (LogClient, error) {
			return ethclient.DialContext(ctx, endpoint)
		}
	}
	symbols := make(map[string]string, len(opts.TokenSymbols))
	for addr, sym := range opts.TokenSymbols {
		symbols[strings.ToLower(addr)] = strings.ToUpper(sym)
	}
	decimals := make(map[string]int32, len(opts.TokenDecimals))
	for sym, dec := range opts.TokenDecimals {
		decimals[strings.ToUpper(sym)] = dec
	}
	return &EthereumDialer{
		opts:    opts,
		logger:  logger.With().Str("component", "ethereum_source").Logger(),
		decoder: logDecoder{tokenSymbols: symbols, tokenDecimals: decimals},
		cursors: make(map[string]*logCursor),
	}
}

// Dial connects to the RPC endpoint and checks it answers.
func (d *EthereumDialer) Dial(ctx context.Context, orgID string, params stream.ConnectionParams) (stream.Source, error) {
	if params.Endpoint == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(params.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", params.Contract)
	}

	client, err := d.opts.DialClient(ctx, params.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", params.Endpoint, err)
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetch head block: %w", err)
	}

	d.mu.Lock()
	cursor, ok := d.cursors[orgID]
	if !ok {
		next := params.StartBlock
		if next == 0 {
			next = head + 1
		}
		cursor = newLogCursor(next)
		d.cursors[orgID] = cursor
	}
	d.mu.Unlock()

	return &ethereumSource{
		dialer:   d,
		client:   client,
		contract: common.HexToAddress(params.Contract),
		cursor:   cursor,
		logger:   d.logger.With().Str("organization", orgID).Logger(),
	}, nil
}

// Forget drops the stored cursor for orgID. The next Dial starts from its
// ConnectionParams again.
func (d *EthereumDialer) Forget(orgID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cursors, orgID)
}

// ethereumSource owns its cursor while it runs; the stream keeps at most one
// source per organization.
type ethereumSource struct {
	dialer   *EthereumDialer
	client   LogClient
	contract common.Address
	cursor   *logCursor
	logger   zerolog.Logger
	once     sync.Once
}

// Run polls FilterLogs every PollInterval. Each cycle re-scans OverlapBlocks
// blocks to pick up late logs; logs already delivered are skipped.
func (s *ethereumSource) Run(ctx context.Context, deliver func(chainevent.Raw)) error {
	opts := s.dialer.opts
	topics := EventTopics()
	for {
		if err := s.poll(ctx, topics, deliver); err != nil {
			return err
		}
		if !scheduler.Sleep(ctx.Done(), opts.Clock, opts.PollInterval) {
			return ctx.Err()
		}
	}
}

func (s *ethereumSource) poll(ctx context.Context, topics []common.Hash, deliver func(chainevent.Raw)) error {
	opts := s.dialer.opts

	reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
	head, err := s.client.BlockNumber(reqCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch head block: %w", err)
	}

	from := s.cursor.next
	if from > opts.OverlapBlocks {
		from -= opts.OverlapBlocks
	} else {
		from = 0
	}
	if from > head {
		return nil
	}
	to := head
	if to-from+1 > opts.MaxBlockRange {
		to = from + opts.MaxBlockRange - 1
	}

	reqCtx, cancel = context.WithTimeout(ctx, opts.RequestTimeout)
	logs, err := s.client.FilterLogs(reqCtx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{topics},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	delivered := 0
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ref := logRef{tx: lg.TxHash, index: lg.Index}
		if _, ok := s.cursor.seen[ref]; ok {
			continue
		}
		s.cursor.seen[ref] = lg.BlockNumber
		raw, err := s.dialer.decoder.decode(lg)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("block", lg.BlockNumber).Str("tx", lg.TxHash.Hex()).Msg("skipping undecodable log")
			continue
		}
		deliver(raw)
		delivered++
	}

	s.cursor.advance(to+1, opts.OverlapBlocks)
	s.logger.Debug().Uint64("from", from).Uint64("to", to).Int("logs", len(logs)).Int("delivered", delivered).Msg("polled contract logs")
	return nil
}

func (s *ethereumSource) Close() error {
	s.once.Do(s.client.Close)
	return nil
}

var _ stream.Dialer = (*EthereumDialer)(nil)
