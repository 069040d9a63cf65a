package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"daowatch/internal/chainevent"
	"daowatch/internal/scheduler"
	"daowatch/internal/stream"
)

const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultPingTimeout       = 5 * time.Second
)

// GatewayOptions parameterise the WebSocket event gateway source.
type GatewayOptions struct {
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	ReadLimit         int64
	Header            http.Header
	Clock             scheduler.Clock
}

// GatewayDialer connects to a push gateway that streams raw envelopes. Like
// the log poller it keeps a per-organization cursor: a reconnect resubscribes
// from the last delivered block and skips the frames of that block it has
// already passed on.
type GatewayDialer struct {
	opts   GatewayOptions
	logger zerolog.Logger

	mu      sync.Mutex
	cursors map[string]*gatewayCursor
}

type gatewayCursor struct {
	block uint64
	// seen fingerprints the frames delivered at block.
	seen map[string]struct{}
}

// admit reports whether raw is new and records it. Frames without a block
// number are always admitted; frames are expected in block order.
func (c *gatewayCursor) admit(raw chainevent.Raw) bool {
	if raw.BlockNumber == 0 {
		return true
	}
	switch {
	case raw.BlockNumber < c.block:
		return false
	case raw.BlockNumber > c.block:
		c.block = raw.BlockNumber
		c.seen = make(map[string]struct{})
	}
	fp := raw.Type + "|" + string(raw.Data)
	if _, ok := c.seen[fp]; ok {
		return false
	}
	c.seen[fp] = struct{}{}
	return true
}

type subscribeRequest struct {
	Type           string `json:"type"`
	OrganizationID string `json:"organization_id"`
	Contract       string `json:"contract,omitempty"`
	FromBlock      uint64 `json:"from_block,omitempty"`
}

// NewGatewayDialer constructs the dialer.
func NewGatewayDialer(opts GatewayOptions, logger zerolog.Logger) *GatewayDialer {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock{}
	}
	return &GatewayDialer{
		opts:    opts,
		logger:  logger.With().Str("component", "gateway_source").Logger(),
		cursors: make(map[string]*gatewayCursor),
	}
}

// Forget drops the stored cursor for orgID.
func (d *GatewayDialer) Forget(orgID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cursors, orgID)
}

// Dial opens the socket and sends the subscribe request.
func (d *GatewayDialer) Dial(ctx context.Context, orgID string, params stream.ConnectionParams) (stream.Source, error) {
	if params.Endpoint == "" {
		return nil, errors.New("gateway url not configured")
	}
	conn, _, err := websocket.Dial(ctx, params.Endpoint, &websocket.DialOptions{HTTPHeader: d.opts.Header})
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(d.opts.ReadLimit)

	d.mu.Lock()
	cursor, ok := d.cursors[orgID]
	if !ok {
		cursor = &gatewayCursor{seen: make(map[string]struct{})}
		d.cursors[orgID] = cursor
	}
	from := params.StartBlock
	if cursor.block > from {
		from = cursor.block
	}
	d.mu.Unlock()

	req := subscribeRequest{Type: "subscribe", OrganizationID: orgID, Contract: params.Contract, FromBlock: from}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &gatewaySource{
		conn:   conn,
		opts:   d.opts,
		cursor: cursor,
		logger: d.logger.With().Str("organization", orgID).Logger(),
	}, nil
}

type gatewaySource struct {
	conn   *websocket.Conn
	opts   GatewayOptions
	cursor *gatewayCursor
	logger zerolog.Logger
	once   sync.Once
}

// Run reads envelopes until the socket fails or a heartbeat ping times out.
func (s *gatewaySource) Run(ctx context.Context, deliver func(chainevent.Raw)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatErr := make(chan error, 1)
	go func() {
		for {
			if !scheduler.Sleep(runCtx.Done(), s.opts.Clock, s.opts.HeartbeatInterval) {
				return
			}
			pingCtx, cancelPing := context.WithTimeout(runCtx, s.opts.PingTimeout)
			err := s.conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				heartbeatErr <- fmt.Errorf("heartbeat: %w", err)
				cancel()
				return
			}
		}
	}()

	for {
		var raw chainevent.Raw
		err := wsjson.Read(runCtx, s.conn, &raw)
		if err != nil {
			select {
			case hbErr := <-heartbeatErr:
				return hbErr
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read gateway: %w", err)
		}
		if raw.Type == "" {
			s.logger.Debug().Msg("ignoring gateway frame without type")
			continue
		}
		if !s.cursor.admit(raw) {
			s.logger.Debug().Str("type", raw.Type).Uint64("block", raw.BlockNumber).Msg("skipping replayed gateway frame")
			continue
		}
		deliver(raw)
	}
}

func (s *gatewaySource) Close() error {
	var err error
	s.once.Do(func() { err = s.conn.Close(websocket.StatusNormalClosure, "closing") })
	return err
}

var _ stream.Dialer = (*GatewayDialer)(nil)
