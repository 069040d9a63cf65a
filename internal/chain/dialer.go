// Package chain provides the chain connections behind the event stream and
// the treasury balance reader.
package chain

import (
	"context"
	"fmt"
	"strings"

	"daowatch/internal/stream"
)

const (
	SourceEthereum  = "ethereum"
	SourceWebSocket = "websocket"
)

// Dialer routes a registration to the dialer named by ConnectionParams.Source.
type Dialer struct {
	byName map[string]stream.Dialer
}

// NewDialer builds a routing dialer. Nil entries are skipped.
func NewDialer(ethereum *EthereumDialer, gateway *GatewayDialer) *Dialer {
	d := &Dialer{byName: make(map[string]stream.Dialer)}
	if ethereum != nil {
		d.byName[SourceEthereum] = ethereum
	}
	if gateway != nil {
		d.byName[SourceWebSocket] = gateway
	}
	return d
}

// Forget drops the resume cursors every source kept for orgID.
func (d *Dialer) Forget(orgID string) {
	for _, dialer := range d.byName {
		if f, ok := dialer.(stream.Forgetter); ok {
			f.Forget(orgID)
		}
	}
}

func (d *Dialer) Dial(ctx context.Context, orgID string, params stream.ConnectionParams) (stream.Source, error) {
	name := strings.ToLower(strings.TrimSpace(params.Source))
	if name == "" {
		name = SourceEthereum
	}
	dialer, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("unsupported chain source %q", params.Source)
	}
	return dialer.Dial(ctx, orgID, params)
}

var (
	_ stream.Dialer    = (*Dialer)(nil)
	_ stream.Forgetter = (*Dialer)(nil)
	_ stream.Forgetter = (*EthereumDialer)(nil)
	_ stream.Forgetter = (*GatewayDialer)(nil)
)
