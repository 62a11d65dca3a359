package feed

import (
	"context"
	"time"

	"signalbridge/internal/model"

	"github.com/yanun0323/errors"
)

var (
	ErrDisconnected = errors.New("feed disconnected")
	ErrAuthRejected = errors.New("feed credentials rejected")
)

// Source is one upstream price connection, configured for a fixed
// symbol set and bar interval. The adapter owns reconnect policy;
// sources just connect, backfill and stream.
type Source interface {
	// Connect establishes the upstream session and subscribes the
	// configured symbols.
	Connect(ctx context.Context) error
	// Backfill returns up to limit recent closed bars per symbol,
	// oldest first.
	Backfill(ctx context.Context, limit int) ([]model.Bar, error)
	// Run delivers closed bars until the connection drops or ctx ends.
	// A nil return means ctx ended; any error means the connection is
	// gone and the adapter should reconnect.
	Run(ctx context.Context, onBar func(model.Bar)) error
	// Close tears the session down.
	Close()
}

// SourceConfig is shared by all source implementations.
type SourceConfig struct {
	Symbols  []string
	Interval time.Duration
}
