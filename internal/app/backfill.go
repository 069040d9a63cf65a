package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"daowatch/internal/chainevent"
	"daowatch/internal/storage"
	"daowatch/internal/stream"
)

const defaultBackfillDuration = 2 * time.Minute

// Backfill replays an organization's chain source from a historical block and
// persists the decoded events. The source is polled for opts.Duration; rows
// already stored are skipped by their dedupe key.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	org, ok := a.Config.Organization(opts.OrganizationID)
	if !ok {
		return fmt.Errorf("unknown organization %q", opts.OrganizationID)
	}
	if opts.FromBlock == 0 {
		return errors.New("--from-block 必须大于 0")
	}
	duration := opts.Duration
	if duration <= 0 {
		duration = defaultBackfillDuration
	}

	var events storage.EventStore
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		store, closeStore, err := a.requireStore(ctx, "回填")
		if err != nil {
			return err
		}
		defer closeStore()
		events = store
	}

	endpoint := org.Endpoint
	if endpoint == "" {
		endpoint = a.Config.Ethereum.RPCURL
	}
	params := stream.ConnectionParams{
		Source:     org.Source,
		Endpoint:   endpoint,
		Contract:   org.Contract,
		StartBlock: opts.FromBlock,
	}

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	src, err := a.newDialer().Dial(runCtx, org.ID, params)
	if err != nil {
		return fmt.Errorf("dial %s: %w", org.ID, err)
	}
	defer src.Close()

	decoder := chainevent.Decoder{Bucket: a.Config.Stream.DedupeBucket}
	var received, stored, duplicates, failed int
	deliver := func(raw chainevent.Raw) {
		received++
		ev, err := decoder.Decode(org.ID, raw, time.Now().UTC())
		if err != nil {
			failed++
			a.Logger.Warn().Err(err).Str("type", raw.Type).Msg("跳过无法解析的事件")
			return
		}
		if events == nil {
			return
		}
		rec, err := storage.NewEventRecord(ev)
		if err != nil {
			failed++
			return
		}
		inserted, err := events.InsertEvent(ctx, rec)
		switch {
		case err != nil:
			failed++
			a.Logger.Error().Err(err).Str("dedupe_key", ev.DedupeKey).Msg("回填写入失败")
		case inserted:
			stored++
		default:
			duplicates++
		}
	}

	a.Logger.Info().Str("organization", org.ID).Uint64("from_block", opts.FromBlock).Dur("duration", duration).Msg("开始回填")
	err = src.Run(runCtx, deliver)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	a.Logger.Info().
		Int("received", received).
		Int("stored", stored).
		Int("duplicates", duplicates).
		Int("failed", failed).
		Msg("回填完成")
	if failed > 0 {
		return errors.New("部分事件回填失败，请检查日志")
	}
	return ctx.Err()
}
