package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Events prints recently persisted chain events.
func (a *App) Events(ctx context.Context, opts ListOptions) error {
	store, closeStore, err := a.requireStore(ctx, "查询事件")
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := store.ListRecentEvents(ctx, opts.OrganizationID, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tOrganization\tKind\tBlock\tPayload")
	for _, ev := range events {
		block := "-"
		if ev.BlockNumber != nil {
			block = fmt.Sprintf("%d", *ev.BlockNumber)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			ev.ObservedAt.UTC().Format(time.RFC3339),
			ev.OrganizationID,
			ev.Kind,
			block,
			sanitizeInline(string(ev.Payload)),
		)
	}
	return writer.Flush()
}

// Migrate applies pending SQL migrations.
func (a *App) Migrate(ctx context.Context, dir string) error {
	if dir == "" {
		dir = a.Config.Database.MigrationsPath
	}
	store, closeStore, err := a.requireStore(ctx, "执行迁移")
	if err != nil {
		return err
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, dir)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		a.Logger.Info().Str("dir", dir).Msg("schema already up to date")
		return nil
	}
	a.Logger.Info().Strs("applied", applied).Msg("migrations applied")
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
