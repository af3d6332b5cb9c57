package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"crypto-stats-worker/internal/storage"
)

// Show prints recent samples per asset, or recent runs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Runs {
		runs, err := store.ListRecentRuns(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return a.printRuns(runs)
	}

	assets := a.Config.TrackedAssets()
	if opts.Asset != "" {
		assets = []string{opts.Asset}
	}

	samples := make([]storage.Sample, 0, len(assets)*opts.Limit)
	for _, asset := range assets {
		recent, err := store.RecentSamples(ctx, asset, opts.Limit)
		if err != nil {
			return err
		}
		samples = append(samples, recent...)
	}
	return a.printSamples(samples)
}

func (a *App) printSamples(samples []storage.Sample) error {
	if len(samples) == 0 {
		fmt.Fprintln(a.Out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAsset\tPrice\tMarket Cap\tChange 24h%\tSource")
	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.ObservedAt.UTC().Format(time.RFC3339),
			sample.Asset,
			formatDecimal(sample.Price, 4),
			formatDecimal(sample.MarketCap, 0),
			formatDecimal(sample.Change24h, 3),
			sample.Source,
		)
	}
	return writer.Flush()
}

func (a *App) printRuns(runs []storage.RunRecord) error {
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "no runs found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tRun\tTrigger\tDuration\tSucceeded\tFailed")
	for _, run := range runs {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%dms\t%s\t%s\n",
			run.StartedAt.UTC().Format(time.RFC3339),
			run.RunID,
			run.Trigger,
			run.DurationMs,
			strings.Join(run.Succeeded, ","),
			sanitizeInline(formatFailures(run.Failed)),
		)
	}
	return writer.Flush()
}

func formatFailures(failed map[string]string) string {
	if len(failed) == 0 {
		return "-"
	}
	assets := make([]string, 0, len(failed))
	for asset := range failed {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	parts := make([]string, 0, len(assets))
	for _, asset := range assets {
		parts = append(parts, asset+"="+failed[asset])
	}
	return strings.Join(parts, ",")
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
