package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"crypto-stats-worker/internal/stats"
)

// Stats prints the latest sample and price deviation for each asset.
func (a *App) Stats(ctx context.Context, asset string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot compute statistics")
	}
	if closeStore != nil {
		defer closeStore()
	}

	assets := a.Config.TrackedAssets()
	if asset != "" {
		assets = []string{asset}
	}
	return a.printStats(ctx, stats.NewEngine(store), assets)
}

func (a *App) printStats(ctx context.Context, engine *stats.Engine, assets []string) error {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tLatest\tObserved (UTC)\tMean\tStd Dev\tSamples")

	for _, asset := range assets {
		latest, err := engine.Latest(ctx, asset)
		if errors.Is(err, stats.ErrInsufficientData) {
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t0\n", asset)
			continue
		}
		if err != nil {
			return err
		}

		dev, err := engine.Deviation(ctx, asset)
		if err != nil {
			return err
		}

		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%.4f\t%.4f\t%d\n",
			asset,
			formatDecimal(latest.Price, 4),
			latest.ObservedAt.UTC().Format(time.RFC3339),
			dev.Mean,
			dev.Value,
			dev.SampleSize,
		)
	}
	return writer.Flush()
}
