package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crypto-stats-worker/internal/bus"
)

// Trigger asks running workers for an immediate run over the bus, or runs one
// ingestion cycle in-process with Local.
func (a *App) Trigger(ctx context.Context, opts TriggerOptions) error {
	if opts.Local {
		return a.runOnce(ctx)
	}

	client, err := a.openBus(ctx)
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("bus.redis_url not configured; use --local to run in-process")
	}
	defer client.Close()

	topic := a.Config.Bus.TriggerTopic
	if err := client.Publish(ctx, topic, bus.TriggerMessage{Trigger: bus.TriggerUpdate}); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "trigger published to %s\n", topic)
	return nil
}

func (a *App) runOnce(ctx context.Context) error {
	w, err := a.newWorker(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	outcome, err := w.scheduler.RunOnce(ctx, "cli")
	if err != nil {
		return fmt.Errorf("local run refused: %w", err)
	}

	encoder := json.NewEncoder(a.Out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(outcome); err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if !outcome.Success() {
		return fmt.Errorf("run %s ingested no assets", outcome.RunID)
	}
	return nil
}
