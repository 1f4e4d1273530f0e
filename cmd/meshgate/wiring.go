package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"meshgate/internal/backend"
	"meshgate/internal/config"
	"meshgate/internal/embedding"
	"meshgate/internal/gate"
	"meshgate/internal/metrics"
	"meshgate/internal/reconstruct"
	"meshgate/internal/supervisor"
)

// buildOrchestrator wires registry, supervisor and interpreter. coll may be
// nil.
func buildOrchestrator(c *config.Config, sup *supervisor.Supervisor, coll *metrics.Collector) (*reconstruct.Orchestrator, error) {
	descs, err := c.Descriptors()
	if err != nil {
		return nil, err
	}
	reg, err := backend.NewRegistry(descs...)
	if err != nil {
		return nil, fmt.Errorf("build backend registry: %w", err)
	}

	var opts []reconstruct.Option
	if coll != nil {
		opts = append(opts, reconstruct.WithObserver(coll))
	}
	return reconstruct.New(reg, sup, opts...), nil
}

// buildGate connects to the embedding backend and builds the prototype
// table. coll may be nil.
func buildGate(ctx context.Context, c *config.Config, sup *supervisor.Supervisor, coll *metrics.Collector) (*gate.Gate, error) {
	enc, err := embedding.NewEngine(ctx, c.Embedding, sup)
	if err != nil {
		return nil, err
	}
	if hc, ok := enc.(embedding.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("embedding backend unavailable: %w", err)
		}
	}

	cats := gate.DefaultCategories()
	table, err := gate.BuildTable(ctx, enc, cats)
	if err != nil {
		return nil, fmt.Errorf("build prototype table: %w", err)
	}

	opts := []gate.Option{gate.WithPolicy(c.Gate), gate.WithCategories(cats)}
	if coll != nil {
		opts = append(opts, gate.WithObserver(coll))
	}
	g, err := gate.New(enc, table, opts...)
	if err != nil {
		return nil, err
	}

	logger.Debug("content gate ready",
		zap.String("encoder", enc.Name()),
		zap.Int("categories", table.Len()),
		zap.Float64("override_threshold", c.Gate.OverrideThreshold))
	return g, nil
}
