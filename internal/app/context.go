// Package app resolves which dataset a command operates on and makes
// sure its config exists, seeding defaults on first use.
package app

import (
	"context"
	"errors"
	"fmt"

	"groundline/internal/config"
	"groundline/internal/store"
)

// ResolveDatasetAndConfig picks the active dataset and ensures its config
// exists in the DB. It prefers the override, then a single stored
// dataset. A missing config is seeded with defaults.
func ResolveDatasetAndConfig(ctx context.Context, datasetOverride string, s store.Store) (string, *config.Config, error) {
	dataset := datasetOverride
	if dataset == "" {
		ids, err := s.ListDatasets(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(ids) != 1 {
			return "", nil, fmt.Errorf("dataset not specified; use --dataset")
		}
		dataset = ids[0]
	}
	cfg, err := s.GetDatasetConfig(ctx, dataset)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(dataset)
		if err := s.UpsertDatasetConfig(ctx, dataset, cfg); err != nil {
			return "", nil, fmt.Errorf("seed dataset config: %w", err)
		}
	}
	cfg.Dataset.ID = dataset
	return dataset, cfg, nil
}
