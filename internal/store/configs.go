package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"groundline/internal/config"
)

func (s Store) UpsertDatasetConfig(ctx context.Context, dataset string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Dataset.ID = dataset
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := s.now().UTC().Format(time.RFC3339)
	_, err = s.DB.ExecContext(ctx, `INSERT INTO dataset_configs(dataset,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(dataset) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, dataset, string(payload), now, now)
	return err
}

func (s Store) GetDatasetConfig(ctx context.Context, dataset string) (*config.Config, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT config_json FROM dataset_configs WHERE dataset=?`, dataset).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Dataset.ID == "" {
		cfg.Dataset.ID = dataset
	}
	return &cfg, cfg.Validate()
}

// ListDatasets returns the IDs of every dataset with a stored config.
func (s Store) ListDatasets(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT dataset FROM dataset_configs ORDER BY dataset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
