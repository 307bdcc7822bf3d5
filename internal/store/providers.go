package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/domain"
)

var _ domain.ProviderConfigStore = (*SQLiteStore)(nil)

const providerColumns = `platform, COALESCE(display_name, ''), is_enabled, COALESCE(webhook_url, ''),
	message_interval_ms, max_retry_count, COALESCE(config_data, ''), COALESCE(updated_at, 0)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProviderConfig(row rowScanner) (domain.ProviderConfig, error) {
	var (
		cfg        domain.ProviderConfig
		enabled    int
		intervalMS int64
		data       string
		updated    int64
	)
	if err := row.Scan(&cfg.Platform, &cfg.DisplayName, &enabled, &cfg.WebhookURL,
		&intervalMS, &cfg.MaxRetryCount, &data, &updated); err != nil {
		return cfg, err
	}
	cfg.IsEnabled = enabled != 0
	cfg.MessageInterval = time.Duration(intervalMS) * time.Millisecond
	cfg.ConfigData = decodeMeta(data)
	cfg.UpdatedAt = fromMillis(updated)
	return cfg, nil
}

func (s *SQLiteStore) ListProviderConfigs(ctx context.Context) ([]domain.ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM provider_configs ORDER BY platform`)
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	defer rows.Close()

	var result []domain.ProviderConfig
	for rows.Next() {
		cfg, err := scanProviderConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetProviderConfig(ctx context.Context, platform string) (*domain.ProviderConfig, error) {
	cfg, err := scanProviderConfig(s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM provider_configs WHERE platform = ?`, platform))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider config %s: %w", platform, err)
	}
	return &cfg, nil
}

// SaveProviderConfig inserts or replaces the row for cfg.Platform.
func (s *SQLiteStore) SaveProviderConfig(ctx context.Context, cfg domain.ProviderConfig) error {
	if cfg.Platform == "" {
		return fmt.Errorf("save provider config: platform is required")
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}
	enabled := 0
	if cfg.IsEnabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_configs
		 (platform, display_name, is_enabled, webhook_url, message_interval_ms, max_retry_count, config_data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(platform) DO UPDATE SET
		   display_name = excluded.display_name,
		   is_enabled = excluded.is_enabled,
		   webhook_url = excluded.webhook_url,
		   message_interval_ms = excluded.message_interval_ms,
		   max_retry_count = excluded.max_retry_count,
		   config_data = excluded.config_data,
		   updated_at = excluded.updated_at`,
		cfg.Platform, cfg.DisplayName, enabled, cfg.WebhookURL, cfg.MessageInterval.Milliseconds(),
		cfg.MaxRetryCount, encodeMeta(cfg.ConfigData), toMillis(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save provider config %s: %w", cfg.Platform, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteProviderConfig(ctx context.Context, platform string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_configs WHERE platform = ?`, platform)
	if err != nil {
		return fmt.Errorf("delete provider config %s: %w", platform, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
