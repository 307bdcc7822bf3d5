package router

import (
	"context"
	"errors"
	"fmt"

	"chatrelay/internal/domain"
)

// ProviderStatus is a provider's config plus whether it is ready to send.
type ProviderStatus struct {
	domain.ProviderConfig
	Ready bool `json:"ready"`
}

// Seed stores each config whose platform has no stored record yet. Existing
// records are left alone; the admin surface owns them once written.
func (r *Router) Seed(ctx context.Context, cfgs []domain.ProviderConfig) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	n := 0
	for _, cfg := range cfgs {
		_, err := r.store.GetProviderConfig(ctx, cfg.Platform)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return n, fmt.Errorf("seed %s: %w", cfg.Platform, err)
		}
		if err := r.store.SaveProviderConfig(ctx, cfg); err != nil {
			return n, fmt.Errorf("seed %s: %w", cfg.Platform, err)
		}
		r.logger.Info("provider config seeded", "platform", cfg.Platform, "enabled", cfg.IsEnabled)
		n++
	}
	return n, nil
}

// ListConfigs returns the live config and readiness of every registered
// provider.
func (r *Router) ListConfigs(ctx context.Context) ([]ProviderStatus, error) {
	platforms := r.platforms()
	out := make([]ProviderStatus, 0, len(platforms))
	for _, p := range platforms {
		st, err := r.GetConfig(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (r *Router) GetConfig(ctx context.Context, platform string) (ProviderStatus, error) {
	e, err := r.entry(platform)
	if err != nil {
		return ProviderStatus{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ProviderStatus{ProviderConfig: e.cfg, Ready: e.ready}, nil
}

// SaveConfig persists cfg and restarts the provider with it.
func (r *Router) SaveConfig(ctx context.Context, cfg domain.ProviderConfig) (ProviderStatus, error) {
	if _, err := r.entry(cfg.Platform); err != nil {
		return ProviderStatus{}, err
	}
	if r.store != nil {
		if err := r.store.SaveProviderConfig(ctx, cfg); err != nil {
			return ProviderStatus{}, fmt.Errorf("save %s: %w", cfg.Platform, err)
		}
	}
	applyErr := r.apply(ctx, cfg.Platform, cfg)
	st, err := r.GetConfig(ctx, cfg.Platform)
	if err != nil {
		return st, err
	}
	return st, applyErr
}

// DeleteConfig removes the stored config and leaves the provider
// registered but disabled.
func (r *Router) DeleteConfig(ctx context.Context, platform string) error {
	if _, err := r.entry(platform); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.DeleteProviderConfig(ctx, platform); err != nil {
			return fmt.Errorf("delete %s: %w", platform, err)
		}
	}
	return r.apply(ctx, platform, domain.ProviderConfig{Platform: platform})
}

func (r *Router) Enable(ctx context.Context, platform string) (ProviderStatus, error) {
	return r.toggle(ctx, platform, true)
}

func (r *Router) Disable(ctx context.Context, platform string) (ProviderStatus, error) {
	return r.toggle(ctx, platform, false)
}

func (r *Router) toggle(ctx context.Context, platform string, enabled bool) (ProviderStatus, error) {
	st, err := r.GetConfig(ctx, platform)
	if err != nil {
		return st, err
	}
	cfg := st.ProviderConfig
	cfg.IsEnabled = enabled
	return r.SaveConfig(ctx, cfg)
}

// Reload re-reads the stored config and restarts the provider with it.
func (r *Router) Reload(ctx context.Context, platform string) (ProviderStatus, error) {
	st, err := r.GetConfig(ctx, platform)
	if err != nil {
		return st, err
	}
	cfg := st.ProviderConfig
	if r.store != nil {
		stored, err := r.store.GetProviderConfig(ctx, platform)
		switch {
		case err == nil:
			cfg = *stored
		case errors.Is(err, domain.ErrNotFound):
			cfg = domain.ProviderConfig{Platform: platform}
		default:
			return st, fmt.Errorf("reload %s: %w", platform, err)
		}
	}
	applyErr := r.apply(ctx, platform, cfg)
	st, err = r.GetConfig(ctx, platform)
	if err != nil {
		return st, err
	}
	return st, applyErr
}
