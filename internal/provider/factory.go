package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

// Options are shared by every constructor.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client

	// Gateway settings for providers that hold a persistent connection.
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

// Constructor builds an uninitialized provider.
type Constructor func(opts Options) domain.Provider

// Factory maps platform names to constructors.
type Factory struct {
	opts  Options
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory returns a factory with every built-in platform registered.
func NewFactory(opts Options) *Factory {
	f := &Factory{opts: opts, ctors: make(map[string]Constructor)}
	f.Register("qq", func(o Options) domain.Provider { return NewQQ(o) })
	f.Register("slack", func(o Options) domain.Provider { return NewSlack(o) })
	f.Register("telegram", func(o Options) domain.Provider { return NewTelegram(o) })
	f.Register("feishu", func(o Options) domain.Provider { return NewFeishu(o) })
	f.Register("discord", func(o Options) domain.Provider { return NewDiscord(o) })
	f.Register("webhook", func(o Options) domain.Provider { return NewWebhook(o) })
	return f
}

// Register adds or replaces the constructor for name.
func (f *Factory) Register(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[name] = ctor
}

// New builds the provider for platform.
func (f *Factory) New(platform string) (domain.Provider, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[platform]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, platform)
	}
	return ctor(f.opts), nil
}

// Platforms lists registered names in sorted order.
func (f *Factory) Platforms() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.ctors))
	for name := range f.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
