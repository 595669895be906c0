package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"YieldScout/internal/config"
)

// Factory 根据配置构造一个具体的适配器。
type Factory func(ctx context.Context, cfg config.ProviderConfig) (Adapter, error)

// Registry manages the set of data provider adapters keyed by their IDs.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry registers already constructed adapters.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, adapter := range adapters {
		if err := r.add(adapter); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// BuildOption tweaks how Build decorates the constructed adapters.
type BuildOption func(*buildOptions)

type buildOptions struct {
	cache Cache
}

// WithResponseCache wraps every adapter with a CacheTTL in a shared response cache.
func WithResponseCache(cache Cache) BuildOption {
	return func(o *buildOptions) { o.cache = cache }
}

// Build instantiates adapters from configuration using the supplied factories.
func Build(ctx context.Context, cfgs []config.ProviderConfig, factories map[string]Factory, opts ...BuildOption) (*Registry, error) {
	options := buildOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	r := &Registry{adapters: make(map[string]Adapter, len(cfgs))}
	for _, cfg := range cfgs {
		if cfg.Disabled {
			continue
		}
		factory, ok := factories[strings.ToLower(cfg.Type)]
		if !ok {
			r.Close()
			return nil, fmt.Errorf("数据源 %s 使用了不支持的类型 %s", cfg.ID, cfg.Type)
		}
		adapter, err := factory(ctx, cfg)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化数据源 %s 失败: %w", cfg.ID, err)
		}
		if cfg.RateLimit.PerSecond > 0 {
			adapter = WithRateLimit(adapter, rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)
		}
		if options.cache != nil && cfg.CacheTTL > 0 {
			adapter = WithCache(adapter, options.cache, cfg.CacheTTL)
		}
		if err := r.add(adapter); err != nil {
			r.Close()
			return nil, err
		}
	}
	if len(r.adapters) == 0 {
		return nil, errors.New("未配置任何可用的数据源")
	}
	return r, nil
}

func (r *Registry) add(adapter Adapter) error {
	if adapter == nil {
		return errors.New("适配器不能为空")
	}
	id := adapter.ID()
	if strings.TrimSpace(id) == "" {
		return errors.New("适配器 ID 不能为空")
	}
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("适配器 %s 重复注册", id)
	}
	r.adapters[id] = adapter
	r.order = append(r.order, id)
	sort.Strings(r.order)
	return nil
}

// Adapter returns the adapter identified by id.
func (r *Registry) Adapter(id string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[id]
	return adapter, ok
}

// Adapters returns all adapters ordered by ID.
func (r *Registry) Adapters() []Adapter {
	if r == nil {
		return nil
	}
	out := make([]Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}

// Covering returns the adapters responsible for the given protocol, ordered by ID.
func (r *Registry) Covering(protocolID string) []Adapter {
	if r == nil {
		return nil
	}
	out := make([]Adapter, 0, len(r.order))
	for _, id := range r.order {
		if adapter := r.adapters[id]; adapter.Covers(protocolID) {
			out = append(out, adapter)
		}
	}
	return out
}

// IDs returns the registered adapter IDs in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Close releases adapters that hold connections.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for id, adapter := range r.adapters {
		if closer, ok := adapter.(io.Closer); ok {
			_ = closer.Close()
		}
		delete(r.adapters, id)
	}
	r.order = nil
}
