package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PipelineChangeFunc is invoked after a new pipeline configuration is published.
type PipelineChangeFunc func(old, new PipelineConfig)

// Provider is the read path for configuration. Components hold a Provider
// and call Pipeline or Retrieval on every use, so a reload takes effect on
// the next operation without restarting workers.
type Provider struct {
	current   atomic.Pointer[Config]
	validator *validator.Validate

	mu          sync.Mutex
	subscribers []PipelineChangeFunc
}

// NewProvider 创建配置访问器
func NewProvider(cfg *Config) *Provider {
	p := &Provider{validator: validator.New()}
	c := *cfg
	p.current.Store(&c)
	return p
}

// Config returns a copy of the full configuration.
func (p *Provider) Config() Config {
	return *p.current.Load()
}

// Pipeline 当前管道配置
func (p *Provider) Pipeline() PipelineConfig {
	return p.current.Load().Pipeline
}

// Retrieval 当前检索配置
func (p *Provider) Retrieval() RetrievalConfig {
	return p.current.Load().Retrieval
}

// OnChange subscribes fn to pipeline changes.
func (p *Provider) OnChange(fn PipelineChangeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Update validates and publishes cfg. Invalid configurations are rejected
// and the previous one stays active.
func (p *Provider) Update(cfg *Config) error {
	if err := Validate(p.validator, cfg); err != nil {
		return err
	}
	c := *cfg

	p.mu.Lock()
	old := p.current.Swap(&c)
	subscribers := make([]PipelineChangeFunc, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, fn := range subscribers {
		fn(old.Pipeline, c.Pipeline)
	}
	return nil
}

// ApplyOverride merges a YAML (or JSON) document of pipeline settings, as
// stored under the coordination config key, over the active configuration.
// Fields absent from data keep their current values.
func (p *Provider) ApplyOverride(data []byte) error {
	cfg := p.Config()
	if err := yaml.Unmarshal(data, &cfg.Pipeline); err != nil {
		return fmt.Errorf("parse pipeline override: %w", err)
	}
	return p.Update(&cfg)
}

// ReloadCallback adapts the provider to Loader.RegisterCallback.
func (p *Provider) ReloadCallback() ConfigUpdateCallback {
	return func(_, newConfig *Config) error {
		return p.Update(newConfig)
	}
}
