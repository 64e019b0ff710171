// Package example contains reference plugin implementations. FixedSlippage
// is the canonical native Go plugin: manifest, configuration, lifecycle
// hooks, a scheduled job and one trading capability in the smallest shape
// that still shows all the seams.
package example

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quantkit/quantflow/pkg/plugin"
)

// DefaultBps is the slippage applied when the configuration does not set
// one. Five basis points is a conservative figure for liquid US equities.
const DefaultBps = 5.0

// FixedSlippage worsens every fill price by a fixed number of basis
// points: buys fill higher, sells fill lower. While paused it passes
// fills through untouched.
type FixedSlippage struct {
	mu     sync.Mutex
	host   plugin.Host
	logger *slog.Logger
	bps    float64
	slips  int
	paused bool
}

// New creates an unconfigured instance with the default slippage.
func New() *FixedSlippage {
	return &FixedSlippage{bps: DefaultBps, logger: slog.Default()}
}

// Factory adapts New for manager registration.
func Factory() plugin.Factory {
	return func() plugin.Plugin { return New() }
}

// Manifest implements plugin.Plugin.
func (p *FixedSlippage) Manifest() *plugin.Manifest {
	return &plugin.Manifest{
		Name:        "fixed-slippage",
		Version:     "1.0.0",
		Description: "Applies a fixed basis-point penalty to every fill.",
		Author:      "QuantFlow Team",
		Category:    plugin.CategorySlippage,
		EntryPoint:  "fixed-slippage",
		Provides:    []string{"slippage.fixed"},
		Jobs: []plugin.JobSpec{{
			ID:       "report",
			Schedule: "0 * * * *",
			Handler:  "report_slippage",
			Enabled:  true,
		}},
	}
}

// Init implements plugin.Plugin. The configuration key "bps" overrides the
// default; it must not be negative.
func (p *FixedSlippage) Init(ctx context.Context, host plugin.Host, cfg map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.host = host
	if host != nil {
		p.logger = host.Logger("fixed-slippage")
	}
	if raw, ok := cfg["bps"]; ok {
		bps, err := toFloat(raw)
		if err != nil {
			return fmt.Errorf("bps: %w", err)
		}
		if bps < 0 {
			return fmt.Errorf("bps must not be negative, got %g", bps)
		}
		p.bps = bps
	}
	p.logger.Info("slippage model ready", "bps", p.bps)
	return nil
}

// Start implements plugin.Plugin.
func (p *FixedSlippage) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slips = 0
	return nil
}

// Stop implements plugin.Plugin.
func (p *FixedSlippage) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Info("slippage model stopped", "fills_adjusted", p.slips)
	return nil
}

// Shutdown implements plugin.Plugin.
func (p *FixedSlippage) Shutdown(ctx context.Context) error { return nil }

// Pause implements plugin.Pausable. A paused model returns fills
// unchanged.
func (p *FixedSlippage) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

// Resume implements plugin.Pausable.
func (p *FixedSlippage) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

// Slip implements plugin.SlippageModel.
func (p *FixedSlippage) Slip(order plugin.Order, fill plugin.Fill) plugin.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.bps == 0 {
		return fill
	}
	adj := fill.Price * p.bps / 10_000
	if order.Side == "sell" {
		adj = -adj
	}
	fill.Price += adj
	p.slips++
	return fill
}

// RunJob implements plugin.JobRunner for the manifest's report job.
func (p *FixedSlippage) RunJob(ctx context.Context, handler string) error {
	if handler != "report_slippage" {
		return fmt.Errorf("unknown job handler %q", handler)
	}
	p.mu.Lock()
	slips, host := p.slips, p.host
	p.mu.Unlock()

	p.logger.Info("slippage report", "fills_adjusted", slips)
	if host != nil {
		return host.Publish(plugin.NewEvent("slippage.report", "fixed-slippage", map[string]any{
			"fills_adjusted": slips,
		}))
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("want a number, got %T", v)
	}
}
