// Package plugin defines the public contract between the QuantFlow host
// and its extension plugins.
//
// A plugin ships a Manifest describing its identity, version, dependencies
// and limits, and a Factory producing instances that implement Plugin.
// Optional behaviors (pausing, scheduled jobs, the trading capabilities)
// are separate interfaces the host discovers with plain type assertions;
// the kernel never reflects over plugin values and never interprets what
// a plugin does with the bars and orders it handles.
package plugin

import (
	"context"
	"time"
)

// Plugin is the interface every extension implements. The manager drives
// these hooks through its lifecycle state machine; each hook is invoked at
// most once per state transition and must be safe to call from any
// goroutine.
type Plugin interface {
	// Manifest returns the plugin's descriptor. Called once at
	// registration; must be cheap and side-effect free.
	Manifest() *Manifest

	// Init prepares the plugin with its validated configuration.
	// The Host provides access to host capabilities (events, calendar,
	// logging). Called on load, before any other hook.
	Init(ctx context.Context, host Host, cfg map[string]any) error

	// Start begins active work. A started plugin may consume data and
	// publish events until Stop or Pause.
	Start(ctx context.Context) error

	// Stop ends active work. The instance remains loaded and may not be
	// restarted without a reload.
	Stop(ctx context.Context) error

	// Shutdown releases all resources. Called on unload; the instance is
	// discarded afterwards.
	Shutdown(ctx context.Context) error
}

// Factory produces a fresh plugin instance. The manager stores factories
// at registration and instantiates only on load.
type Factory func() Plugin

// Pausable is implemented by plugins that can suspend work without losing
// state. For plugins that do not implement it, pause and resume are legal
// transitions with no hook invoked.
type Pausable interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// JobRunner is implemented by plugins that declare scheduled jobs in their
// manifest. The host's scheduler calls RunJob with the job's handler name
// each time its cron schedule fires.
type JobRunner interface {
	RunJob(ctx context.Context, handler string) error
}

// --- trading capabilities ---
//
// The kernel routes these values between plugins without inspecting them.

// Bar is one aggregated price interval for a symbol.
type Bar struct {
	Symbol string
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Order is a request to trade.
type Order struct {
	ID     string
	Symbol string
	Side   string // "buy" or "sell"
	Qty    float64
	Price  float64 // limit price; zero for market
	At     time.Time
}

// Fill is the (possibly partial) execution of an order.
type Fill struct {
	OrderID string
	Symbol  string
	Qty     float64
	Price   float64
	Fee     float64
	At      time.Time
}

// DataFeed supplies bars for a set of symbols.
type DataFeed interface {
	Subscribe(ctx context.Context, symbols []string) (<-chan Bar, error)
}

// MatchingEngine turns orders into fills.
type MatchingEngine interface {
	Match(ctx context.Context, order Order) (Fill, error)
}

// SlippageModel adjusts a fill's price for market impact.
type SlippageModel interface {
	Slip(order Order, fill Fill) Fill
}

// CommissionModel prices the fee for a fill.
type CommissionModel interface {
	Commission(fill Fill) float64
}

// StrategyAdapter receives bars and reacts to them.
type StrategyAdapter interface {
	OnBar(ctx context.Context, bar Bar) error
}
