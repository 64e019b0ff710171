package example

import (
	"context"
	"log/slog"
	"math"
	"testing"

	"github.com/rickar/cal/v2"

	"github.com/quantkit/quantflow/pkg/plugin"
)

var (
	_ plugin.Plugin        = (*FixedSlippage)(nil)
	_ plugin.Pausable      = (*FixedSlippage)(nil)
	_ plugin.JobRunner     = (*FixedSlippage)(nil)
	_ plugin.SlippageModel = (*FixedSlippage)(nil)
)

// fakeHost captures published events; plugins stay testable without a
// kernel.
type fakeHost struct {
	events []plugin.Event
}

func (h *fakeHost) Publish(e plugin.Event) error    { h.events = append(h.events, e); return nil }
func (h *fakeHost) Calendar() *cal.BusinessCalendar { return nil }
func (h *fakeHost) Logger(string) *slog.Logger      { return slog.New(slog.DiscardHandler) }
func (h *fakeHost) Capabilities() []string          { return []string{plugin.CapEventBus} }

func closeTo(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestManifest(t *testing.T) {
	mf := New().Manifest()
	if err := mf.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if problems := mf.Validate(); len(problems) != 0 {
		t.Fatalf("Validate problems: %v", problems)
	}
	if mf.Category != plugin.CategorySlippage {
		t.Errorf("category = %s", mf.Category)
	}
	if len(mf.Jobs) != 1 || mf.Jobs[0].Handler != "report_slippage" {
		t.Errorf("jobs = %+v", mf.Jobs)
	}
}

func TestInitConfig(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		cfg     map[string]any
		wantBps float64
		wantErr bool
	}{
		{"default", nil, DefaultBps, false},
		{"float override", map[string]any{"bps": 12.5}, 12.5, false},
		{"int override", map[string]any{"bps": 3}, 3, false},
		{"negative", map[string]any{"bps": -1.0}, 0, true},
		{"not a number", map[string]any{"bps": "ten"}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New()
			err := p.Init(ctx, &fakeHost{}, tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if p.bps != tc.wantBps {
				t.Errorf("bps = %g, want %g", p.bps, tc.wantBps)
			}
		})
	}
}

func TestSlip(t *testing.T) {
	ctx := context.Background()
	p := New()
	if err := p.Init(ctx, &fakeHost{}, map[string]any{"bps": 10.0}); err != nil {
		t.Fatal(err)
	}

	buy := plugin.Order{ID: "o1", Symbol: "SPY", Side: "buy", Qty: 100}
	sell := plugin.Order{ID: "o2", Symbol: "SPY", Side: "sell", Qty: 100}
	fill := plugin.Fill{OrderID: "o1", Symbol: "SPY", Qty: 100, Price: 100}

	if got := p.Slip(buy, fill); !closeTo(got.Price, 100.1) {
		t.Errorf("buy price = %v, want 100.1", got.Price)
	}
	if got := p.Slip(sell, fill); !closeTo(got.Price, 99.9) {
		t.Errorf("sell price = %v, want 99.9", got.Price)
	}

	if err := p.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if got := p.Slip(buy, fill); got.Price != fill.Price {
		t.Errorf("paused model adjusted price to %v", got.Price)
	}
	if err := p.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if got := p.Slip(buy, fill); !closeTo(got.Price, 100.1) {
		t.Errorf("resumed price = %v, want 100.1", got.Price)
	}
}

func TestRunJob(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{}
	p := New()
	if err := p.Init(ctx, host, nil); err != nil {
		t.Fatal(err)
	}

	if err := p.RunJob(ctx, "mystery"); err == nil {
		t.Error("unknown handler accepted")
	}

	order := plugin.Order{Side: "buy"}
	fill := plugin.Fill{Price: 50}
	p.Slip(order, fill)
	p.Slip(order, fill)

	if err := p.RunJob(ctx, "report_slippage"); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if len(host.events) != 1 {
		t.Fatalf("events = %d, want 1", len(host.events))
	}
	ev := host.events[0]
	if ev.Kind != "slippage.report" || ev.Source != "fixed-slippage" {
		t.Errorf("event = %s from %s", ev.Kind, ev.Source)
	}
	if got := ev.Payload["fills_adjusted"]; got != 2 {
		t.Errorf("fills_adjusted = %v, want 2", got)
	}
}
