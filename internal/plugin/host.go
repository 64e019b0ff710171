package plugin

import (
	"log/slog"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/aa"
	"github.com/rickar/cal/v2/us"
)

// ProdHost is the production Host implementation. It wires plugins to
// the kernel's event channel, the trading calendar and namespaced
// loggers. Capabilities are advertised only for services actually
// configured, so manifest requires checks stay honest.
type ProdHost struct {
	pub      Publisher
	calendar *cal.BusinessCalendar
	logger   *slog.Logger
	logBuf   *LogBuffer
	metrics  *Metrics
}

// ProdHostOption is a functional option for ProdHost.
type ProdHostOption func(*ProdHost)

// WithHostPublisher wires the event channel. Advertises event.bus.
func WithHostPublisher(p Publisher) ProdHostOption {
	return func(h *ProdHost) {
		h.pub = p
	}
}

// WithHostCalendar sets the trading calendar. Advertises
// market.calendar.
func WithHostCalendar(c *cal.BusinessCalendar) ProdHostOption {
	return func(h *ProdHost) {
		h.calendar = c
	}
}

// WithHostLogger sets the base logger plugin loggers derive from.
func WithHostLogger(l *slog.Logger) ProdHostOption {
	return func(h *ProdHost) {
		h.logger = l
	}
}

// WithHostLogBuffer tees every plugin logger into a shared ring buffer
// so recent plugin output stays inspectable over the API.
func WithHostLogBuffer(buf *LogBuffer) ProdHostOption {
	return func(h *ProdHost) {
		h.logBuf = buf
	}
}

// WithHostMetrics attaches the kernel metrics handle. Advertises
// metrics; in-process plugins may type-assert to *ProdHost and call
// Metrics for richer access.
func WithHostMetrics(m *Metrics) ProdHostOption {
	return func(h *ProdHost) {
		h.metrics = m
	}
}

// NewProdHost creates a production host with the given options.
func NewProdHost(opts ...ProdHostOption) *ProdHost {
	h := &ProdHost{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DefaultTradingCalendar returns a US equity session calendar: weekday
// sessions 09:30-16:00 with the NYSE full-day closures.
func DefaultTradingCalendar() *cal.BusinessCalendar {
	c := cal.NewBusinessCalendar()
	c.Name = "us.equities"
	c.SetWorkHours(9*time.Hour+30*time.Minute, 16*time.Hour)
	c.AddHoliday(
		us.NewYear,
		us.MlkDay,
		us.PresidentsDay,
		aa.GoodFriday,
		us.MemorialDay,
		us.Juneteenth,
		us.IndependenceDay,
		us.LaborDay,
		us.ThanksgivingDay,
		us.ChristmasDay,
	)
	return c
}

// Publish sends an event onto the host's channel. A host without a
// publisher drops events; emission is never a plugin-visible failure.
func (h *ProdHost) Publish(e Event) error {
	if h.pub == nil {
		return nil
	}
	return h.pub.Publish(e)
}

// Calendar returns the trading calendar, or nil when market.calendar is
// not provided.
func (h *ProdHost) Calendar() *cal.BusinessCalendar {
	return h.calendar
}

// Logger returns a logger namespaced to the plugin. With a log buffer
// attached, records are also captured in the ring.
func (h *ProdHost) Logger(plugin string) *slog.Logger {
	if h.logBuf != nil {
		handler := NewBufferHandler(h.logBuf, plugin, h.logger.Handler())
		return slog.New(handler).With("plugin", plugin)
	}
	return h.logger.With("plugin", plugin)
}

// Metrics returns the kernel metrics handle, or nil.
func (h *ProdHost) Metrics() *Metrics {
	return h.metrics
}

// Capabilities lists the capability names this host provides.
func (h *ProdHost) Capabilities() []string {
	caps := make([]string, 0, 3)
	if h.pub != nil {
		caps = append(caps, CapEventBus)
	}
	if h.calendar != nil {
		caps = append(caps, CapMarketCalendar)
	}
	if h.metrics != nil {
		caps = append(caps, CapMetrics)
	}
	return caps
}
