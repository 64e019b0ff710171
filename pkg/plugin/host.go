package plugin

import (
	"log/slog"

	"github.com/rickar/cal/v2"
)

// Host capability names a manifest's requires list is checked against.
const (
	CapEventBus       = "event.bus"
	CapMarketCalendar = "market.calendar"
	CapMetrics        = "metrics"
)

// Host is the set of services the kernel offers a plugin at Init time.
// Implementations advertise which capabilities they actually provide;
// loading a plugin whose manifest requires an unadvertised capability
// fails before the plugin is instantiated.
type Host interface {
	// Publish sends an event onto the host's event channel.
	Publish(Event) error

	// Calendar returns the host's trading calendar, or nil when the
	// market.calendar capability is not provided.
	Calendar() *cal.BusinessCalendar

	// Logger returns a logger namespaced to the given plugin.
	Logger(plugin string) *slog.Logger

	// Capabilities lists the capability names this host provides.
	Capabilities() []string
}
