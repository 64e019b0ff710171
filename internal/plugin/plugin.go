// Package plugin is the QuantFlow plugin kernel: manifest registry,
// dependency resolution, configuration binding, lifecycle management and
// the trust boundary around running plugin code.
//
// The canonical contract types live in the public pkg/plugin package,
// accessible to external plugin authors. The aliases below let kernel
// code use them unqualified.
package plugin

import (
	pkgplugin "github.com/quantkit/quantflow/pkg/plugin"
)

// Type aliases, identical to the pkg/plugin types.

type Plugin = pkgplugin.Plugin
type Factory = pkgplugin.Factory
type Manifest = pkgplugin.Manifest
type Category = pkgplugin.Category
type JobSpec = pkgplugin.JobSpec
type ResourceRequest = pkgplugin.ResourceRequest
type Version = pkgplugin.Version
type Constraint = pkgplugin.Constraint
type Event = pkgplugin.Event
type Publisher = pkgplugin.Publisher
type PublisherFunc = pkgplugin.PublisherFunc
type Host = pkgplugin.Host
type Pausable = pkgplugin.Pausable
type JobRunner = pkgplugin.JobRunner

// Trading capability types routed between plugins.

type Bar = pkgplugin.Bar
type Order = pkgplugin.Order
type Fill = pkgplugin.Fill
type DataFeed = pkgplugin.DataFeed
type MatchingEngine = pkgplugin.MatchingEngine
type SlippageModel = pkgplugin.SlippageModel
type CommissionModel = pkgplugin.CommissionModel
type StrategyAdapter = pkgplugin.StrategyAdapter

// Manifest categories, re-exported for kernel callers.
const (
	CategoryDataSource = pkgplugin.CategoryDataSource
	CategoryStrategy   = pkgplugin.CategoryStrategy
	CategoryMatching   = pkgplugin.CategoryMatching
	CategorySlippage   = pkgplugin.CategorySlippage
	CategoryCommission = pkgplugin.CategoryCommission
	CategoryRisk       = pkgplugin.CategoryRisk
	CategoryAnalytics  = pkgplugin.CategoryAnalytics
	CategoryUtility    = pkgplugin.CategoryUtility
)

// Host capability names, re-exported for kernel callers.
const (
	CapEventBus       = pkgplugin.CapEventBus
	CapMarketCalendar = pkgplugin.CapMarketCalendar
	CapMetrics        = pkgplugin.CapMetrics
)

// Lifecycle event kinds, re-exported for kernel callers.
const (
	EventLoaded   = pkgplugin.EventLoaded
	EventStarted  = pkgplugin.EventStarted
	EventStopped  = pkgplugin.EventStopped
	EventPaused   = pkgplugin.EventPaused
	EventResumed  = pkgplugin.EventResumed
	EventUnloaded = pkgplugin.EventUnloaded
	EventFailed   = pkgplugin.EventFailed
)

// NewEvent re-exports the envelope constructor.
var NewEvent = pkgplugin.NewEvent

// LoadManifest re-exports the manifest reader for kernel callers.
var LoadManifest = pkgplugin.LoadManifest

// FindManifest re-exports the directory-convention lookup.
var FindManifest = pkgplugin.FindManifest

// ManifestFileNames re-exports the conventional manifest filenames.
var ManifestFileNames = pkgplugin.ManifestFileNames
