// Package gateway provides the public API for embedding the provisioning
// gateway. This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/provisioning-gateway/internal/runtime"
)

// Gateway runs the gateway ports, listeners and admin API.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Resolved is a validated stage and cache table.
type Resolved = runtime.Resolved

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithHook("page-oncall", pageOncall),
//	)
var New = runtime.New

// Resolve validates the descriptors of a loaded configuration.
var Resolve = runtime.Resolve

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Journal and events
	WithJournal        = runtime.WithJournal
	WithEventPublisher = runtime.WithEventPublisher
	WithSubscriber     = runtime.WithSubscriber

	// Extension points
	WithHook         = runtime.WithHook
	WithChatSender   = runtime.WithChatSender
	WithSMSSender    = runtime.WithSMSSender
	WithGroupFactory = runtime.WithGroupFactory

	// Advanced options
	WithLogger          = runtime.WithLogger
	WithHTTPClient      = runtime.WithHTTPClient
	WithMetricsRegistry = runtime.WithMetricsRegistry
)
