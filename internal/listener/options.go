package listener

import (
	"github.com/tjfontaine/provisioning-gateway/internal/fetch"
)

type options struct {
	fetch        *fetch.Client
	callback     func(port string) string
	groupFactory GroupFactory
}

// Option configures Build.
type Option func(*options)

// WithFetchClient sets the client api-listeners poll with.
func WithFetchClient(c *fetch.Client, callbackBaseURL func(port string) string) Option {
	return func(o *options) {
		o.fetch = c
		o.callback = callbackBaseURL
	}
}

// WithGroupFactory replaces the Kafka consumer group constructor.
func WithGroupFactory(f GroupFactory) Option {
	return func(o *options) { o.groupFactory = f }
}
