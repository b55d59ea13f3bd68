package transport

import "github.com/cartpauj/pure-go-sftp/log"

// Options configures a Transport beyond the wire-level Config: logging and
// anything else that isn't part of the negotiated protocol state.
type Options struct {
	log.LoggerInjectable

	funcs []Option
}

// Option sets one field on Options.
type Option func(*Options)

// NewOptions builds an Options from the given functional options, mirroring
// the rest of this module's Options/Option pairs.
func NewOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		o.funcs = append(o.funcs, opt)
		opt(o)
	}
	return o
}

// WithLogger attaches a structured logger to the transport.
func WithLogger(l log.Logger) Option {
	return func(o *Options) { o.SetLogger(l) }
}
