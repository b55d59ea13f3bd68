package sftpclient

import "github.com/cartpauj/pure-go-sftp/log"

// Options configures a Client beyond Config: logging and anything else
// that isn't part of the negotiated wire protocol state, mirroring every
// other Options/Option pair in this module.
type Options struct {
	log.LoggerInjectable

	funcs []Option
}

// Option sets one field on Options.
type Option func(*Options)

// NewOptions builds an Options from the given functional options.
func NewOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		o.funcs = append(o.funcs, opt)
		opt(o)
	}
	return o
}

// WithLogger attaches a structured logger propagated to the transport,
// auth, channel and SFTP layers beneath Client.
func WithLogger(l log.Logger) Option {
	return func(o *Options) { o.SetLogger(l) }
}
