package rir

import (
	"github.com/charmbracelet/log"
)

const (
	defaultChunkSize  = 32 << 10
	defaultBuffer     = 256
	defaultYieldEvery = 100
)

// Option configures a Parser, Stream or Normalize call.
type Option func(*options)

type options struct {
	codec      Codec
	logger     *log.Logger
	chunkSize  int
	buffer     int
	yieldEvery int
}

func newOptions(opts []Option) options {
	o := options{
		codec:      DefaultCodec,
		logger:     log.Default(),
		chunkSize:  defaultChunkSize,
		buffer:     defaultBuffer,
		yieldEvery: defaultYieldEvery,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithCodec replaces the IPv4 text codec.
func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger sets the logger used for debug statistics.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithChunkSize sets the read size used by Stream.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithBuffer sets how many records Stream holds before the producer blocks.
// Zero makes delivery fully synchronous.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.buffer = n
		}
	}
}

// WithYieldEvery sets how many merged intervals are decomposed between
// scheduler yields. Zero disables yielding.
func WithYieldEvery(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.yieldEvery = n
		}
	}
}
