package tchannel

import "time"

// defaultTombstoneTTL bounds how long a dropped id is remembered when the
// caller does not specify a ttl on SendRequest (spec.md §4.6 streaming
// layer: "adds the id to the tombstone set with that ttl").
const defaultTombstoneTTL = 30 * time.Second

// defaultHandshakeTimeout bounds InitiateHandshake/ExpectHandshake; the
// spec leaves this unspecified, so a conservative default matches the
// pack's convention of never blocking a setup path indefinitely.
const defaultHandshakeTimeout = 10 * time.Second

// Options configures a Connection. Construct with defaultOptions() and
// apply Option values, mirroring hayabusa-cloud-framer's options.go and
// smux's Config/DefaultConfig pair.
type Options struct {
	Logger            Logger
	EventSink         EventSink
	Registry          *Registry
	MaxFrameSize      int
	TombstoneTTL      time.Duration
	HandshakeTimeout  time.Duration
	Handler           Handler
}

func defaultOptions() Options {
	return Options{
		Logger:           defaultLogger,
		EventSink:        NopEventSink{},
		Registry:         DefaultRegistry,
		MaxFrameSize:     maxFrameSize,
		TombstoneTTL:     defaultTombstoneTTL,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
}

// Option mutates Options during NewConnection.
type Option func(*Options)

// WithLogger overrides the ambient Logger (log.go).
func WithLogger(l Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithEventSink registers the EventSink that receives
// after_send_error/after_receive_error/after_send_response.
func WithEventSink(s EventSink) Option {
	return func(o *Options) { o.EventSink = s }
}

// WithRegistry overrides the codec registry used to decode/encode
// messages (spec.md §6: "Codec registry: codec_for(type) -> {...}").
func WithRegistry(r *Registry) Option {
	return func(o *Options) { o.Registry = r }
}

// WithMaxFrameSize caps the frame size the Message Factory fragments to.
// Must be <= maxFrameSize (65535); values above that are clamped.
func WithMaxFrameSize(n int) Option {
	return func(o *Options) {
		if n > maxFrameSize {
			n = maxFrameSize
		}
		o.MaxFrameSize = n
	}
}

// WithTombstoneTTL sets the default ttl used to tombstone an id when
// SendRequest's caller did not specify one.
func WithTombstoneTTL(d time.Duration) Option {
	return func(o *Options) { o.TombstoneTTL = d }
}

// WithHandshakeTimeout bounds InitiateHandshake/ExpectHandshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = d }
}

// WithHandler registers the request-handler callback invoked for each
// reassembled inbound CALL_REQ (spec.md §6: "a callback of shape
// (incoming_call_message, connection) -> void").
func WithHandler(h Handler) Option {
	return func(o *Options) { o.Handler = h }
}
