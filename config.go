package mtproto

import "time"

// InfiniteRetries is the sentinel Retries value meaning "never give up".
const InfiniteRetries = -1

// Options configures a Sender. The zero value is not directly usable;
// construct with NewOptions, which fills in the documented defaults.
type Options struct {
	// Retries is how many times connect() retries a failed transport open
	// before giving up. InfiniteRetries (-1) retries forever.
	Retries int
	// Delay is the pause between connect retries.
	Delay time.Duration
	// AutoReconnect enables the reconnect() path on transport/protocol
	// failures. When false, the recv loop exits on such a failure without
	// reconnecting and without emitting an UpdateConnectionState.
	AutoReconnect bool
	// ConnectTimeout bounds a single connect attempt; zero means no
	// timeout.
	ConnectTimeout time.Duration
	// IsMainSender marks this Sender as the client's primary connection,
	// changing how an auth-key-404 is reported (UpdateConnectionState vs
	// OnConnectionBreak).
	IsMainSender bool
	// DcID identifies the data center this sender talks to; passed to the
	// OnConnectionBreak and AuthKeyCallback callbacks and stored in the
	// saved SessionInfo.
	DcID int32
	// SecurityChecks toggles the auth-key-id, msg-key and session-id
	// validation that DecryptMessageData performs; disabling it is only ever appropriate
	// in tests against a synthetic server.
	SecurityChecks bool
	// PingInterval, when nonzero, starts a background keepalive loop that
	// submits a ping request through the normal send path on every tick.
	// Zero (the default) disables it; callers talking to a server that
	// already pings them (or that don't need the connection kept warm)
	// can leave it off.
	PingInterval time.Duration
}

// Option mutates an Options during construction.
type Option func(*Options)

func WithRetries(n int) Option              { return func(o *Options) { o.Retries = n } }
func WithDelay(d time.Duration) Option      { return func(o *Options) { o.Delay = d } }
func WithAutoReconnect(b bool) Option       { return func(o *Options) { o.AutoReconnect = b } }
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}
func WithMainSender(b bool) Option        { return func(o *Options) { o.IsMainSender = b } }
func WithDcID(id int32) Option            { return func(o *Options) { o.DcID = id } }
func WithSecurityChecks(b bool) Option    { return func(o *Options) { o.SecurityChecks = b } }
func WithPingInterval(d time.Duration) Option {
	return func(o *Options) { o.PingInterval = d }
}

// NewOptions returns the documented defaults (§6), then applies opts.
func NewOptions(opts ...Option) *Options {
	o := &Options{
		Retries:        InfiniteRetries,
		Delay:          2 * time.Second,
		AutoReconnect:  true,
		ConnectTimeout: 0,
		IsMainSender:   false,
		DcID:           0,
		SecurityChecks: true,
		PingInterval:   0,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
