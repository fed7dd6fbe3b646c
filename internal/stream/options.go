package stream

import (
	"time"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// PermissionTimeout is how long a permission request stays answerable.
const PermissionTimeout = 5 * time.Minute

// Options holds the turn supervision timings.
type Options struct {
	// IdleTimeout aborts a turn that produced no event for this long. Zero disables the watchdog.
	IdleTimeout time.Duration
	// WatchdogInterval is how often the idle watchdog checks.
	WatchdogInterval time.Duration
	// ToolTimeout is the elapsed time at which a single tool counts as stalled. Zero disables it.
	ToolTimeout time.Duration
	// RetryDelay is the pause before the automatic retry after a tool stall.
	RetryDelay time.Duration
	// GracePeriod is how long a finished session's snapshot is retained.
	GracePeriod time.Duration
	// PermissionSettle is how long a permission decision stays visible.
	PermissionSettle time.Duration
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:      330 * time.Second,
		WatchdogInterval: 10 * time.Second,
		ToolTimeout:      60 * time.Second,
		RetryDelay:       500 * time.Millisecond,
		GracePeriod:      5 * time.Minute,
		PermissionSettle: time.Second,
	}
}

// OptionsFromConfig overlays the configured timings on the defaults.
func OptionsFromConfig(cfg types.StreamConfig) Options {
	opts := DefaultOptions()
	if d := cfg.IdleTimeout.Std(); d > 0 {
		opts.IdleTimeout = d
	}
	if d := cfg.WatchdogInterval.Std(); d > 0 {
		opts.WatchdogInterval = d
	}
	if d := cfg.ToolTimeout.Std(); d > 0 {
		opts.ToolTimeout = d
	}
	if d := cfg.RetryDelay.Std(); d > 0 {
		opts.RetryDelay = d
	}
	if d := cfg.GracePeriod.Std(); d > 0 {
		opts.GracePeriod = d
	}
	if d := cfg.PermissionSettle.Std(); d > 0 {
		opts.PermissionSettle = d
	}
	return opts
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = def.WatchdogInterval
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = def.GracePeriod
	}
	if o.PermissionSettle <= 0 {
		o.PermissionSettle = def.PermissionSettle
	}
	return o
}
