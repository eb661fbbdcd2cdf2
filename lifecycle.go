package urlcache

import (
	"context"
	"strings"

	"github.com/jmgilman/go/urlcache/internal/errs"
)

// TrimPolicy controls when trims run without an explicit Trim call.
type TrimPolicy int

const (
	// TrimOnActivityTransition trims whenever the hosting application
	// becomes active or resigns active.
	TrimOnActivityTransition TrimPolicy = iota

	// TrimManual trims only when Trim is called.
	TrimManual
)

func (p TrimPolicy) valid() bool {
	return p == TrimOnActivityTransition || p == TrimManual
}

// String returns the policy name.
func (p TrimPolicy) String() string {
	switch p {
	case TrimOnActivityTransition:
		return "activity"
	case TrimManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseTrimPolicy parses "activity" or "manual".
func ParseTrimPolicy(s string) (TrimPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "activity", "on_activity_transition", "":
		return TrimOnActivityTransition, nil
	case "manual":
		return TrimManual, nil
	default:
		return 0, errs.InvalidInput("unknown trim policy %q", s)
	}
}

// ActivityTransition is a foreground/background change of the hosting application.
type ActivityTransition int

const (
	// BecameActive signals the application moved to the foreground.
	BecameActive ActivityTransition = iota

	// ResignedActive signals the application moved to the background.
	ResignedActive
)

// String returns the transition name.
func (t ActivityTransition) String() string {
	if t == ResignedActive {
		return "inactive"
	}
	return "active"
}

// ParseActivityTransition parses "active" or "inactive".
func ParseActivityTransition(s string) (ActivityTransition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "foreground":
		return BecameActive, nil
	case "inactive", "background":
		return ResignedActive, nil
	default:
		return 0, errs.InvalidInput("unknown activity transition %q", s)
	}
}

// NotifyActivity reports an activity transition. Under
// TrimOnActivityTransition it trims to the current budget, unless nothing
// was added since the last trim and the budget was not lowered. Trim
// failures are logged since there is no caller to report them to. It
// reports whether a trim ran.
func (c *Cache) NotifyActivity(ctx context.Context, t ActivityTransition) bool {
	c.mu.RLock()
	policy, lowered, closed := c.policy, c.budgetLowered, c.closed
	c.mu.RUnlock()

	if closed || policy != TrimOnActivityTransition {
		return false
	}
	if !lowered && !c.store.Dirty() {
		c.logger.Debug(ctx, "skipping trim, nothing added since last trim", "transition", t.String())
		return false
	}

	if _, err := c.Trim(ctx); err != nil {
		c.logger.Warn(ctx, "automatic trim failed", "transition", t.String(), "error", err.Error())
	}
	return true
}
