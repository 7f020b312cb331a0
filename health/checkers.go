package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/linkmux/internal/amqp10"
)

// ConnectionSource is the view of a client the connection checks need.
// *linkmux.Client implements it.
type ConnectionSource interface {
	IsConnected() bool
	IsClosed() bool
	RecoveryState() amqp10.RecoveryState
	RecoveryAttempt() int
	RecoveryErr() error
}

// ConnectionChecker reports whether the client's connection is usable
type ConnectionChecker struct {
	source ConnectionSource
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(source ConnectionSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	connected := c.source.IsConnected()
	state := c.source.RecoveryState()
	result.Details["connected"] = connected
	result.Details["recovery_state"] = state.String()

	switch {
	case c.source.IsClosed():
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	case state == amqp10.RecoveryFailedPermanently:
		result.Status = StatusUnhealthy
		result.Message = "Connection could not be recovered"
		if err := c.source.RecoveryErr(); err != nil {
			result.Error = err.Error()
		}
	case connected && state == amqp10.RecoveryStable:
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	default:
		result.Status = StatusDegraded
		result.Message = "Connection is recovering"
	}

	result.Duration = time.Since(start)
	return result
}

// RecoveryChecker reports the recovery coordinator's progress
type RecoveryChecker struct {
	source ConnectionSource
	// attemptWarning is the reconnect attempt from which a recovery in
	// progress is reported unhealthy rather than degraded.
	attemptWarning int
}

// NewRecoveryChecker creates a recovery checker. A recovery that has made
// attemptWarning or more attempts is reported unhealthy; zero disables
// that escalation.
func NewRecoveryChecker(source ConnectionSource, attemptWarning int) *RecoveryChecker {
	return &RecoveryChecker{source: source, attemptWarning: attemptWarning}
}

func (c *RecoveryChecker) Name() string {
	return "recovery"
}

func (c *RecoveryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.RecoveryState()
	attempt := c.source.RecoveryAttempt()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state":   state.String(),
			"attempt": attempt,
		},
	}

	switch state {
	case amqp10.RecoveryStable:
		result.Status = StatusHealthy
		result.Message = "No recovery in progress"
	case amqp10.RecoveryFailedPermanently:
		result.Status = StatusUnhealthy
		result.Message = "Recovery failed permanently"
		if err := c.source.RecoveryErr(); err != nil {
			result.Error = err.Error()
		}
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Recovery %s (attempt %d)", state, attempt)
		if c.attemptWarning > 0 && attempt >= c.attemptWarning {
			result.Status = StatusUnhealthy
		}
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker watches the goroutine count. Every session and link
// bridged onto an engine costs goroutines, so a runaway count points at
// leaked links.
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a goroutine checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
