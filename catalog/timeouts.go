package catalog

import "time"

const (
	DefaultInstallTimeout   = 60 * time.Minute
	DefaultUninstallTimeout = 30 * time.Minute
)

// TimeoutPolicy bounds how long one action may run.
type TimeoutPolicy struct {
	Install   time.Duration
	Uninstall time.Duration
	PerAction map[Action]time.Duration
}

// DefaultTimeouts returns the policy used when nothing is configured.
func DefaultTimeouts() TimeoutPolicy {
	return TimeoutPolicy{
		Install:   DefaultInstallTimeout,
		Uninstall: DefaultUninstallTimeout,
	}
}

// For returns the maximum duration for spec: a per-action override first,
// then the install/uninstall class default.
func (p TimeoutPolicy) For(spec ActionSpec) time.Duration {
	if d, ok := p.PerAction[spec.Action]; ok && d > 0 {
		return d
	}
	if spec.Idempotency == IdempotencyUninstall {
		if p.Uninstall > 0 {
			return p.Uninstall
		}
		return DefaultUninstallTimeout
	}
	if p.Install > 0 {
		return p.Install
	}
	return DefaultInstallTimeout
}
