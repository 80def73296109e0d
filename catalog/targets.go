package catalog

import (
	"fmt"
	"slices"
)

// TargetKind distinguishes backend and frontend node-groups.
type TargetKind string

const (
	TargetKindBackend  TargetKind = "backend"
	TargetKindFrontend TargetKind = "frontend"
)

// ParseTargetKind validates a configured or requested kind.
func ParseTargetKind(value string) (TargetKind, error) {
	switch TargetKind(value) {
	case TargetKindBackend, TargetKindFrontend:
		return TargetKind(value), nil
	default:
		return "", fmt.Errorf("unknown target kind %q", value)
	}
}

// Host is one machine of a node-group.
type Host struct {
	Name    string
	Address string
	Roles   []string
}

// HasRole reports whether the host carries the inventory role.
func (h Host) HasRole(role string) bool {
	return slices.Contains(h.Roles, role)
}

// Target is a node-group actions are run against.
type Target struct {
	ID    string
	Kind  TargetKind
	Hosts []Host
}

// HostSelector picks the subset of a target's hosts an action applies to.
// The zero value selects every host.
type HostSelector struct {
	Role      string
	FirstOnly bool
}

// Limit renders the selector as an ansible --limit pattern; empty means no limit.
func (s HostSelector) Limit() string {
	if s.Role == "" {
		return ""
	}
	if s.FirstOnly {
		return s.Role + "[0]"
	}
	return s.Role
}

// Select returns the hosts of t matched by sel, in configuration order.
func (t Target) Select(sel HostSelector) []Host {
	var hosts []Host
	for _, h := range t.Hosts {
		if sel.Role != "" && !h.HasRole(sel.Role) {
			continue
		}
		hosts = append(hosts, h)
		if sel.FirstOnly {
			break
		}
	}
	return hosts
}
