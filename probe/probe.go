package probe

import (
	"context"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

// State is the observed presence of an action's resource on a target.
type State int

const (
	Unknown State = iota
	Present
	Absent
)

func (s State) String() string {
	switch s {
	case Present:
		return "present"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Prober runs a presence check on hosts. Present and Absent require every host
// to print that catalog marker and exit 0. Anything else is Unknown.
type Prober interface {
	Check(ctx context.Context, hosts []catalog.Host, command string) (State, error)
}

// Noop never knows the answer, so nothing short-circuits.
type Noop struct{}

func (Noop) Check(context.Context, []catalog.Host, string) (State, error) {
	return Unknown, nil
}

// Satisfied reports whether state already is the end state of an action with
// the given idempotency.
func Satisfied(state State, idempotency catalog.Idempotency) bool {
	switch idempotency {
	case catalog.IdempotencyInstall:
		return state == Present
	case catalog.IdempotencyUninstall:
		return state == Absent
	default:
		return false
	}
}
