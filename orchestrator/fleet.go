package orchestrator

import (
	"errors"
	"fmt"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

// ErrUnknownTarget is matched by UnknownTargetError via errors.Is.
var ErrUnknownTarget = errors.New("unknown target")

type UnknownTargetError struct {
	ID string
}

func (e UnknownTargetError) Error() string {
	if e.ID == "" {
		return "no target given and no default target configured"
	}
	return fmt.Sprintf("unknown target %q", e.ID)
}

func (e UnknownTargetError) Is(target error) bool {
	return target == ErrUnknownTarget
}

// Fleet is the set of node-groups actions may run against.
type Fleet struct {
	Targets []catalog.Target
	// Default is used when an invocation names no target.
	Default string
}

// Resolve returns the target with id, or the default target when id is empty.
func (f Fleet) Resolve(id string) (catalog.Target, error) {
	if id == "" {
		id = f.Default
	}
	if id == "" {
		return catalog.Target{}, UnknownTargetError{}
	}
	for _, t := range f.Targets {
		if t.ID == id {
			return t, nil
		}
	}
	return catalog.Target{}, UnknownTargetError{ID: id}
}
