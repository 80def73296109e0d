package orchestrator

import (
	"context"

	"github.com/izavyalov-dev/kubeprov/state"
)

// LogArchiver copies a terminal request's logs to long-term storage and
// returns where they went.
type LogArchiver interface {
	Archive(ctx context.Context, req state.ProvisioningRequest) (string, error)
}

// NoopArchiver keeps logs in the ledger only.
type NoopArchiver struct{}

func (NoopArchiver) Archive(context.Context, state.ProvisioningRequest) (string, error) {
	return "", nil
}
