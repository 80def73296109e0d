package state

import (
	"errors"
	"fmt"
)

type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusRunning   RequestStatus = "RUNNING"
	StatusSucceeded RequestStatus = "SUCCEEDED"
	StatusFailed    RequestStatus = "FAILED"
)

// PENDING may finish without RUNNING: idempotent short-circuits succeed
// directly and dispatch failures or abandoned rows fail directly.
var requestTransitions = map[RequestStatus][]RequestStatus{
	StatusPending:   {StatusRunning, StatusSucceeded, StatusFailed},
	StatusRunning:   {StatusSucceeded, StatusFailed},
	StatusSucceeded: {},
	StatusFailed:    {},
}

// Terminal reports whether no further transitions are allowed from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Active reports whether s holds its target's conflict slot.
func (s RequestStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// ParseStatus validates a status filter value.
func ParseStatus(value string) (RequestStatus, error) {
	s := RequestStatus(value)
	if !containsStatus(s) {
		return "", UnknownStateError{Entity: "provisioning request", State: value}
	}
	return s, nil
}

// TransitionError signals an illegal state transition detected in the persistence layer.
type TransitionError struct {
	ID   int64
	From RequestStatus
	To   RequestStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("provisioning request %d: invalid transition from %s to %s", e.ID, e.From, e.To)
}

// UnknownStateError signals a state value that is not part of the documented state machine.
type UnknownStateError struct {
	Entity string
	State  string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s: unknown state %q", e.Entity, e.State)
}

func validateTransition(id int64, from, to RequestStatus) error {
	allowed, ok := requestTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "provisioning request", State: string(from)}
	}
	if !containsStatus(to) {
		return UnknownStateError{Entity: "provisioning request", State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{ID: id, From: from, To: to}
}

func containsStatus(s RequestStatus) bool {
	_, ok := requestTransitions[s]
	return ok
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func IsUnknownStateError(err error) bool {
	var ue UnknownStateError
	return errors.As(err, &ue)
}
