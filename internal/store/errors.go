package store

import "errors"

var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrPositionNotFound   = errors.New("position not found")
	ErrOperatorNotFound   = errors.New("operator not found")
	ErrServiceLogNotFound = errors.New("service log not found")
	ErrLockTimeout        = errors.New("queue lock timeout")
	ErrOperatorServing    = errors.New("operator has a service in progress")
)
