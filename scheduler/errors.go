package scheduler

import "errors"

// ErrTaskNotFound is returned by Cancel for an id that is neither queued
// nor running.
var ErrTaskNotFound = errors.New("scheduler: task not found")
