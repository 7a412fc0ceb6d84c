package model

import "time"

// Status is the single user-facing status line of a session.
type Status struct {
	Message string
	IsError bool
	Kind    ErrorKind
	At      time.Time
}

// StatusFromError builds an error status for err.
func StatusFromError(prefix string, err error) Status {
	msg := err.Error()
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	return Status{
		Message: msg,
		IsError: true,
		Kind:    Classify(err),
		At:      time.Now().UTC(),
	}
}

// InfoStatus builds a non-error status.
func InfoStatus(msg string) Status {
	return Status{Message: msg, At: time.Now().UTC()}
}
