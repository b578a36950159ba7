package core

import "errors"

var (
	// ErrInvalidTransition is returned when a state machine transition is not a legal edge
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlertTerminal is returned when mutating an alert that reached a terminal status
	ErrAlertTerminal = errors.New("alert is in a terminal status")
	// ErrUnknownActionType is returned when a playbook references an unregistered action type
	ErrUnknownActionType = errors.New("unknown action type")
)
