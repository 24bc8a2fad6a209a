package core

// error_messages.go maps errors to stable codes printed with the fatal log
// line, so an operator can tell at a glance which step failed.
//
// # Configuration Errors (CFG001-CFG099)
//
//	CFG001 - Invalid configuration: flags or environment are incomplete or conflicting
//	         Action: Fix the listed options and run again
//	         Source: config.ConfigError
//
// # State Errors (STATE001-STATE099)
//
//	STATE001 - Generation missing: the generation to switch to no longer exists
//	           Action: Upload a new generation before switching
//
//	STATE002 - Bad state: the generation to switch to has no max span
//	           Action: Upload the generation again
//
//	STATE003 - Generation exists: a new generation id is already taken
//	           Action: Wait a second and run the upload again
//
// # I/O Errors (IO001-IO099)
//
//	IO001 - Store unreachable: connection refused
//	IO002 - Store timeout: request timed out
//	IO003 - Store request failed: any other failing store call
//	IO004 - Input unreadable: the input stream failed or has no valid header
//	IO005 - Interrupted: the run was cancelled
//	IO006 - Input missing: the --input file does not exist
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: An unexpected error occurred
//
// Typed errors are matched first. Untyped errors are matched case-insensitively
// against patterns; the first matching pattern wins.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// CodedError is implemented by errors that know their own message.
type CodedError interface {
	error
	UserMessage() UserMessage
}

// StateError is a lifecycle safety violation. It aborts the command; state
// committed by earlier steps is kept.
type StateError struct {
	Op         string
	Generation string
	Reason     string
	Code       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Generation, e.Reason)
}

var stateMessages = map[string]UserMessage{
	"STATE001": {
		Message: "The generation to switch to no longer exists",
		Action:  "Upload a new generation before switching",
		Code:    "STATE001",
	},
	"STATE002": {
		Message: "Bad state: the generation to switch to has no max span",
		Action:  "Upload the generation again",
		Code:    "STATE002",
	},
	"STATE003": {
		Message: "A generation with the new id already exists",
		Action:  "Wait a second and run the upload again",
		Code:    "STATE003",
	},
}

func (e *StateError) UserMessage() UserMessage {
	if msg, ok := stateMessages[e.Code]; ok {
		return msg
	}
	return defaultMessage
}

// IOError is a failing store or input call outside the bulk retry loop.
type IOError struct {
	Op   string
	Name string
	Err  error
}

func (e *IOError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to the store",
			Action:  "Check --host and --port and that the store is running",
			Code:    "IO001",
		},
	},
	{
		pattern: "no such host",
		msg: UserMessage{
			Message: "Unable to connect to the store",
			Action:  "Check --host and --port and that the store is running",
			Code:    "IO001",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Store request timed out",
			Action:  "Raise --timeout or try again later",
			Code:    "IO002",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Store request timed out",
			Action:  "Raise --timeout or try again later",
			Code:    "IO002",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "The run was interrupted",
			Action:  "Run upload again to resume the paused generation",
			Code:    "IO005",
		},
	},
	{
		pattern: "no such file or directory",
		msg: UserMessage{
			Message: "The input file does not exist",
			Action:  "Check the --input path",
			Code:    "IO006",
		},
	},
	{
		pattern: "invalid csv",
		msg: UserMessage{
			Message: "The input is not a valid CSV file",
			Action:  "Ensure the input is comma-separated and starts with a header row",
			Code:    "IO004",
		},
	},
}

var storeFailedMessage = UserMessage{
	Message: "A store request failed",
	Action:  "Check the log line above for the failing request",
	Code:    "IO003",
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the log for the original error",
	Code:    "ERR000",
}

// MapError converts an error to a user-facing message with a code.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var coded CodedError
	if errors.As(err, &coded) {
		return coded.UserMessage()
	}

	if msg, ok := matchPattern(err); ok {
		return msg
	}

	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return storeFailedMessage
	}
	return defaultMessage
}

func matchPattern(err error) (UserMessage, bool) {
	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg, true
		}
	}
	return UserMessage{}, false
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
