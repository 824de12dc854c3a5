// Package debugger defines the browser debugger capability the relay drives:
// attach to a tab, send CDP commands, detach, and receive events.
package debugger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors. Implementations wrap them so callers can use errors.Is.
var (
	ErrAlreadyAttached = errors.New("Another debugger is already attached to the tab")
	ErrNotAttached     = errors.New("Debugger is not attached to the tab")
	ErrTabNotFound     = errors.New("No tab with given id")
)

// Detach reasons passed to EventSink.OnDetach.
const (
	ReasonTargetClosed   = "target_closed"
	ReasonCanceledByUser = "canceled_by_user"
)

// Debugger attaches to tabs and runs CDP commands against them.
type Debugger interface {
	Attach(ctx context.Context, tabID int) error
	Detach(ctx context.Context, tabID int) error
	SendCommand(ctx context.Context, tabID int, method string, params json.RawMessage) (json.RawMessage, error)
}

// EventSink receives browser callbacks: CDP events, debugger detach, and
// tab removal.
type EventSink interface {
	OnEvent(tabID int, method string, params json.RawMessage)
	OnDetach(tabID int, reason string)
	OnTabRemoved(tabID int)
}

// Tab is a page target.
type Tab struct {
	ID       int    `json:"id"`
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// Evaluation is the result of evaluating an expression in a tab's default
// execution context.
type Evaluation struct {
	ContextID int64
	Value     json.RawMessage
}

// CommandError is a CDP error returned for a command.
type CommandError struct {
	Method  string `json:"-"`
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
}

// EmptyParams is sent when a command has no params.
var EmptyParams = json.RawMessage(`{}`)
