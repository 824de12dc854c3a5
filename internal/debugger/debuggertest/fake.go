// Package debuggertest provides an in-memory Debugger for tests.
package debuggertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/debugrelay/host/internal/debugger"
)

// Command is one recorded SendCommand call.
type Command struct {
	TabID  int
	Method string
	Params json.RawMessage
}

// Fake records calls and answers commands from Results and Errors.
type Fake struct {
	mu       sync.Mutex
	attached map[int]bool
	commands []Command
	detaches []int

	// AttachErr, when set, is returned by every Attach.
	AttachErr error

	// Results maps a method to its result. Unlisted methods return {}.
	Results map[string]json.RawMessage

	// Errors maps a method to an error returned instead of a result.
	Errors map[string]error

	// Evaluations maps a tab to its Evaluate answer. EvaluateErr, when set,
	// is returned instead.
	Evaluations map[int]*debugger.Evaluation
	EvaluateErr error

	// Tabs lists the known tabs. Tab falls back to a blank tab for ids not
	// listed.
	Tabs map[int]debugger.Tab

	// DetachGate, when set, holds every Detach until it is closed.
	DetachGate chan struct{}
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		attached: make(map[int]bool),
		Results:  make(map[string]json.RawMessage),
		Errors:   make(map[string]error),

		Evaluations: make(map[int]*debugger.Evaluation),
		Tabs:        make(map[int]debugger.Tab),
	}
}

// Attach implements debugger.Debugger.
func (f *Fake) Attach(_ context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AttachErr != nil {
		return f.AttachErr
	}
	if f.attached[tabID] {
		return fmt.Errorf("tab %d: %w", tabID, debugger.ErrAlreadyAttached)
	}
	f.attached[tabID] = true
	return nil
}

// Detach implements debugger.Debugger.
func (f *Fake) Detach(ctx context.Context, tabID int) error {
	f.mu.Lock()
	gate := f.DetachGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detaches = append(f.detaches, tabID)
	if !f.attached[tabID] {
		return fmt.Errorf("tab %d: %w", tabID, debugger.ErrNotAttached)
	}
	delete(f.attached, tabID)
	return nil
}

// SendCommand implements debugger.Debugger.
func (f *Fake) SendCommand(_ context.Context, tabID int, method string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, Command{TabID: tabID, Method: method, Params: params})
	if !f.attached[tabID] {
		return nil, fmt.Errorf("tab %d: %w", tabID, debugger.ErrNotAttached)
	}
	if err, ok := f.Errors[method]; ok {
		return nil, err
	}
	if res, ok := f.Results[method]; ok {
		return res, nil
	}
	return json.RawMessage(`{}`), nil
}

// SetAttached marks tabID attached or detached without recording a call.
func (f *Fake) SetAttached(tabID int, attached bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if attached {
		f.attached[tabID] = true
	} else {
		delete(f.attached, tabID)
	}
}

// IsAttached reports whether tabID is attached.
func (f *Fake) IsAttached(tabID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached[tabID]
}

// Commands returns the recorded commands.
func (f *Fake) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// Methods returns the recorded command methods in order.
func (f *Fake) Methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	for i, c := range f.commands {
		out[i] = c.Method
	}
	return out
}

// Detaches returns the tab ids passed to Detach.
func (f *Fake) Detaches() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.detaches...)
}

// Evaluate answers from Evaluations.
func (f *Fake) Evaluate(_ context.Context, tabID int, _ string) (*debugger.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EvaluateErr != nil {
		return nil, f.EvaluateErr
	}
	if ev, ok := f.Evaluations[tabID]; ok {
		return ev, nil
	}
	return nil, fmt.Errorf("tab %d: %w", tabID, debugger.ErrTabNotFound)
}

// Tab returns the tab from Tabs.
func (f *Fake) Tab(_ context.Context, tabID int) (debugger.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tab, ok := f.Tabs[tabID]; ok {
		return tab, nil
	}
	return debugger.Tab{ID: tabID}, nil
}
