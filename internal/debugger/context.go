package debugger

import "encoding/json"

// MethodExecutionContextCreated is the CDP event announcing a new execution
// context.
const MethodExecutionContextCreated = "Runtime.executionContextCreated"

type executionContextCreated struct {
	Context *struct {
		ID      int64 `json:"id"`
		AuxData struct {
			IsDefault bool   `json:"isDefault"`
			FrameID   string `json:"frameId"`
		} `json:"auxData"`
	} `json:"context"`
}

// DefaultContextID extracts the id of a page's default execution context
// from a Runtime.executionContextCreated payload.
func DefaultContextID(params json.RawMessage) (int64, bool) {
	var ev executionContextCreated
	if err := json.Unmarshal(params, &ev); err != nil || ev.Context == nil {
		return 0, false
	}
	if !ev.Context.AuxData.IsDefault {
		return 0, false
	}
	return ev.Context.ID, true
}
