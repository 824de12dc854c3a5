package events

import (
	"encoding/json"
	"fmt"
)

// TopicPanel carries PanelMessage values for attached listeners.
const TopicPanel = "panel"

// TabTopic is the topic carrying CDPEvent values for one tab.
func TabTopic(tabID int) string {
	return fmt.Sprintf("tab.%d", tabID)
}

// CDPEvent is a debugger event raised by the browser for a tab.
type CDPEvent struct {
	TabID  int
	Method string
	Params json.RawMessage
}

// PanelMessage is a message broadcast to listener contexts, e.g. a DevTools
// panel or the popup. Recipient narrows delivery when set.
type PanelMessage struct {
	Name      string          `json:"name"`
	Recipient string          `json:"recipient,omitempty"`
	TabID     int             `json:"tabId,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
}
