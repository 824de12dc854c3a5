package server

import (
	"net/http"
	"time"
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// ListeningAddress is the address the server is bound to.
	ListeningAddress string `json:"listening_address"`

	// Listeners is the number of connected /runtime/listen sockets.
	Listeners int `json:"listeners"`

	// UptimeSeconds is how long the server has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	Sessions []SessionStatus `json:"sessions"`
}

// SessionStatus describes one live debug session.
type SessionStatus struct {
	TabID      int    `json:"tab_id"`
	AppID      string `json:"app_id"`
	InstanceID string `json:"instance_id"`
	ServerURL  string `json:"server_url"`

	// ContextID is omitted until the page's default execution context is
	// known.
	ContextID *int64 `json:"context_id,omitempty"`

	EncodedURI string `json:"encoded_uri,omitempty"`

	// PendingEvents counts events waiting for the next batch flush.
	PendingEvents int `json:"pending_events"`
}

// Status builds the current status snapshot.
func (s *Server) Status() StatusResponse {
	resp := StatusResponse{
		ListeningAddress: s.Addr(),
		Listeners:        s.ListenerCount(),
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
		Sessions:         []SessionStatus{},
	}
	if s.opts.Sessions == nil {
		return resp
	}
	for _, sess := range s.opts.Sessions.Sessions() {
		target := sess.Target()
		st := SessionStatus{
			TabID:         target.TabID,
			AppID:         target.AppID,
			InstanceID:    target.InstanceID,
			ServerURL:     target.ServerURL,
			EncodedURI:    sess.EncodedURI(),
			PendingEvents: sess.Pending(),
		}
		if id, ok := sess.ContextID(); ok {
			st.ContextID = &id
		}
		resp.Sessions = append(resp.Sessions, st)
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}
