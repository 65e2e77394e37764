package gateway

import "time"

// Client → server frames. Any frame that fails to parse as one of these
// is treated as raw keystroke input for legacy clients.
type clientMsg struct {
	Type string  `json:"type"`
	Data string  `json:"data"`
	Cols float64 `json:"cols"`
	Rows float64 `json:"rows"`
}

// Server → client frames.

type sessionMsg struct {
	Type            string `json:"type"` // ready | session_created | session_attached | agent_restarted
	SessionID       string `json:"sessionId"`
	TmuxSessionName string `json:"tmuxSessionName"`
}

type outputMsg struct {
	Type string `json:"type"` // output
	Data string `json:"data"`
}

type exitMsg struct {
	Type string `json:"type"` // exit
	Code *int   `json:"code"`
}

type agentExitedMsg struct {
	Type      string    `json:"type"` // agent_exited
	SessionID string    `json:"sessionId"`
	ExitCode  int       `json:"exitCode"`
	ExitedAt  time.Time `json:"exitedAt"`
}

type errorMsg struct {
	Type    string `json:"type"` // error
	Message string `json:"message"`
}

// WebSocket close codes. 4xxx is the application range; clients use these
// to distinguish auth failures from validation and backoff conditions.
const (
	CloseMissingToken     = 4401
	CloseInvalidToken     = 4403
	CloseInvalidName      = 4400
	CloseAlreadyConnected = 4429
	CloseProcessError     = 4500
)
