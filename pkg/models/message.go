package models

import "encoding/json"

// MessageType is the value of the "msg" field on frames sent by the server
// over the queue channel
type MessageType string

const (
	MessageSendHash          MessageType = "send_hash"
	MessageSendData          MessageType = "send_data"
	MessageEstimation        MessageType = "estimation"
	MessageQueueFull         MessageType = "queue_full"
	MessageProcessStarts     MessageType = "process_starts"
	MessageProgress          MessageType = "progress"
	MessageProcessGenerating MessageType = "process_generating"
	MessageProcessCompleted  MessageType = "process_completed"
	MessageLog               MessageType = "log"
)

// ServerMessage is one frame received from the queue channel. Only the fields
// relevant to Msg are populated.
type ServerMessage struct {
	Msg          MessageType    `json:"msg"`
	Rank         *int           `json:"rank,omitempty"`
	QueueSize    *int           `json:"queue_size,omitempty"`
	RankETA      *float64       `json:"rank_eta,omitempty"`
	ETA          *float64       `json:"eta,omitempty"`
	ProgressData []ProgressUnit `json:"progress_data,omitempty"`
	Output       *Output        `json:"output,omitempty"`
	Success      *bool          `json:"success,omitempty"`
	Log          string         `json:"log,omitempty"`
	Level        string         `json:"level,omitempty"`
}

// Output is the result payload of a generating or completed step. Error is
// set instead of Data when the server-side function raised.
type Output struct {
	Data         []json.RawMessage `json:"data,omitempty"`
	IsGenerating bool              `json:"is_generating,omitempty"`
	Duration     float64           `json:"duration,omitempty"`
	Error        *string           `json:"error,omitempty"`
}

// HashFrame is the client's reply to send_hash
type HashFrame struct {
	FnIndex     int    `json:"fn_index"`
	SessionHash string `json:"session_hash"`
}

// DataFrame carries the call payload, both on the queue channel and as the
// body of a direct call
type DataFrame struct {
	Data        []any  `json:"data"`
	FnIndex     int    `json:"fn_index"`
	SessionHash string `json:"session_hash"`
	EventData   any    `json:"event_data"`
}
