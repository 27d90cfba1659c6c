package network

// Message ids carried in the packet header.
const (
	MsgTypeHeartbeat = 1

	MsgTypeWatchCase   = 101
	MsgTypeUnwatchCase = 102

	MsgTypeAck       = 201
	MsgTypeError     = 202
	MsgTypeCaseEvent = 301
)

// WatchRequest is the body of watch_case and unwatch_case messages.
type WatchRequest struct {
	CaseID int64 `json:"case_id"`
}

// Ack confirms a watch or unwatch and reports the session's current watch list.
type Ack struct {
	MsgID    uint16  `json:"msg_id"`
	Watching []int64 `json:"watching"`
}

// ErrorBody is sent back for a message the server could not act on.
type ErrorBody struct {
	MsgID   uint16 `json:"msg_id"`
	Message string `json:"message"`
}
