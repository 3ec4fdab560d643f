package protocol

import "encoding/json"

// Version is the Bedrock websocket message header version.
const Version = 1

// Message purposes on the Bedrock websocket channel.
const (
	PurposeCommandRequest  = "commandRequest"
	PurposeCommandResponse = "commandResponse"
	PurposeEvent           = "event"
	PurposeError           = "error"
)

// BaseMessage lets us route unknown JSON messages by purpose and request id.
type BaseMessage struct {
	Header MessageHeader `json:"header"`
}

type MessageHeader struct {
	Version        int    `json:"version"`
	RequestID      string `json:"requestId"`
	MessagePurpose string `json:"messagePurpose"`
	MessageType    string `json:"messageType,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
