package transport

import "time"

// FrameType discriminates the frames pushed over streaming and server-push
// channels. Every frame's data payload carries a "type" field so clients can
// demultiplex without inspecting transport framing.
type FrameType string

const (
	// FrameConnected is the first frame on a server-push channel.
	FrameConnected FrameType = "connected"
	// FrameUpdate carries an intermediate handler result.
	FrameUpdate FrameType = "update"
	// FrameResponse carries the final handler result; it terminates a stream.
	FrameResponse FrameType = "response"
	// FrameError carries a structured failure; it terminates a stream.
	FrameError FrameType = "error"
	// FrameKeepalive is synthesized when no real frame is queued within the
	// keepalive interval.
	FrameKeepalive FrameType = "keepalive"
	// FrameClose asks the client to stop; the channel is torn down after it.
	FrameClose FrameType = "close"
)

// Frame is a single streamed message.
type Frame struct {
	Type         FrameType `json:"type"`
	Data         any       `json:"data,omitempty"`
	Message      string    `json:"message,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Timestamp    string    `json:"timestamp,omitempty"`
}

// Terminal reports whether the frame ends its stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameResponse || f.Type == FrameError || f.Type == FrameClose
}

// KeepaliveFrame builds a timestamped keepalive frame.
func KeepaliveFrame() Frame {
	return Frame{Type: FrameKeepalive, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// ConnectedFrame builds the greeting frame for a new server-push channel.
func ConnectedFrame(connID string) Frame {
	return Frame{Type: FrameConnected, ConnectionID: connID, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}
