package protocol

import "encoding/json"

// Broker channel names. The configured key prefix is prepended by the
// broker backend before they hit the wire.
const (
	ChannelCollect = "collect"
	ChannelProvide = "provide"
	ChannelPing    = "ping"
	ChannelPong    = "pong"
	ChannelSystem  = "system"
	ChannelChat    = "chat"
	ChannelPaint   = "paint"
	ChannelStroke  = "stroke"
	ChannelPointer = "pointer"
)

// TargetClients is the only collect/provide target currently defined.
const TargetClients = "clients"

// Frame is the JSON body of every inter-server message. Server is always
// present so receivers can drop their own loopback deliveries; the remaining
// fields depend on the channel.
type Frame struct {
	Server ServerRef       `json:"server"`
	Client *Client         `json:"client,omitempty"`
	Target string          `json:"target,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// NewFrame builds a frame originating from the given server with an optional
// client record and body payload.
func NewFrame(serverID string, client *Client, body any) (Frame, error) {
	f := Frame{Server: ServerRef{ID: serverID}, Client: client}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Frame{}, err
		}
		f.Body = raw
	}
	return f, nil
}
