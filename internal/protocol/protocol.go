// Package protocol defines the wire-visible types of the paint room: the
// socket event envelope exchanged with browser clients, the event payloads,
// and the frames exchanged between server instances over the broker.
//
// Inbound payloads arrive as loosely typed JSON (coordinates may be
// fractional, arrays may carry extra elements). The Parse* functions in
// validate.go normalize them into the canonical types declared here; anything
// that fails validation is dropped by the caller with no side effects.
package protocol

import (
	"encoding/json"
)

// Socket event names, both directions.
const (
	EventServer  = "server"
	EventConfig  = "config"
	EventClient  = "client"
	EventClients = "clients"
	EventChat    = "chat"
	EventPaint   = "paint"
	EventPainted = "painted"
	EventStroke  = "stroke"
	EventPointer = "pointer"
)

// Envelope is the outer JSON object of every socket frame:
// {"type": <event name>, "data": <payload>}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event into a ready-to-send socket frame.
func Encode(typ string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}

// ServerRef identifies a server instance in frames and events.
type ServerRef struct {
	ID string `json:"id"`
}

// Client is the full roster record. Pin is a shared secret between the
// client and the room; it travels between server instances in provide
// frames but must never reach other end users; use Dist for that.
type Client struct {
	UUID       string `json:"uuid"`
	Pin        string `json:"pin"`
	Name       string `json:"name"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	IsOnline   bool   `json:"isOnline"`
	ServerID   string `json:"serverId"`
}

// DistClient is the public projection of a Client, safe to send to end
// users: identity and display name only.
type DistClient struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	ServerID string `json:"serverId"`
}

// Dist returns the public projection of c.
func (c Client) Dist() DistClient {
	return DistClient{UUID: c.UUID, Name: c.Name, ServerID: c.ServerID}
}

// VersionInfo reports the server build and the bundled client version.
type VersionInfo struct {
	Server string `json:"server"`
	Client string `json:"client"`
}

// ConfigInfo is the distributable room configuration, sent in the config
// event and returned by GET /config.
type ConfigInfo struct {
	Title        string      `json:"title"`
	CanvasWidth  int         `json:"canvasWidth"`
	CanvasHeight int         `json:"canvasHeight"`
	LayerCount   int         `json:"layerCount"`
	Version      VersionInfo `json:"version"`
}

// BindRequest is the client event payload: first contact carries only a
// name; a reconnecting client also presents the uuid/pin pair it was
// assigned so the server can re-attach it to its existing record.
type BindRequest struct {
	UUID string `json:"uuid,omitempty"`
	Pin  string `json:"pin,omitempty"`
	Name string `json:"name"`
}

// BindReply is sent only to the socket that bound, echoing the assigned
// identity including the rebind secret.
type BindReply struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Pin  string `json:"pin"`
}

// Paint modes. Erase is ordinary paint whose pixels carry zero alpha; the
// engine copies patches verbatim, so no dedicated erase path exists.
const (
	ModeNormal = "normal"
	ModeErase  = "erase"
)

// Paint is a rectangular pixel patch applied to one layer. Data holds the
// encoded snapshot blob (base64 on the wire, raw codec bytes in memory).
type Paint struct {
	Client      *DistClient `json:"client,omitempty"`
	LayerNumber int         `json:"layerNumber"`
	Mode        string      `json:"mode"`
	X           int         `json:"x"`
	Y           int         `json:"y"`
	Data        []byte      `json:"data"`
}

// Stroke is a transient brush path hint: [x, y, pressure] triples.
type Stroke struct {
	Client *DistClient `json:"client,omitempty"`
	Points [][3]int    `json:"points"`
}

// Pointer reports a user's cursor position; x == -1 or y == -1 marks the
// pointer as off-canvas.
type Pointer struct {
	Client *DistClient `json:"client,omitempty"`
	X      int         `json:"x"`
	Y      int         `json:"y"`
}

// Chat is a single chat line. A nil Client marks a server-generated system
// line. Time is milliseconds since the epoch; the engine stamps it when the
// sender did not.
type Chat struct {
	Client  *DistClient `json:"client,omitempty"`
	Message string      `json:"message"`
	Time    int64       `json:"time"`
}
