package protocol

import (
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"
)

// Bounds carries the room dimensions the payload rules are checked against.
type Bounds struct {
	Width      int
	Height     int
	LayerCount int
}

const (
	uuidLen     = 36
	maxNameLen  = 16
	maxChatLen  = 256
	pointerOff  = -1 // sentinel for "pointer left the canvas"
	strokeArity = 3
)

// ParseBind validates a client bind payload. A present uuid must be exactly
// 36 characters (otherwise it is treated as absent and a fresh identity is
// issued); the name must be 1–16 characters.
func ParseBind(data json.RawMessage) (BindRequest, bool) {
	var req BindRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return BindRequest{}, false
	}
	n := utf8.RuneCountInString(req.Name)
	if n < 1 || n > maxNameLen {
		return BindRequest{}, false
	}
	if req.UUID != "" && len(req.UUID) != uuidLen {
		req.UUID = ""
		req.Pin = ""
	}
	return req, true
}

// rawPaint tolerates fractional coordinates; the canonical form floors them.
type rawPaint struct {
	LayerNumber float64 `json:"layerNumber"`
	Mode        string  `json:"mode"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Data        []byte  `json:"data"`
}

// ParsePaint validates a paint payload against the room bounds. The patch
// blob itself is only checked for presence here; decoding it is the codec's
// job and happens before the patch reaches the canvas.
func ParsePaint(data json.RawMessage, b Bounds) (Paint, bool) {
	var raw rawPaint
	if err := json.Unmarshal(data, &raw); err != nil {
		return Paint{}, false
	}
	if !finite(raw.LayerNumber) || !finite(raw.X) || !finite(raw.Y) {
		return Paint{}, false
	}
	layer := int(math.Floor(raw.LayerNumber))
	x := int(math.Floor(raw.X))
	y := int(math.Floor(raw.Y))
	if layer < 0 || layer >= b.LayerCount {
		return Paint{}, false
	}
	if x < 0 || y < 0 {
		return Paint{}, false
	}
	if raw.Mode != ModeNormal && raw.Mode != ModeErase {
		return Paint{}, false
	}
	if len(raw.Data) == 0 {
		return Paint{}, false
	}
	return Paint{LayerNumber: layer, Mode: raw.Mode, X: x, Y: y, Data: raw.Data}, true
}

// ParseStroke validates a stroke payload: every point is an [x, y, pressure]
// triple with x, y within [0, width/height] and positive pressure. x and y
// round to nearest, pressure floors; elements past the third are dropped.
func ParseStroke(data json.RawMessage, b Bounds) (Stroke, bool) {
	var raw struct {
		Points [][]float64 `json:"points"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Stroke{}, false
	}
	if len(raw.Points) == 0 {
		return Stroke{}, false
	}
	points := make([][3]int, len(raw.Points))
	for i, p := range raw.Points {
		if len(p) < strokeArity {
			return Stroke{}, false
		}
		x, y, pressure := p[0], p[1], p[2]
		if !finite(x) || !finite(y) || !finite(pressure) {
			return Stroke{}, false
		}
		if x < 0 || y < 0 || pressure <= 0 {
			return Stroke{}, false
		}
		if x > float64(b.Width) || y > float64(b.Height) {
			return Stroke{}, false
		}
		points[i] = [3]int{
			int(math.Round(x)),
			int(math.Round(y)),
			int(math.Floor(pressure)),
		}
	}
	return Stroke{Points: points}, true
}

// ParsePointer validates a pointer payload: coordinates floor, and the -1
// sentinel is the only value allowed below zero.
func ParsePointer(data json.RawMessage, b Bounds) (Pointer, bool) {
	var raw struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Pointer{}, false
	}
	if !finite(raw.X) || !finite(raw.Y) {
		return Pointer{}, false
	}
	x := int(math.Floor(raw.X))
	y := int(math.Floor(raw.Y))
	if x < pointerOff || x > b.Width || y < pointerOff || y > b.Height {
		return Pointer{}, false
	}
	return Pointer{X: x, Y: y}, true
}

// ParseChat validates a chat payload: a non-blank message of at most 256
// characters. A client-supplied time is forwarded as-is (zero means the
// engine stamps the server clock).
func ParseChat(data json.RawMessage) (Chat, bool) {
	var raw struct {
		Message string  `json:"message"`
		Time    float64 `json:"time"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Chat{}, false
	}
	if strings.TrimSpace(raw.Message) == "" {
		return Chat{}, false
	}
	if utf8.RuneCountInString(raw.Message) > maxChatLen {
		return Chat{}, false
	}
	if !finite(raw.Time) || raw.Time < 0 {
		return Chat{}, false
	}
	return Chat{Message: raw.Message, Time: int64(raw.Time)}, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
