package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	raw, err := Encode(EventChat, Chat{Message: "hi", Time: 42})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, EventChat, env.Type)

	var c Chat
	require.NoError(t, json.Unmarshal(env.Data, &c))
	assert.Equal(t, "hi", c.Message)
	assert.Equal(t, int64(42), c.Time)
}

func TestPaintDataTravelsBase64(t *testing.T) {
	raw, err := Encode(EventPaint, Paint{LayerNumber: 1, Mode: ModeNormal, X: 2, Y: 3, Data: []byte{0xde, 0xad}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":"3q0="`)
}

func TestClientDistStripsPin(t *testing.T) {
	c := Client{UUID: "u", Pin: "secret", Name: "alice", ServerID: "s1"}
	d := c.Dist()
	assert.Equal(t, DistClient{UUID: "u", Name: "alice", ServerID: "s1"}, d)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
	assert.NotContains(t, string(raw), "pin")
}
