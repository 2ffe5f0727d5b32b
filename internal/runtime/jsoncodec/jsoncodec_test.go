package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type healthPayload struct {
	Channel string  `json:"channel"`
	Rate    float64 `json:"rate"`
	Idle    bool    `json:"idle,omitempty"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := healthPayload{Channel: "color", Rate: 29.5}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"color","rate":29.5}`, string(data))

	var out healthPayload
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)

	indented, err := MarshalIndent(in, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(indented), "\n  \"channel\"")
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := healthPayload{Channel: "nn", Rate: 10, Idle: true}

	require.NoError(t, Encode(buf, payload))

	var decoded healthPayload
	require.NoError(t, Decode(buf, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"a":1}`)))
	assert.False(t, Valid([]byte(`{"a":`)))
}
