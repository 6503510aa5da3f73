package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapse-relay/node/internal/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	datagram, err := Encode(0x50, "node-a", model.Payload{"foo": "bar"})
	require.NoError(t, err)

	msg, ok := Decode(datagram)
	require.True(t, ok)
	assert.Equal(t, uint16(0x50), msg.SignalType)
	assert.Equal(t, "node-a", msg.Payload["sender"])
	assert.Equal(t, "bar", msg.Payload["foo"])
	assert.NotZero(t, msg.Timestamp)
}

func TestDecodeRejectsTooShort(t *testing.T) {
	_, ok := Decode([]byte{0x01, 0x02})
	assert.False(t, ok)
}

func TestDecodeRejectsZeroSignalType(t *testing.T) {
	datagram, err := Encode(0x01, "node-a", model.Payload{})
	require.NoError(t, err)
	datagram[0] = 0x00
	datagram[1] = 0x00

	_, ok := Decode(datagram)
	assert.False(t, ok)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	datagram, err := Encode(0x50, "node-a", model.Payload{"k": "v"})
	require.NoError(t, err)

	_, ok := Decode(datagram[:headerSize+1])
	assert.False(t, ok)
}

func TestDecodeLegacyShort(t *testing.T) {
	raw := []byte(`{"t": 80, "s": "legacy-node", "d": {"x": 1}, "ts": 1700000000000}`)

	msg, ok := Decode(raw)
	require.True(t, ok)
	assert.Equal(t, uint16(80), msg.SignalType)
	assert.Equal(t, "legacy-node", msg.Payload["sender"])
	assert.EqualValues(t, 1, msg.Payload["x"])
}

func TestDecodeLegacyNamed(t *testing.T) {
	raw := []byte(`{"type": "RELAY_REQUEST", "source": "legacy-node", "payload": {"a": "b"}, "timestamp": 1700000000000}`)

	msg, ok := Decode(raw)
	require.True(t, ok)
	assert.Equal(t, uint16(0x50), msg.SignalType)
	assert.Equal(t, "legacy-node", msg.Payload["sender"])
}

func TestDecodeLegacyNamedUnknownSymbolicType(t *testing.T) {
	raw := []byte(`{"type": "NOT_A_REAL_SIGNAL", "source": "legacy-node", "payload": {}, "timestamp": 1700000000000}`)

	msg, ok := Decode(raw)
	require.True(t, ok)
	assert.Equal(t, uint16(0x00), msg.SignalType)
}

func TestDecodeLegacyColon(t *testing.T) {
	raw := []byte(`PING:legacy-node:{"a":1}:1700000000000`)

	msg, ok := Decode(raw)
	require.True(t, ok)
	assert.Equal(t, uint16(0xF1), msg.SignalType)
	assert.Equal(t, "legacy-node", msg.Payload["sender"])
	assert.EqualValues(t, 1700000000, msg.Timestamp)
}

func TestDecodeGarbageFailsEveryFormat(t *testing.T) {
	_, ok := Decode([]byte("not a valid datagram at all"))
	assert.False(t, ok)
}
