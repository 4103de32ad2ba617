package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDispatchesMessageSend(t *testing.T) {
	raw := []byte(`{"type":"message.send","channel_id":"c1","content":"hi","message_type":"text"}`)
	v, typ, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeMessageSend, typ)

	f, ok := v.(*MessageSend)
	require.True(t, ok)
	assert.Equal(t, "c1", f.ChannelID)
	assert.Equal(t, "hi", f.Content)
}

func TestDecodeUnknownTypeReturnsErrUnknownType(t *testing.T) {
	raw := []byte(`{"type":"something.else"}`)
	v, typ, err := Decode(raw)
	assert.Nil(t, v)
	assert.Equal(t, Type("something.else"), typ)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeMalformedEnvelopeReturnsError(t *testing.T) {
	_, _, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeDispatchesPing(t *testing.T) {
	raw := []byte(`{"type":"ping","timestamp":123}`)
	v, typ, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypePing, typ)
	_, ok := v.(*Ping)
	assert.True(t, ok)
}
