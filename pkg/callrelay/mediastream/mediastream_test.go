package mediastream

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_StartUsesCallSidAndDefaultsLanguage(t *testing.T) {
	f, err := Decode([]byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`))
	require.NoError(t, err)

	s, ok := f.(Start)
	require.True(t, ok, "got %T", f)
	assert.Equal(t, "MZ1", s.StreamID)
	assert.Equal(t, "CA1", s.CallID)
	assert.Equal(t, DefaultLanguage, s.Language)
}

func TestDecode_StartFallsBackToCustomParameters(t *testing.T) {
	f, err := Decode([]byte(`{"event":"start","streamSid":"MZ2","start":{"customParameters":{"callSid":"CA2","language":"fr-FR"}}}`))
	require.NoError(t, err)

	s := f.(Start)
	assert.Equal(t, "MZ2", s.StreamID)
	assert.Equal(t, "CA2", s.CallID)
	assert.Equal(t, "fr-FR", s.Language)
}

func TestDecode_StartWithoutCallID(t *testing.T) {
	f, err := Decode([]byte(`{"event":"start","start":{"streamSid":"MZ3"}}`))
	require.NoError(t, err)
	assert.Empty(t, f.(Start).CallID)
}

func TestDecode_MediaKeepsPayloadEncoded(t *testing.T) {
	f, err := Decode([]byte(`{"event":"media","streamSid":"MZ1","media":{"payload":"QUJD"}}`))
	require.NoError(t, err)

	m := f.(Media)
	assert.Equal(t, "QUJD", m.Payload)
	assert.Equal(t, "MZ1", m.StreamID)
}

func TestDecode_OtherEvents(t *testing.T) {
	for _, name := range []string{EventConnected, EventMark, EventStop, "dtmf"} {
		f, err := Decode([]byte(`{"event":"` + name + `"}`))
		require.NoError(t, err, name)
		assert.Equal(t, name, f.Event())
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"bad_json":      `{"event":`,
		"missing_event": `{"streamSid":"MZ1"}`,
		"bad_start":     `{"event":"start"}`,
		"bad_media":     `{"event":"media"}`,
	}
	for code, in := range cases {
		_, err := Decode([]byte(in))
		var de *DecodeError
		require.True(t, errors.As(err, &de), "input %s", in)
		assert.Equal(t, code, de.Code)
	}
}

func TestOutboundFrames(t *testing.T) {
	b, err := json.Marshal(NewMediaFrame("MZ1", "QUJD"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"media","streamSid":"MZ1","media":{"payload":"QUJD"}}`, string(b))

	b, err = json.Marshal(NewClearFrame("MZ1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"clear","streamSid":"MZ1"}`, string(b))
}
