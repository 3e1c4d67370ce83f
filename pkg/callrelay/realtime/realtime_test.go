package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent_KnownTypes(t *testing.T) {
	cases := []struct {
		in   string
		want Event
	}{
		{`{"type":"session.updated"}`, SessionUpdated{}},
		{`{"type":"input_audio_buffer.speech_started","item_id":"i1"}`, SpeechStarted{ItemID: "i1"}},
		{`{"type":"response.audio.delta","response_id":"r1","delta":"QUJD"}`, AudioDelta{ResponseID: "r1", Delta: "QUJD"}},
		{`{"type":"response.audio_transcript.delta","delta":"Hi"}`, TranscriptDelta{Delta: "Hi"}},
		{`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`, InputTranscriptionCompleted{Transcript: "hello"}},
		{`{"type":"error","error":{"message":"bad"}}`, ErrorEvent{Error: ErrorDetail{Message: "bad"}}},
	}
	for _, tc := range cases {
		got, err := DecodeEvent([]byte(tc.in))
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestDecodeEvent_UnknownAndMalformed(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"rate_limits.updated"}`))
	require.NoError(t, err)
	u, ok := ev.(UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, "rate_limits.updated", u.EventType())

	_, err = DecodeEvent([]byte(`{"type":`))
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "bad_json", de.Code)

	_, err = DecodeEvent([]byte(`{"delta":"x"}`))
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "missing_type", de.Code)

	_, err = DecodeEvent([]byte(`{"type":"response.audio.delta","delta":5}`))
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "bad_event", de.Code)
}

func TestResponseInfo_AgentTranscript(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"response.done","response":{"id":"r1","output":[
		{"role":"assistant","content":[{"type":"audio","transcript":"Hi there!"}]}]}}`))
	require.NoError(t, err)
	done := ev.(ResponseDone)
	assert.Equal(t, "r1", done.Response.ID)
	assert.Equal(t, "Hi there!", done.Response.AgentTranscript())

	assert.Empty(t, ResponseInfo{}.AgentTranscript())
}

func TestConversationItem_Text(t *testing.T) {
	it := ConversationItem{Role: "user", Content: []ContentPart{{Type: "input_text", Text: " hello "}, {Type: "input_audio"}}}
	assert.Equal(t, "hello", it.Text())
}

func TestCommands_JSONShape(t *testing.T) {
	b, err := json.Marshal(NewResponseCreate(&ResponseOptions{Modalities: []string{"text", "audio"}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"response.create","response":{"modalities":["text","audio"]}}`, string(b))

	b, err = json.Marshal(NewInputAudioAppend("QUJD"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"input_audio_buffer.append","audio":"QUJD"}`, string(b))
}

func TestDialer_SendsHeadersAndRelaysEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" || r.Header.Get("OpenAI-Beta") != "realtime=v1" {
			http.Error(w, "missing headers", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		_, data, err := ws.ReadMessage()
		if err == nil {
			received <- string(data)
		}
	}))
	defer srv.Close()

	d := NewDialer(DialerConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), APIKey: "sk-test"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case ev := <-conn.Events():
		assert.Equal(t, TypeSessionCreated, ev.EventType())
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	require.NoError(t, conn.Send(NewInputAudioClear()))
	select {
	case got := <-received:
		assert.JSONEq(t, `{"type":"input_audio_buffer.clear"}`, got)
	case <-ctx.Done():
		t.Fatal("timed out waiting for command")
	}

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(NewInputAudioClear()), ErrClosed)
}

func TestConn_SendTimesOutWhenProviderStopsReading(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := NewDialer(DialerConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), WriteTimeout: 100 * time.Millisecond})
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	cmd := map[string]string{"type": "input_audio_buffer.append", "audio": strings.Repeat("A", 1<<20)}
	start := time.Now()
	for i := 0; i < 512 && err == nil; i++ {
		err = conn.Send(cmd)
	}
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestDialer_ReportsHandshakeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewDialer(DialerConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
