package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := StartEmbedded("127.0.0.1", -1, nil)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestSessionSubjects(t *testing.T) {
	s := SessionSubjects("", "abc")
	assert.Equal(t, "narrator.abc.requests", s.Requests)
	assert.Equal(t, "narrator.abc.out.events", s.Events)
	assert.Equal(t, "narrator.abc.out.audio", s.Audio)
	assert.Equal(t, "narrator.abc.out.*", s.Inbound)

	s = SessionSubjects("books", "abc")
	assert.Equal(t, "books.abc.out.audio", s.Audio)
}

func TestConnectNATS_NoServers(t *testing.T) {
	_, err := ConnectNATS(NATSConfig{}, "abc", nil, nil)
	assert.Error(t, err)
}

func TestNATS_PublishesRequests(t *testing.T) {
	srv := startServer(t)

	peer, err := nats.Connect(srv.URL())
	require.NoError(t, err)
	defer peer.Close()

	requests, err := peer.SubscribeSync("narrator.sess.requests")
	require.NoError(t, err)
	require.NoError(t, peer.Flush())

	client, err := ConnectNATS(NATSConfig{Servers: []string{srv.URL()}, ConnectTimeout: time.Second}, "sess", nil, nil)
	require.NoError(t, err)
	defer client.Close()
	assert.True(t, client.Healthy())

	require.NoError(t, client.CommitInput("sess"))
	require.NoError(t, client.SubmitText("sess", "Read page 1", 1))

	var types []string
	for i := 0; i < 3; i++ {
		msg, err := requests.NextMsg(2 * time.Second)
		require.NoError(t, err)
		var m Message
		require.NoError(t, json.Unmarshal(msg.Data, &m))
		types = append(types, m.Type)
	}
	assert.Equal(t, []string{"input_audio_buffer.commit", "conversation.item.create", "response.create"}, types)
}

func TestNATS_DeliversEvents(t *testing.T) {
	srv := startServer(t)

	events := make(chan Event, 8)
	client, err := ConnectNATS(NATSConfig{Servers: []string{srv.URL()}}, "sess", func(ev Event) { events <- ev }, nil)
	require.NoError(t, err)
	defer client.Close()

	peer, err := nats.Connect(srv.URL())
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.Publish("narrator.sess.out.events", []byte(`{"type":"response.created","response":{"id":"r7"}}`)))
	require.NoError(t, peer.Publish("narrator.sess.out.events", []byte(`{"type":"rate_limits.updated"}`)))

	audio := nats.NewMsg("narrator.sess.out.audio")
	audio.Header.Set(ResponseIDHeader, "r7")
	audio.Data = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	require.NoError(t, peer.PublishMsg(audio))

	require.NoError(t, peer.Publish("narrator.sess.out.events", []byte(`{"type":"response.done","response_id":"r7"}`)))
	require.NoError(t, peer.Flush())

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("expected 3 events, got %d", len(got))
		}
	}

	assert.Equal(t, KindStreamStarted, got[0].Kind)
	assert.Equal(t, KindAudioDelta, got[1].Kind)
	assert.Equal(t, "r7", got[1].ResponseID)
	data, err := got[1].Chunk.Bytes()
	require.NoError(t, err)
	assert.Len(t, data, 12)
	assert.Equal(t, KindStreamEnded, got[2].Kind)
}

func TestNATS_SendAfterClose(t *testing.T) {
	srv := startServer(t)

	client, err := ConnectNATS(NATSConfig{Servers: []string{srv.URL()}}, "sess", nil, nil)
	require.NoError(t, err)
	client.Close()

	assert.ErrorIs(t, client.ClearBuffer("sess"), ErrClosed)
	assert.False(t, client.Healthy())
}
