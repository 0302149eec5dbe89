package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galleria-labs/galleria/internal/domain"
)

// memBus is an in-memory stand-in for the Redis signal bus.
type memBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
}

func newMemBus() *memBus {
	return &memBus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
	}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("%d-0", len(b.streams[stream])+1)
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{ID: id, Payload: payload})
	return nil
}

func (b *memBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if m.ID > lastID && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *memBus) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

var _ domain.SignalBus = (*memBus)(nil)

// envelope is the frame shape the hub sends to clients.
type envelope struct {
	Channel string          `json:"channel"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func startTestHub(t *testing.T, bus *memBus) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(bus, logger, Config{Mode: "dev"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestReconnectReplaysDurableStream(t *testing.T) {
	bus := newMemBus()
	ctx := context.Background()
	sold := []byte(`{"kind":"MarketItemSold","item_id":0}`)
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamName(domain.ChannelSales), sold))

	srv := startTestHub(t, bus)
	conn := dialWS(t, srv, "?since=0")

	// The status envelope always comes first.
	status := readEnvelope(t, conn)
	assert.Equal(t, "status", status.Channel)

	// Then the sale missed while disconnected, with its stream id so the
	// client can resume from it next time.
	replay := readEnvelope(t, conn)
	assert.Equal(t, domain.ChannelSales, replay.Channel)
	assert.Equal(t, "1-0", replay.ID)
	assert.JSONEq(t, string(sold), string(replay.Payload))
}

func TestReconnectSkipsAlreadySeenEntries(t *testing.T) {
	bus := newMemBus()
	ctx := context.Background()
	stream := domain.StreamName(domain.ChannelSales)
	require.NoError(t, bus.StreamAppend(ctx, stream, []byte(`{"item_id":0}`)))
	require.NoError(t, bus.StreamAppend(ctx, stream, []byte(`{"item_id":1}`)))

	srv := startTestHub(t, bus)
	conn := dialWS(t, srv, "?since=1-0")

	status := readEnvelope(t, conn)
	require.Equal(t, "status", status.Channel)

	// Only the entry after the client's last seen id is replayed.
	replay := readEnvelope(t, conn)
	assert.Equal(t, "2-0", replay.ID)
	assert.JSONEq(t, `{"item_id":1}`, string(replay.Payload))
}

func TestLiveBroadcastReachesSubscribedClients(t *testing.T) {
	bus := newMemBus()
	srv := startTestHub(t, bus)

	// The hub subscribes to its channels in the background.
	require.Eventually(t, func() bool {
		return bus.subscriberCount() == len(defaultChannels)
	}, 2*time.Second, 10*time.Millisecond)

	conn := dialWS(t, srv, "")
	status := readEnvelope(t, conn)
	require.Equal(t, "status", status.Channel)

	listed := []byte(`{"kind":"MarketItemListed","item_id":3}`)
	require.NoError(t, bus.Publish(context.Background(), domain.ChannelItems, listed))

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.ChannelItems, env.Channel)
	assert.JSONEq(t, string(listed), string(env.Payload))
}
