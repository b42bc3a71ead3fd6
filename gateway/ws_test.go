package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-maker-go/market"
)

type staticToken string

func (s staticToken) WSToken(context.Context) (string, error) { return string(s), nil }

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestFeedDialerSubscribeAndRead(t *testing.T) {
	subs := make(chan subscribeMessage, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var sub subscribeMessage
		require.NoError(t, conn.ReadJSON(&sub))
		subs <- sub
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"channel":"price","symbol":"BTCUSDT","data":{"bid":"1","ask":"2"}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer ts.Close()

	conn, err := NewFeedDialer(wsURL(ts)).Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Subscribe(context.Background(), []string{"BTCUSDT"}))
	sub := <-subs
	assert.Equal(t, "subscribe", sub.Op)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, []string{"BTCUSDT"}, sub.Symbols)

	raw, err := conn.Read(context.Background())
	require.NoError(t, err)
	msg, err := market.Parse(raw, time.Now())
	require.NoError(t, err)
	assert.Equal(t, market.ChannelPrice, msg.Channel)
}

func TestPrivateStreamAuthAndDispatch(t *testing.T) {
	auth := make(chan string, 1)
	subs := make(chan subscribeMessage, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var sub subscribeMessage
		require.NoError(t, conn.ReadJSON(&sub))
		subs <- sub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"other","data":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"channel":"position","symbol":"BTCUSDT","data":{"qty":"-0.5","mark_price":"100"}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan market.Message, 1)
	stream := NewPrivateStream(wsURL(ts), staticToken("tok"), 1, nil, nil)
	done := make(chan error, 1)
	go func() {
		done <- stream.Run(ctx, func(m market.Message) { got <- m })
	}()

	select {
	case m := <-got:
		require.Equal(t, market.ChannelPosition, m.Channel)
		assert.Equal(t, "BTCUSDT", m.Position.Symbol)
		assert.Equal(t, "-0.5", m.Position.Qty.String())
	case <-time.After(3 * time.Second):
		t.Fatal("no position message")
	}
	assert.Equal(t, "Bearer tok", <-auth)
	sub := <-subs
	assert.ElementsMatch(t, []string{"order", "position", "balance"}, sub.Channels)
	assert.NotEmpty(t, sub.ID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop")
	}
}
