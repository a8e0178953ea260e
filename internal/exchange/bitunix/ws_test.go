package bitunix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/huyquangict/nof1.ai/internal/exchange"
)

// wsServer upgrades incoming connections and hands them to fn.
func wsServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamSendsPingsOnQuietFeed(t *testing.T) {
	pinged := make(chan struct{}, 1)
	srv := wsServer(t, func(conn *websocket.Conn) {
		conn.SetPingHandler(func(string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return nil
		})
		// Never send anything; just service control frames.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := NewWS(wsURL(srv))
	tickers := make(chan exchange.Ticker, 1)
	errs := make(chan error, 1)
	go ws.Stream(ctx, []string{"BTCUSDT"}, tickers, errs, 20*time.Millisecond)

	// The subscriber blocks in its read; the keepalive must arrive anyway.
	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received while the feed was quiet")
	}
}

func TestStreamDeliversTickers(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn) {
		// Consume the subscribe frame, then emit one ticker.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		frame := `{"ch":"ticker","symbol":"BTCUSDT","ts":1700000000000,"data":{"la":"42000.5","mp":"42001"}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := NewWS(wsURL(srv))
	tickers := make(chan exchange.Ticker, 1)
	errs := make(chan error, 1)
	go ws.Stream(ctx, []string{"BTCUSDT"}, tickers, errs, time.Second)

	select {
	case tk := <-tickers:
		assert.Equal(t, "BTCUSDT", tk.Symbol)
		assert.Equal(t, 42000.5, tk.LastPrice)
		assert.Equal(t, 42001.0, tk.MarkPrice)
	case <-time.After(2 * time.Second):
		t.Fatal("no ticker delivered")
	}
}
