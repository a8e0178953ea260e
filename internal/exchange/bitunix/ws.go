package bitunix

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huyquangict/nof1.ai/internal/exchange"
)

// WS streams mark-price tickers over the public WebSocket. The engine
// uses it to keep a fresh price cache between REST polls; it never
// mutates trading state.
type WS struct{ url string }

func NewWS(u string) WS { return WS{u} }

// Stream subscribes to the ticker channel for each symbol and pushes
// normalized tickers until ctx is done. Connection failures reconnect
// with exponential backoff.
func (w WS) Stream(ctx context.Context, symbols []string, tickers chan<- exchange.Ticker, errs chan<- error, ping time.Duration) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := w.streamOnce(ctx, symbols, tickers, ping); err != nil {
				log.Warn().Err(err).Dur("backoff", backoff).Msg("WebSocket connection failed, reconnecting")
				select {
				case errs <- fmt.Errorf("ws reconnect: %w", err):
				default:
				}

				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}

				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
		}
	}
}

func (w WS) streamOnce(ctx context.Context, symbols []string, tickers chan<- exchange.Ticker, ping time.Duration) error {
	log.Info().Str("url", w.url).Int("symbols_count", len(symbols)).Msg("Establishing WebSocket connection")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(512 * 1024)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	var args []map[string]string
	for _, s := range symbols {
		args = append(args, map[string]string{"symbol": NormalizeSymbol(s), "ch": "ticker"})
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	// Keepalives go out on their own goroutine so a quiet feed cannot
	// starve them behind a blocking read. A failed ping closes the
	// connection, which unblocks the read loop.
	done := make(chan struct{})
	defer close(done)
	pingErr := make(chan error, 1)
	go func() {
		pingTicker := time.NewTicker(ping)
		defer pingTicker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
					pingErr <- err
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case perr := <-pingErr:
				return fmt.Errorf("ping failed: %w", perr)
			default:
			}
			return fmt.Errorf("read failed: %w", err)
		}

		t, ok := parseTicker(msg)
		if !ok {
			continue
		}
		select {
		case tickers <- t:
		default:
			// Price cache only needs the freshest value; drop on backpressure.
		}
	}
}

func parseTicker(msg []byte) (exchange.Ticker, bool) {
	var frame struct {
		Ch     string `json:"ch"`
		Symbol string `json:"symbol"`
		Ts     int64  `json:"ts"`
		Data   struct {
			Last string `json:"la"`
			Mark string `json:"mp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Ch != "ticker" {
		return exchange.Ticker{}, false
	}

	last, err := strconv.ParseFloat(frame.Data.Last, 64)
	if err != nil || last <= 0 {
		return exchange.Ticker{}, false
	}
	mark, err := strconv.ParseFloat(frame.Data.Mark, 64)
	if err != nil || mark <= 0 {
		mark = last
	}
	return exchange.Ticker{
		Symbol:    NormalizeSymbol(frame.Symbol),
		LastPrice: last,
		MarkPrice: mark,
		Ts:        time.UnixMilli(frame.Ts),
	}, true
}
