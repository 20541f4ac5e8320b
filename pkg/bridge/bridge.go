// Package bridge proxies WebSocket traffic between an accepted client
// connection and an upstream server connection. The worker uses it to
// expose browser automation channels and the control plane uses it to
// reach workers.
package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// controlWriteTimeout bounds writes of control frames so a stuck peer
// cannot block teardown.
const controlWriteTimeout = 5 * time.Second

// Run streams messages bidirectionally between client and upstream
// until either side closes or ctx is cancelled. Both connections are
// closed before Run returns. Normal closures are quiet; unexpected
// failures are logged and reported to the client with close code 1011.
func Run(ctx context.Context, logger *slog.Logger, client, upstream *websocket.Conn) {
	if logger == nil {
		logger = slog.Default()
	}

	// Client pings and pongs are relayed upstream so end-to-end
	// keepalives keep working; the bridge adds none of its own.
	client.SetPingHandler(func(appData string) error {
		return upstream.WriteControl(websocket.PingMessage, []byte(appData), time.Now().Add(controlWriteTimeout))
	})
	client.SetPongHandler(func(appData string) error {
		return upstream.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteTimeout))
	})

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- forward(client, upstream)
	}()
	go func() {
		defer wg.Done()
		errCh <- forward(upstream, client)
	}()

	var first error
	select {
	case first = <-errCh:
	case <-ctx.Done():
		first = ctx.Err()
	}

	if first != nil && !isExpectedClose(first) {
		logger.Warn("websocket bridge failure", "error", first)
		closeWith(client, websocket.CloseInternalServerErr, "bridge_error")
	} else {
		closeWith(client, websocket.CloseNormalClosure, "")
	}
	closeWith(upstream, websocket.CloseNormalClosure, "")

	// Closing both connections unblocks the peer forwarder.
	client.Close()
	upstream.Close()
	wg.Wait()
}

func forward(src, dst *websocket.Conn) error {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, data); err != nil {
			return err
		}
	}
}

// isExpectedClose separates deliberate terminations from transport
// failures. A received close frame counts regardless of its code: the
// peer that sent it already told its side why.
func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(controlWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
