package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

// clientWriter is the single writer goroutine for one connection. All
// outbound frames for a connection pass through its send channel, which is
// what preserves per-connection message order.
type clientWriter struct {
	conn     Conn
	clock    clockwork.Clock
	sendCh   chan []byte
	pingCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	onError  func()
}

func newClientWriter(conn Conn, clock clockwork.Clock, onError func()) *clientWriter {
	cw := &clientWriter{
		conn:    conn,
		clock:   clock,
		sendCh:  make(chan []byte, messageBufferSize),
		pingCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
		onError: onError,
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			cw.updateWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				cw.fail()
				return
			}
		case <-cw.pingCh:
			cw.updateWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cw.fail()
				return
			}
		case <-cw.doneCh:
			return
		}
	}
}

// ping requests a ping frame. Coalesces if one is already pending.
func (cw *clientWriter) ping() {
	select {
	case cw.pingCh <- struct{}{}:
	default:
	}
}

func (cw *clientWriter) fail() {
	if cw.onError != nil {
		go cw.onError()
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)

		// Wait for the run goroutine to exit before writing the close
		// frame, otherwise we could write concurrently.
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}
