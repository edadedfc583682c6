package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second

	shutdownFlushTimeout = 250 * time.Millisecond
	maxShutdownFrames    = 32
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	payload []byte
}

// outboundWriter is the only goroutine that writes to the client socket.
// Frames go out in queue order. When ctx ends, frames still queued are
// flushed (bounded by shutdownFlushTimeout) before the close frame.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	frames       <-chan outboundFrame
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	done := context.Background().Done()
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		select {
		case <-done:
			w.shutdown(writeTimeout)
			return nil
		default:
		}

		select {
		case <-done:
		case <-pingTicker.C:
			if err := w.ping(writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.frames:
			if !ok {
				w.frames = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) ping(writeTimeout time.Duration) error {
	return w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
}

func (w *outboundWriter) shutdown(writeTimeout time.Duration) {
	flushTimeout := shutdownFlushTimeout
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)

flush:
	for i := 0; i < maxShutdownFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.frames:
			if !ok {
				break flush
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				break flush
			}
		default:
			break flush
		}
	}
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	_ = w.ws.Close()
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}
