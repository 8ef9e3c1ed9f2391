package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsConn carries one frame per WebSocket text message.
type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) WriteFrame(ctx context.Context, frame []byte) error {
	if w.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.writeTimeout)
		defer cancel()
	}
	return w.c.Write(ctx, websocket.MessageText, frame)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// lineConn carries newline-delimited frames over a byte stream, as MCP stdio
// servers expect. Reads happen on a pump goroutine so ReadFrame honors ctx
// even when the underlying reader cannot be interrupted.
type lineConn struct {
	w      io.Writer
	closer io.Closer

	// jsonOnly drops non-JSON lines (server log output) to the logger.
	jsonOnly bool
	logger   *slog.Logger

	startOnce sync.Once
	r         *bufio.Reader
	lines     chan lineResult

	writeMu sync.Mutex
}

type lineResult struct {
	line []byte
	err  error
}

func newLineConn(r io.Reader, w io.Writer, closer io.Closer) *lineConn {
	return &lineConn{
		r:      bufio.NewReader(r),
		w:      w,
		closer: closer,
		lines:  make(chan lineResult),
		logger: slog.Default(),
	}
}

func (l *lineConn) pump() {
	for {
		line, err := l.r.ReadBytes('\n')
		if len(line) > 0 {
			l.lines <- lineResult{line: line}
		}
		if err != nil {
			l.lines <- lineResult{err: err}
			close(l.lines)
			return
		}
	}
}

func (l *lineConn) ReadFrame(ctx context.Context) ([]byte, error) {
	l.startOnce.Do(func() { go l.pump() })
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-l.lines:
			if !ok {
				return nil, io.EOF
			}
			if res.err != nil {
				return nil, res.err
			}
			line := bytes.TrimRight(res.line, "\r\n")
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if l.jsonOnly && !isJSONFrame(line) {
				l.logger.Info("execution layer output", "line", string(line))
				continue
			}
			return line, nil
		}
	}
}

func (l *lineConn) WriteFrame(_ context.Context, frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := l.w.Write(buf)
	return err
}

func (l *lineConn) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// isClosed reports errors that mean the peer went away.
func isClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		websocket.CloseStatus(err) != -1
}
