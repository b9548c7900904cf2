package remote

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	fixture "firestore-harness/internal/harness/adapter/http"
	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"

	"github.com/fasthttp/websocket"
)

// listenID names the single listener carried by each connection.
const listenID = "1"

// Listen opens a websocket, subscribes q and returns once the request is
// sent. Rejections by the server arrive as the listener's terminal error.
func (b *Backend) Listen(ctx context.Context, q model.Query) (repository.Listener, error) {
	if err := q.Err(); err != nil {
		return nil, err
	}
	target, err := b.listenURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{"User-Agent": {userAgent}}
	if b.token != "" {
		header.Set("Authorization", "Bearer "+b.token)
	}

	conn, resp, err := b.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, remoteError(resp.StatusCode, &fixture.ErrorResponse{Message: "listen handshake rejected: " + resp.Status})
		}
		return nil, errors.NewUnavailableError("dial " + target + ": " + err.Error()).WithCause(err)
	}
	if err := conn.WriteJSON(fixture.ListenRequest{Action: fixture.ActionListen, ID: listenID, Query: &q}); err != nil {
		conn.Close()
		return nil, errors.NewUnavailableError("send listen request: " + err.Error()).WithCause(err)
	}

	l := &listener{
		conn:  conn,
		in:    make(chan fixture.ListenMessage),
		stop:  make(chan struct{}),
		out:   make(chan *model.Snapshot),
		done:  make(chan struct{}),
		owner: b,
		log:   b.log.WithFields(map[string]interface{}{"query": q.String()}),
	}
	if !b.track(l) {
		conn.Close()
		return nil, errors.NewUnavailableError("remote backend closed").WithCause(errors.ErrBackendClosed)
	}
	go l.read()
	go l.run(ctx)
	return l, nil
}

func (b *Backend) listenURL() (string, error) {
	u, err := url.Parse(b.baseURL + b.listenPath)
	if err != nil {
		return "", errors.NewValidationError("invalid listen URL: " + err.Error())
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if b.token != "" {
		query := u.Query()
		query.Set("access_token", b.token)
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// listener relays server messages into an unbounded mailbox, mirroring the
// in-process listeners: a slow consumer delays nothing but itself.
type listener struct {
	conn  *websocket.Conn
	in    chan fixture.ListenMessage
	stop  chan struct{}
	out   chan *model.Snapshot
	done  chan struct{}
	owner *Backend
	log   logger.Logger

	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (l *listener) Snapshots() <-chan *model.Snapshot { return l.out }

func (l *listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *listener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *listener) setErr(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
}

// read pumps frames until the connection closes. A read failure is relayed
// as an unavailable error message.
func (l *listener) read() {
	for {
		var msg fixture.ListenMessage
		if err := l.conn.ReadJSON(&msg); err != nil {
			msg = fixture.ListenMessage{Type: fixture.MessageError, Error: &fixture.ErrorResponse{Message: err.Error()}, Status: http.StatusServiceUnavailable}
			select {
			case l.in <- msg:
			case <-l.done:
			}
			return
		}
		select {
		case l.in <- msg:
		case <-l.done:
			return
		}
	}
}

func (l *listener) run(ctx context.Context) {
	defer func() {
		l.closeConn()
		close(l.out)
		close(l.done)
		l.owner.untrack(l)
	}()

	var mailbox []*model.Snapshot
	for {
		var out chan *model.Snapshot
		var head *model.Snapshot
		if len(mailbox) > 0 {
			out, head = l.out, mailbox[0]
		}
		select {
		case <-ctx.Done():
			l.setErr(ctx.Err())
			return
		case <-l.stop:
			return
		case msg := <-l.in:
			switch msg.Type {
			case fixture.MessageSnapshot:
				if msg.Snapshot != nil {
					mailbox = append(mailbox, msg.Snapshot)
				}
			case fixture.MessageError:
				err := remoteError(msg.Status, msg.Error)
				l.log.WithFields(map[string]interface{}{"error": err}).Warn("Remote listener ended")
				l.setErr(err)
				return
			default:
				l.log.Debugf("ignoring listen message of type %q", msg.Type)
			}
		case out <- head:
			mailbox[0] = nil
			mailbox = mailbox[1:]
		}
	}
}

// closeConn says goodbye politely; the server treats a normal closure as
// an unsubscribe of everything on the connection.
func (l *listener) closeConn() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		l.log.Debugf("close frame not sent: %v", err)
	}
	l.conn.Close()
}
