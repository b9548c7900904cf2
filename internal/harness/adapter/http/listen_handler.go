package http

import (
	"context"
	stderrors "errors"
	"sync"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/shared/contextkeys"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Listen protocol actions and message types.
const (
	ActionListen   = "listen"
	ActionUnlisten = "unlisten"

	MessageSnapshot = "snapshot"
	MessageError    = "error"
)

// ListenRequest is sent by the client. Query is required for listen.
type ListenRequest struct {
	Action string       `json:"action"`
	ID     string       `json:"id"`
	Query  *model.Query `json:"query,omitempty"`
}

// ListenMessage is sent by the server. An error message with an ID ends that
// listener; one without an ID rejects a malformed request.
type ListenMessage struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
	Error    *ErrorResponse  `json:"error,omitempty"`
	Status   int             `json:"status,omitempty"`
}

func (s *Server) upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *Server) listenHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		ctx := context.Background()
		if subject, ok := conn.Locals(localSubject).(string); ok {
			ctx = context.WithValue(ctx, contextkeys.SubjectKey, subject)
		}
		if runID, ok := conn.Locals(localRunID).(string); ok && runID != "" {
			ctx = context.WithValue(ctx, contextkeys.RunIDKey, runID)
		}
		ctx = context.WithValue(ctx, contextkeys.RequestIDKey, uuid.NewString())
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		sess := &listenSession{
			conn:      conn,
			backend:   s.backend,
			listeners: make(map[string]repository.Listener),
			log:       s.log.WithContext(ctx),
		}
		defer sess.stopAll()
		sess.serve(ctx)
	})
}

// listenSession multiplexes the listeners of one websocket connection.
type listenSession struct {
	conn    *websocket.Conn
	backend repository.Backend

	mu        sync.Mutex
	listeners map[string]repository.Listener

	writeMu sync.Mutex
	wg      sync.WaitGroup

	log logger.Logger
}

func (ls *listenSession) serve(ctx context.Context) {
	ls.log.Debugf("listen connection opened")
	for {
		var req ListenRequest
		if err := ls.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ls.log.WithFields(map[string]interface{}{"error": err}).Warn("Listen connection read failed")
			}
			return
		}
		switch req.Action {
		case ActionListen:
			ls.start(ctx, req)
		case ActionUnlisten:
			ls.stop(req.ID)
		default:
			ls.fail(req.ID, errors.NewValidationError("unknown action "+req.Action))
		}
	}
}

func (ls *listenSession) start(ctx context.Context, req ListenRequest) {
	if req.ID == "" || req.Query == nil {
		ls.fail("", errors.NewValidationError("listen needs an id and a query"))
		return
	}
	ls.mu.Lock()
	_, dup := ls.listeners[req.ID]
	ls.mu.Unlock()
	if dup {
		ls.fail("", errors.NewValidationError("listener "+req.ID+" already exists"))
		return
	}

	l, err := ls.backend.Listen(ctx, *req.Query)
	if err != nil {
		ls.fail(req.ID, err)
		return
	}
	ls.mu.Lock()
	ls.listeners[req.ID] = l
	ls.mu.Unlock()

	ls.wg.Add(1)
	go ls.forward(req.ID, l)
}

func (ls *listenSession) forward(id string, l repository.Listener) {
	defer ls.wg.Done()
	for snap := range l.Snapshots() {
		if err := ls.send(ListenMessage{Type: MessageSnapshot, ID: id, Snapshot: snap}); err != nil {
			ls.log.WithFields(map[string]interface{}{
				"listener_id": id,
				"error":       err,
			}).Warn("Dropping listener")
			l.Stop()
		}
	}

	ls.mu.Lock()
	_, active := ls.listeners[id]
	delete(ls.listeners, id)
	ls.mu.Unlock()

	err := l.Err()
	if active && err != nil && !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, errors.ErrListenerDone) {
		ls.fail(id, err)
	}
}

func (ls *listenSession) stop(id string) {
	ls.mu.Lock()
	l, ok := ls.listeners[id]
	delete(ls.listeners, id)
	ls.mu.Unlock()
	if ok {
		l.Stop()
	}
}

func (ls *listenSession) stopAll() {
	ls.mu.Lock()
	all := ls.listeners
	ls.listeners = make(map[string]repository.Listener)
	ls.mu.Unlock()
	for _, l := range all {
		l.Stop()
	}
	ls.wg.Wait()
	ls.log.Debugf("listen connection closed")
}

func (ls *listenSession) fail(id string, err error) {
	status, body := errorBody(err)
	msg := ListenMessage{Type: MessageError, ID: id, Error: &body, Status: status}
	if sendErr := ls.send(msg); sendErr != nil {
		ls.log.Debugf("could not report %v: %v", err, sendErr)
	}
}

func (ls *listenSession) send(msg ListenMessage) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	return ls.conn.WriteJSON(msg)
}
