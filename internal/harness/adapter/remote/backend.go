// Package remote implements repository.Backend against a fixture server
// reachable over HTTP, so the harness can drive a backend living in another
// process (an emulator host, a CI sidecar or `harness serve`).
package remote

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	fixture "firestore-harness/internal/harness/adapter/http"
	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/firestore"
	"firestore-harness/internal/shared/logger"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
)

const (
	Name           = "remote"
	DefaultTimeout = 30 * time.Second
	userAgent      = "firestore-harness/remote"
)

// Backend talks to a fixture server. Writes and queries are plain REST
// calls; every listener holds its own websocket.
type Backend struct {
	baseURL    string
	listenPath string
	token      string
	timeout    time.Duration
	client     *fiber.Client
	dialer     *websocket.Dialer
	log        logger.Logger

	mu        sync.Mutex
	listeners map[*listener]struct{}
	closed    bool
}

var _ repository.Backend = (*Backend)(nil)

// Option customizes a Backend.
type Option func(*Backend)

// WithToken sends token as a bearer credential on every call.
func WithToken(token string) Option {
	return func(b *Backend) { b.token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func WithListenPath(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.listenPath = path
		}
	}
}

// NewBackend targets the fixture server at baseURL ("http://host:port").
func NewBackend(baseURL string, log logger.Logger, opts ...Option) (*Backend, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.NewValidationError("invalid fixture server URL " + baseURL)
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	b := &Backend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		listenPath: fixture.DefaultListenPath,
		timeout:    DefaultTimeout,
		client:     &fiber.Client{UserAgent: userAgent},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		listeners: make(map[*listener]struct{}),
		log:       log.WithComponent("remote-backend"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Backend) Name() string { return Name }

// Ping checks /health on the fixture server.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.do(ctx, fiber.MethodGet, "/health", nil, nil); err != nil {
		return errors.NewUnavailableError("fixture server at " + b.baseURL + " is unavailable").WithCause(err)
	}
	return nil
}

// Close stops every open listener. The server keeps its data.
func (b *Backend) Close(context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	open := b.listeners
	b.listeners = make(map[*listener]struct{})
	b.mu.Unlock()

	for l := range open {
		l.Stop()
	}
	return nil
}

func (b *Backend) GetDocument(ctx context.Context, path string) (*model.Document, error) {
	route, err := documentRoute(path)
	if err != nil {
		return nil, err
	}
	var doc model.Document
	if err := b.do(ctx, fiber.MethodGet, route, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (b *Backend) CreateDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error) {
	return b.write(ctx, fiber.MethodPost, path, fields)
}

func (b *Backend) SetDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error) {
	return b.write(ctx, fiber.MethodPut, path, fields)
}

func (b *Backend) UpdateDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error) {
	return b.write(ctx, fiber.MethodPatch, path, fields)
}

func (b *Backend) DeleteDocument(ctx context.Context, path string) error {
	route, err := documentRoute(path)
	if err != nil {
		return err
	}
	return b.do(ctx, fiber.MethodDelete, route, nil, nil)
}

func (b *Backend) write(ctx context.Context, method, path string, fields map[string]model.Value) (*model.Document, error) {
	route, err := documentRoute(path)
	if err != nil {
		return nil, err
	}
	var doc model.Document
	if err := b.do(ctx, method, route, fixture.DocumentRequest{Fields: fields}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// RunQuery validates locally before sending so malformed queries never
// leave the process.
func (b *Backend) RunQuery(ctx context.Context, q model.Query) ([]*model.Document, error) {
	if err := q.Err(); err != nil {
		return nil, err
	}
	var resp fixture.QueryResponse
	if err := b.do(ctx, fiber.MethodPost, "/v1/query", q, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

func (b *Backend) ExecutePipeline(ctx context.Context, p model.Pipeline) ([]*model.Document, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var resp fixture.QueryResponse
	if err := b.do(ctx, fiber.MethodPost, "/v1/pipeline", p, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// do sends one JSON request and decodes the response into out. Error
// responses become AppErrors carrying the server's type and code.
func (b *Backend) do(ctx context.Context, method, route string, in, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var a *fiber.Agent
	target := b.baseURL + route
	switch method {
	case fiber.MethodGet:
		a = b.client.Get(target)
	case fiber.MethodPost:
		a = b.client.Post(target)
	case fiber.MethodPut:
		a = b.client.Put(target)
	case fiber.MethodPatch:
		a = b.client.Patch(target)
	case fiber.MethodDelete:
		a = b.client.Delete(target)
	default:
		return errors.NewInternalError("unsupported method " + method)
	}

	a.Timeout(b.requestTimeout(ctx))
	if b.token != "" {
		a.Set(fiber.HeaderAuthorization, "Bearer "+b.token)
	}
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.NewValidationError("encode request: " + err.Error())
		}
		a.ContentType(fiber.MIMEApplicationJSON).Body(raw)
	}

	status, body, errs := a.Bytes()
	if len(errs) > 0 {
		b.log.WithContext(ctx).Debugf("%s %s failed: %v", method, route, errs[0])
		return errors.NewUnavailableError(method + " " + route + ": " + errs[0].Error()).WithCause(errs[0])
	}
	if status >= fiber.StatusBadRequest {
		return responseError(status, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.NewInternalError("decode response of " + method + " " + route + ": " + err.Error())
	}
	return nil
}

func (b *Backend) requestTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < b.timeout {
			return d
		}
	}
	return b.timeout
}

func responseError(status int, body []byte) error {
	var resp fixture.ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Message == "" {
		resp.Message = strings.TrimSpace(string(body))
		if resp.Message == "" {
			resp.Message = fiber.ErrInternalServerError.Message
		}
	}
	return remoteError(status, &resp)
}

func remoteError(status int, resp *fixture.ErrorResponse) *errors.AppError {
	if resp == nil {
		return errors.FromHTTPStatus(status, "remote error")
	}
	err := errors.FromHTTPStatus(status, resp.Message)
	if resp.Code != "" {
		err = err.WithCode(resp.Code)
	}
	return err
}

// documentRoute escapes each path segment; IDs may contain characters that
// are meaningful in URLs.
func documentRoute(path string) (string, error) {
	if err := firestore.ValidateDocumentPath(path); err != nil {
		return "", err
	}
	segs := firestore.Segments(path)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "/v1/documents/" + strings.Join(segs, "/"), nil
}

func (b *Backend) track(l *listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.listeners[l] = struct{}{}
	return true
}

func (b *Backend) untrack(l *listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
}
