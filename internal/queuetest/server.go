// Package queuetest runs an in-process prediction app that speaks the same
// config, direct and queue protocols as a real server. Tests script the
// app's functions and inspect how often each route was hit.
package queuetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mimir-aip/predict-client/pkg/models"
)

// Fn is one function exposed by the fake app
type Fn struct {
	APIName    string // empty sends null
	Hidden     bool   // sends api_name false
	Inputs     []string
	Outputs    []string
	Queue      *bool // nil follows the app default
	Generator  bool
	Continuous bool
	Run        func(ctx context.Context, call *Call) ([]any, error)
}

// Call is a running invocation as seen by a Fn
type Call struct {
	FnIndex     int
	SessionHash string
	Data        []any

	emit func(models.ServerMessage) error
}

// Yield sends an intermediate output. It is a no-op for direct calls.
func (c *Call) Yield(values ...any) error {
	output, err := encodeOutput(values)
	if err != nil {
		return err
	}
	output.IsGenerating = true
	return c.emit(models.ServerMessage{Msg: models.MessageProcessGenerating, Output: output, Success: models.Ptr(true)})
}

// Progress reports progress units to the client
func (c *Call) Progress(units ...models.ProgressUnit) error {
	return c.emit(models.ServerMessage{Msg: models.MessageProgress, ProgressData: units})
}

// Log sends a log line to the client
func (c *Call) Log(level, message string) error {
	return c.emit(models.ServerMessage{Msg: models.MessageLog, Level: level, Log: message})
}

// Option configures a Server
type Option func(*Server)

// WithoutQueue makes functions without an explicit Queue setting direct
func WithoutQueue() Option {
	return func(s *Server) { s.enableQueue = false }
}

// WithConcurrency limits how many queued calls run at once. Calls over the
// limit wait in the queue and receive estimation messages.
func WithConcurrency(n int) Option {
	return func(s *Server) { s.slots = make(chan struct{}, n) }
}

// WithQueueFull makes every join answer queue_full
func WithQueueFull() Option {
	return func(s *Server) { s.queueFull = true }
}

// WithRawMessages replaces the queue conversation with a fixed script of
// frames written verbatim after the data frame arrives
func WithRawMessages(frames ...string) Option {
	return func(s *Server) { s.raw = frames }
}

type sessionKey struct {
	fnIndex     int
	sessionHash string
}

// Server is the fake app. Counters are safe to read while calls run.
type Server struct {
	*httptest.Server

	ConfigCalls  atomic.Int64
	PredictCalls atomic.Int64
	JoinCalls    atomic.Int64
	ResetCalls   atomic.Int64

	fns         []Fn
	enableQueue bool
	queueFull   bool
	raw         []string
	slots       chan struct{}
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	nextID   int64
	waiting  int
	running  map[sessionKey]map[int64]context.CancelFunc
	sessions []string
	headers  []http.Header
}

// New starts a fake app serving fns and stops it when the test ends
func New(t testing.TB, fns []Fn, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		fns:         fns,
		enableQueue: true,
		slots:       make(chan struct{}, 8),
		running:     make(map[sessionKey]map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(s.recordRequest)
	e.GET("/config", s.handleConfig)
	e.POST("/run/predict", s.handlePredict)
	e.GET("/queue/join", s.handleJoin)
	e.POST("/reset", s.handleReset)

	s.Server = httptest.NewServer(e)
	t.Cleanup(s.Close)
	return s
}

// Sessions returns every session hash that sent data, in arrival order
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sessions...)
}

// Headers returns the headers of every request received
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// Running returns the number of queued calls that joined and have not
// ended yet
func (s *Server) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, calls := range s.running {
		n += len(calls)
	}
	return n
}

func (s *Server) recordRequest(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		s.headers = append(s.headers, c.Request().Header.Clone())
		s.mu.Unlock()
		return next(c)
	}
}

func (s *Server) handleConfig(c echo.Context) error {
	s.ConfigCalls.Add(1)
	return c.JSON(http.StatusOK, s.appConfig())
}

func (s *Server) appConfig() models.AppConfig {
	cfg := models.AppConfig{Version: "3.50.2", EnableQueue: s.enableQueue}
	nextID := 0
	component := func(kind string) int {
		id := nextID
		nextID++
		cfg.Components = append(cfg.Components, models.Component{ID: id, Type: kind})
		return id
	}

	for i, fn := range s.fns {
		dep := models.Dependency{
			ID:        i,
			APIName:   models.APIName{Name: fn.APIName, Hidden: fn.Hidden},
			Queue:     fn.Queue,
			BackendFn: true,
			Inputs:    []int{},
			Outputs:   []int{},
			Types:     models.DependencyTypes{Continuous: fn.Continuous, Generator: fn.Generator},
		}
		for _, kind := range fn.Inputs {
			dep.Inputs = append(dep.Inputs, component(kind))
		}
		for _, kind := range fn.Outputs {
			dep.Outputs = append(dep.Outputs, component(kind))
		}
		cfg.Dependencies = append(cfg.Dependencies, dep)
	}
	return cfg
}

func (s *Server) fn(index int) (Fn, bool) {
	if index < 0 || index >= len(s.fns) {
		return Fn{}, false
	}
	return s.fns[index], true
}

func (s *Server) handlePredict(c echo.Context) error {
	s.PredictCalls.Add(1)

	var frame models.DataFrame
	if err := c.Bind(&frame); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	fn, ok := s.fn(frame.FnIndex)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "function not found"})
	}
	s.recordSession(frame.SessionHash)

	call := &Call{
		FnIndex:     frame.FnIndex,
		SessionHash: frame.SessionHash,
		Data:        frame.Data,
		emit:        func(models.ServerMessage) error { return nil },
	}
	started := time.Now()
	values, err := s.run(c.Request().Context(), fn, call)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	output, err := encodeOutput(values)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	output.Duration = time.Since(started).Seconds()
	return c.JSON(http.StatusOK, output)
}

func (s *Server) handleReset(c echo.Context) error {
	s.ResetCalls.Add(1)

	var frame models.HashFrame
	if err := c.Bind(&frame); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	s.mu.Lock()
	var cancels []context.CancelFunc
	for _, cancel := range s.running[sessionKey{frame.FnIndex, frame.SessionHash}] {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleJoin(c echo.Context) error {
	s.JoinCalls.Add(1)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	if s.queueFull {
		return send(models.ServerMessage{Msg: models.MessageQueueFull})
	}

	if err := send(models.ServerMessage{Msg: models.MessageSendHash}); err != nil {
		return nil
	}
	var hash models.HashFrame
	if err := conn.ReadJSON(&hash); err != nil {
		return nil
	}
	// Like a real app, announce the position before asking for the data.
	if err := send(s.estimate()); err != nil {
		return nil
	}
	if err := send(models.ServerMessage{Msg: models.MessageSendData}); err != nil {
		return nil
	}
	var frame models.DataFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil
	}
	s.recordSession(frame.SessionHash)

	if s.raw != nil {
		for _, raw := range s.raw {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte(raw))
			writeMu.Unlock()
			if err != nil {
				return nil
			}
		}
		conn.ReadMessage()
		return nil
	}

	fn, ok := s.fn(frame.FnIndex)
	if !ok {
		send(models.ServerMessage{Msg: models.MessageProcessCompleted, Success: models.Ptr(false), Output: &models.Output{Error: models.Ptr("function not found")}})
		return nil
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	key := sessionKey{frame.FnIndex, frame.SessionHash}

	// The client never writes after the data frame, so a failed read means
	// it went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	id := s.register(key, cancel)
	defer s.forget(key, id)
	if !s.acquire(ctx, send) {
		return nil
	}
	defer func() { <-s.slots }()

	if err := send(models.ServerMessage{Msg: models.MessageProcessStarts, ETA: models.Ptr(0.5)}); err != nil {
		return nil
	}

	call := &Call{
		FnIndex:     frame.FnIndex,
		SessionHash: frame.SessionHash,
		Data:        frame.Data,
		emit:        func(msg models.ServerMessage) error { return send(msg) },
	}
	started := time.Now()
	values, err := s.run(ctx, fn, call)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		send(models.ServerMessage{Msg: models.MessageProcessCompleted, Success: models.Ptr(false), Output: &models.Output{Error: models.Ptr(err.Error())}})
		return nil
	}
	output, err := encodeOutput(values)
	if err != nil {
		return err
	}
	output.Duration = time.Since(started).Seconds()
	send(models.ServerMessage{Msg: models.MessageProcessCompleted, Success: models.Ptr(true), Output: output})

	// Give the client the chance to close first.
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	return nil
}

func (s *Server) register(key sessionKey, cancel context.CancelFunc) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if s.running[key] == nil {
		s.running[key] = make(map[int64]context.CancelFunc)
	}
	s.running[key][s.nextID] = cancel
	return s.nextID
}

func (s *Server) forget(key sessionKey, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running[key], id)
	if len(s.running[key]) == 0 {
		delete(s.running, key)
	}
}

// estimate reports where a call joining now would stand
func (s *Server) estimate() models.ServerMessage {
	s.mu.Lock()
	rank := s.waiting
	s.mu.Unlock()
	size := rank + 1
	eta := float64(size) * 0.5
	return models.ServerMessage{Msg: models.MessageEstimation, Rank: &rank, QueueSize: &size, RankETA: &eta}
}

// acquire waits for a free slot, sending estimation messages while queued
func (s *Server) acquire(ctx context.Context, send func(any) error) bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
	}

	s.mu.Lock()
	s.waiting++
	rank := s.waiting - 1
	size := s.waiting
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiting--
		s.mu.Unlock()
	}()

	eta := float64(rank+1) * 0.5
	estimate := models.ServerMessage{Msg: models.MessageEstimation, Rank: &rank, QueueSize: &size, RankETA: &eta}
	if err := send(estimate); err != nil {
		return false
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case s.slots <- struct{}{}:
			return true
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if err := send(estimate); err != nil {
				return false
			}
		}
	}
}

func (s *Server) run(ctx context.Context, fn Fn, call *Call) (values []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	if fn.Run == nil {
		return nil, errors.New("function has no implementation")
	}
	return fn.Run(ctx, call)
}

func (s *Server) recordSession(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, hash)
}

func encodeOutput(values []any) (*models.Output, error) {
	output := &models.Output{Data: make([]json.RawMessage, 0, len(values))}
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode output: %w", err)
		}
		output.Data = append(output.Data, raw)
	}
	return output, nil
}
