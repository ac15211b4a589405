// Package localserver implements an offline replacement for the
// Runtime API: it serves the same /next, /response, and /error
// endpoints as the real control plane, plus a developer-facing /invoke
// endpoint that feeds a payload into the loop and blocks until the
// handler's result is available.
package localserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const apiVersion = "2018-06-01"

// Config configures the local server's bind address and test-only
// behaviour.
type Config struct {
	Host           string
	Port           string
	InvokePath     string // default "/invoke"
	MaxInvocations int    // 0 = unbounded
	Mode           string // "", "string", or "json" — canned /next payloads for perf tests
}

type pendingInvocation struct {
	requestID          string
	deadlineMS         int64
	invokedFunctionARN string
	event              []byte
}

type terminalResult struct {
	statusCode int
	body       []byte
}

// Server is the local, in-process stand-in for the Runtime API.
type Server struct {
	cfg    Config
	router chi.Router

	mu      sync.Mutex
	waiters map[string]chan terminalResult

	queue chan pendingInvocation

	invocationCount int32
}

// New constructs a Server. Call ListenAndServe to run it.
func New(cfg Config) *Server {
	if cfg.InvokePath == "" {
		cfg.InvokePath = "/invoke"
	}

	s := &Server{
		cfg:     cfg,
		waiters: make(map[string]chan terminalResult),
		queue:   make(chan pendingInvocation, 64),
	}

	r := chi.NewRouter()
	r.Get("/"+apiVersion+"/runtime/invocation/next", s.handleNext)
	r.Post("/"+apiVersion+"/runtime/invocation/{requestId}/response", s.handleResponse)
	r.Post("/"+apiVersion+"/runtime/invocation/{requestId}/error", s.handleInvocationError)
	r.Post("/"+apiVersion+"/runtime/init/error", s.handleInitError)
	r.Post(cfg.InvokePath, s.handleInvoke)
	s.router = r

	return s
}

// Addr is the host:port the server binds to.
func (s *Server) Addr() string {
	return s.cfg.Host + ":" + s.cfg.Port
}

// ListenAndServe runs the local server until ctx is cancelled, a fatal
// listener error occurs, or (if MaxInvocations > 0) that many /invoke
// cycles have completed.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    s.Addr(),
		Handler: s.router,
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.reachedMaxInvocations(done):
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	err := httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// reachedMaxInvocations returns a channel that closes once
// s.cfg.MaxInvocations cycles have completed, or never if unbounded.
func (s *Server) reachedMaxInvocations(done <-chan struct{}) <-chan struct{} {
	ch := make(chan struct{})
	if s.cfg.MaxInvocations <= 0 {
		return ch
	}
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if s.InvocationCount() >= s.cfg.MaxInvocations {
					close(ch)
					return
				}
			}
		}
	}()
	return ch
}

// Handler exposes the underlying http.Handler, e.g. for httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleNext implements GET invocation/next. In canned MODE it returns
// synthetic payloads immediately (test-only, never on by default);
// otherwise it blocks until /invoke enqueues an invocation.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Mode != "" {
		s.writeCannedNext(w)
		return
	}

	select {
	case inv := <-s.queue:
		s.writeNext(w, inv)
	case <-r.Context().Done():
	}
}

func (s *Server) writeCannedNext(w http.ResponseWriter) {
	requestID := uuid.NewString()

	var payload []byte
	switch s.cfg.Mode {
	case "string":
		payload, _ = json.Marshal(requestID)
	case "json":
		payload, _ = json.Marshal(map[string]string{"name": requestID})
	default:
		payload = []byte(`null`)
	}

	s.writeNext(w, pendingInvocation{
		requestID:          requestID,
		deadlineMS:         time.Now().Add(15 * time.Minute).UnixMilli(),
		invokedFunctionARN: syntheticARN,
		event:              payload,
	})
}

const syntheticARN = "arn:aws:lambda:local:000000000000:function:local"

func (s *Server) writeNext(w http.ResponseWriter, inv pendingInvocation) {
	h := w.Header()
	h.Set("Lambda-Runtime-Aws-Request-Id", inv.requestID)
	h.Set("Lambda-Runtime-Deadline-Ms", fmt.Sprintf("%d", inv.deadlineMS))
	h.Set("Lambda-Runtime-Invoked-Function-Arn", inv.invokedFunctionARN)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(inv.event)
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.deliver(requestID, terminalResult{statusCode: http.StatusOK, body: body})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInvocationError(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.deliver(requestID, terminalResult{statusCode: http.StatusInternalServerError, body: body})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInitError(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = body // discarded: no /invoke caller is waiting on init/error
	w.WriteHeader(http.StatusAccepted)
}

// handleInvoke enqueues the request body as an invocation with
// synthesised metadata and blocks the client connection open until the
// loop's terminal POST for that request id arrives.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	resultCh := make(chan terminalResult, 1)

	s.mu.Lock()
	s.waiters[requestID] = resultCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, requestID)
		s.mu.Unlock()
	}()

	select {
	case s.queue <- pendingInvocation{
		requestID:          requestID,
		deadlineMS:         time.Now().Add(15 * time.Minute).UnixMilli(),
		invokedFunctionARN: syntheticARN,
		event:              body,
	}:
	case <-r.Context().Done():
		return
	}

	select {
	case result := <-resultCh:
		atomic.AddInt32(&s.invocationCount, 1)
		w.WriteHeader(result.statusCode)
		_, _ = w.Write(result.body)
	case <-r.Context().Done():
	}
}

// InvocationCount reports how many /invoke cycles have completed,
// letting a MAX_INVOCATIONS-bounded perf test know when to stop.
func (s *Server) InvocationCount() int {
	return int(atomic.LoadInt32(&s.invocationCount))
}

func (s *Server) deliver(requestID string, result terminalResult) {
	s.mu.Lock()
	ch, ok := s.waiters[requestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	ch <- result
}
