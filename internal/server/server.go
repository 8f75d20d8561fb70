// Package server exposes the operator HTTP surface: manual stage triggers,
// takedown requests, and status endpoints. Trigger endpoints validate input
// synchronously and return a task id immediately; all downstream pipeline
// failures are asynchronous and visible only through status endpoints,
// processing records, and notifications.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dmarchuk/curator/internal/budget"
	"github.com/dmarchuk/curator/internal/model"
	"github.com/dmarchuk/curator/internal/queue"
	"github.com/dmarchuk/curator/internal/repository"
	"github.com/dmarchuk/curator/internal/takedown"
)

// Triggers enqueues manual stage work.
type Triggers interface {
	EnqueueCollect(ctx context.Context, p queue.CollectPayload) (string, error)
	EnqueueProcess(ctx context.Context, p queue.ProcessPayload) (string, error)
	EnqueuePublish(ctx context.Context, p queue.PublishPayload) (string, error)
}

// TakedownRequester accepts external removal requests.
type TakedownRequester interface {
	Request(ctx context.Context, externalID, reason, contact string) (*takedown.Receipt, error)
}

// QueueDepths is the per-queue snapshot served by /status/queues.
type QueueDepths struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Scheduled int `json:"scheduled"`
	Retry     int `json:"retry"`
}

// QueueInspector reads queue statistics.
type QueueInspector interface {
	QueueInfo(ctx context.Context, qname string) (QueueDepths, error)
}

// BudgetReader reads per-service usage.
type BudgetReader interface {
	Usage(ctx context.Context, service string) (budget.Usage, error)
	Services() []string
}

// FailureReader reads trailing failure rates.
type FailureReader interface {
	FailureRate(ctx context.Context, stage model.Stage, window time.Duration) (float64, int64, error)
}

// Options wires the server's collaborators.
type Options struct {
	Address       string
	Triggers      Triggers
	Takedowns     TakedownRequester
	Queues        QueueInspector
	Budgets       BudgetReader
	Failures      FailureReader
	FailureWindow time.Duration
}

// Server is the operator-facing HTTP server.
type Server struct {
	opts   Options
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.opts.Address,
			Handler: loggingMiddleware(s.Handler()),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.opts.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/tasks/collect", s.handleTriggerCollect)
	mux.HandleFunc("/tasks/process", s.handleTriggerProcess)
	mux.HandleFunc("/tasks/publish", s.handleTriggerPublish)
	mux.HandleFunc("/takedowns", s.handleTakedown)
	mux.HandleFunc("/status/queues", s.handleQueueStatus)
	mux.HandleFunc("/status/budgets", s.handleBudgetStatus)
	mux.HandleFunc("/status/failures", s.handleFailureStatus)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTriggerCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p queue.CollectPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.enqueue(w, r, func() (string, error) { return s.opts.Triggers.EnqueueCollect(r.Context(), p) })
}

func (s *Server) handleTriggerProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p queue.ProcessPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.enqueue(w, r, func() (string, error) { return s.opts.Triggers.EnqueueProcess(r.Context(), p) })
}

func (s *Server) handleTriggerPublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p queue.PublishPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.enqueue(w, r, func() (string, error) { return s.opts.Triggers.EnqueuePublish(r.Context(), p) })
}

func (s *Server) enqueue(w http.ResponseWriter, _ *http.Request, fn func() (string, error)) {
	taskID, err := fn()
	if err != nil {
		log.Printf("enqueue failed: %v", err)
		http.Error(w, "failed to queue task", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

type takedownRequest struct {
	ItemExternalID string `json:"itemExternalId"`
	Reason         string `json:"reason"`
	ContactEmail   string `json:"contactEmail"`
}

func (s *Server) handleTakedown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req takedownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ItemExternalID == "" {
		http.Error(w, "itemExternalId required", http.StatusBadRequest)
		return
	}
	receipt, err := s.opts.Takedowns.Request(r.Context(), req.ItemExternalID, req.Reason, req.ContactEmail)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "item not found", http.StatusNotFound)
			return
		}
		log.Printf("takedown request failed: %v", err)
		http.Error(w, "failed to request takedown", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := map[string]QueueDepths{}
	for _, q := range []string{queue.QueueCollect, queue.QueueProcess, queue.QueuePublish, queue.QueueTakedown} {
		info, err := s.opts.Queues.QueueInfo(r.Context(), q)
		if err != nil {
			log.Printf("queue status %s: %v", q, err)
			continue
		}
		out[q] = info
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var out []budget.Usage
	for _, svc := range s.opts.Budgets.Services() {
		u, err := s.opts.Budgets.Usage(r.Context(), svc)
		if err != nil {
			log.Printf("budget status %s: %v", svc, err)
			continue
		}
		out = append(out, u)
	}
	respondJSON(w, http.StatusOK, out)
}

type failureStatus struct {
	Stage    model.Stage `json:"stage"`
	Rate     float64     `json:"rate"`
	Attempts int64       `json:"attempts"`
}

func (s *Server) handleFailureStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var out []failureStatus
	for _, stage := range []model.Stage{model.StageCollect, model.StageProcess, model.StagePublish, model.StageUnpublish} {
		rate, total, err := s.opts.Failures.FailureRate(r.Context(), stage, s.opts.FailureWindow)
		if err != nil {
			log.Printf("failure status %s: %v", stage, err)
			continue
		}
		out = append(out, failureStatus{Stage: stage, Rate: rate, Attempts: total})
	}
	respondJSON(w, http.StatusOK, out)
}

// AsynqInspector adapts an asynq inspector to QueueInspector.
type AsynqInspector struct {
	ins *asynq.Inspector
}

// NewAsynqInspector wraps an asynq inspector.
func NewAsynqInspector(ins *asynq.Inspector) *AsynqInspector {
	return &AsynqInspector{ins: ins}
}

// QueueInfo returns the depth snapshot of one queue.
func (a *AsynqInspector) QueueInfo(_ context.Context, qname string) (QueueDepths, error) {
	info, err := a.ins.GetQueueInfo(qname)
	if err != nil {
		return QueueDepths{}, err
	}
	return QueueDepths{
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
	}, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
