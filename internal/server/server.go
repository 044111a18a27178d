package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"

	"github.com/utat-ss/test-software/internal/config"
	"github.com/utat-ss/test-software/internal/exchange"
	"github.com/utat-ss/test-software/internal/protocol"
	"github.com/utat-ss/test-software/internal/store"
)

// HistoryStore persists exchange records
type HistoryStore interface {
	Record(ctx context.Context, rec *store.ExchangeRecord) error
	Recent(ctx context.Context, limit int, outcome string) ([]store.ExchangeRecord, error)
}

// ShadowStore mirrors station state for other services
type ShadowStore interface {
	Register(ctx context.Context, transportKind, framing string) error
	UpdateStats(ctx context.Context, stats exchange.EngineStats, lastOutcome string) error
	Unregister(ctx context.Context) error
}

// Publisher emits events; *nats.Conn satisfies it
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Deps are the optional collaborators. Nil fields are disabled.
type Deps struct {
	History HistoryStore
	Shadow  ShadowStore
	Events  Publisher
	NATS    *nats.Conn
}

// Server exposes the exchange engine to operators. A single worker
// goroutine owns the engine, so exchanges run strictly one at a time no
// matter how many HTTP or NATS callers are waiting.
type Server struct {
	config  *config.Config
	engine  *exchange.Engine
	jobs    chan func(*exchange.Engine)
	history HistoryStore
	shadow  ShadowStore
	events  Publisher
	nats    *nats.Conn
	hub     *WSHub
	router  *gin.Engine
	http    *http.Server
	sub     *nats.Subscription

	// intake closes first on Stop; the worker then finishes its current
	// job before ctx, which exchanges run under, is cancelled.
	intake     context.Context
	stopIntake context.CancelFunc
	workerDone chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// CommandRequest is the body of POST /api/v1/commands and of NATS requests
type CommandRequest struct {
	// Opcode is a catalogue name or a number ("PING_OBC", "0x13", "19")
	Opcode      string `json:"opcode" binding:"required"`
	Arg1        uint32 `json:"arg1"`
	Arg2        uint32 `json:"arg2"`
	TimeoutMS   int    `json:"timeout_ms"`
	MaxAttempts int    `json:"max_attempts"`
	// AwaitResponse overrides the engine default when set
	AwaitResponse *bool `json:"await_response,omitempty"`
}

// New creates a server and starts the engine worker and websocket hub
func New(cfg *config.Config, engine *exchange.Engine, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	intake, stopIntake := context.WithCancel(ctx)
	s := &Server{
		config:     cfg,
		engine:     engine,
		jobs:       make(chan func(*exchange.Engine)),
		history:    deps.History,
		shadow:     deps.Shadow,
		events:     deps.Events,
		nats:       deps.NATS,
		hub:        NewWSHub(),
		intake:     intake,
		stopIntake: stopIntake,
		workerDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	if s.events == nil && s.nats != nil {
		s.events = s.nats
	}
	s.router = s.setupRouter()

	go func() {
		defer close(s.workerDone)
		s.runWorker()
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()

	return s
}

// Router returns the HTTP handler
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves HTTP, subscribes to NATS commands and announces the station
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Server] HTTP server error: %v", err)
		}
	}()
	log.Printf("[Server] HTTP API listening on %s", addr)

	if s.nats != nil {
		if err := s.startCommandConsumer(); err != nil {
			return err
		}
	}

	if s.shadow != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := s.shadow.Register(ctx, s.config.Transport.Kind, s.config.Link.Framing)
		cancel()
		if err != nil {
			log.Printf("[Server] %v", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.refreshShadow()
		}()
	}

	return nil
}

// Stop shuts everything down. New work is refused at once; an exchange
// already running is allowed to finish.
func (s *Server) Stop() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.http.Shutdown(ctx)
		cancel()
	}
	if s.shadow != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.shadow.Unregister(ctx)
		cancel()
	}
	s.stopIntake()
	<-s.workerDone
	s.cancel()
	s.wg.Wait()
}

func (s *Server) runWorker() {
	for {
		select {
		case <-s.intake.Done():
			return
		case job := <-s.jobs:
			job(s.engine)
		}
	}
}

// withEngine runs fn on the worker. Once the worker has accepted the job the
// call waits for it to finish, since an exchange cannot be abandoned halfway.
func (s *Server) withEngine(ctx context.Context, fn func(*exchange.Engine)) error {
	done := make(chan struct{})
	job := func(e *exchange.Engine) {
		defer close(done)
		fn(e)
	}

	select {
	case s.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.intake.Done():
		return exchange.ErrEngineClosed
	}
	<-done
	return nil
}

// Execute runs one exchange and fans the result out to history, events,
// websocket clients and the shadow, all on the worker. Request errors are
// returned before any I/O; link failures are reported in the record's outcome.
func (s *Server) Execute(ctx context.Context, req CommandRequest) (*store.ExchangeRecord, error) {
	op, err := protocol.ParseOpcode(req.Opcode)
	if err != nil {
		return nil, &protocol.PreconditionError{Field: "opcode", Reason: err.Error()}
	}
	if req.TimeoutMS < 0 || req.MaxAttempts < 0 {
		return nil, &protocol.PreconditionError{Field: "options", Reason: "timeout_ms and max_attempts must not be negative"}
	}

	opts := exchange.Options{
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxAttempts:   req.MaxAttempts,
		AwaitResponse: req.AwaitResponse,
	}

	var (
		rec  *store.ExchangeRecord
		xerr error
	)
	err = s.withEngine(ctx, func(e *exchange.Engine) {
		start := time.Now()
		var res *exchange.Result
		res, xerr = e.SendAndReceive(s.ctx, op, req.Arg1, req.Arg2, opts)
		if errors.Is(xerr, protocol.ErrPrecondition) {
			return
		}
		rec = store.NewRecord(s.config.StationID, op, req.Arg1, req.Arg2, res, xerr, time.Since(start))
		s.fanOut(rec, e.Stats())
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, xerr
	}
	return rec, nil
}

// ResetCommandID sends the reset request through the worker
func (s *Server) ResetCommandID(ctx context.Context) error {
	var rerr error
	if err := s.withEngine(ctx, func(e *exchange.Engine) {
		rerr = e.ResetCommandID()
	}); err != nil {
		return err
	}
	return rerr
}

// SetPassword changes the OBC password through the worker
func (s *Server) SetPassword(ctx context.Context, password string) error {
	var perr error
	if err := s.withEngine(ctx, func(e *exchange.Engine) {
		perr = e.SetPassword([]byte(password))
	}); err != nil {
		return err
	}
	return perr
}

// Stats reads the engine counters through the worker
func (s *Server) Stats(ctx context.Context) (exchange.EngineStats, error) {
	var stats exchange.EngineStats
	err := s.withEngine(ctx, func(e *exchange.Engine) {
		stats = e.Stats()
	})
	return stats, err
}

// ReportAnomaly publishes replies the engine could not correlate. It is
// installed as the engine's anomaly hook and runs on the worker goroutine.
func (s *Server) ReportAnomaly(err error) {
	payload := map[string]interface{}{
		"station_id": s.config.StationID,
		"error":      err.Error(),
		"timestamp":  time.Now().Unix(),
	}
	s.publish(fmt.Sprintf("obc.%s.anomaly", s.config.StationID), payload)
	s.hub.Broadcast("anomaly", "", payload)
}

func (s *Server) fanOut(rec *store.ExchangeRecord, stats exchange.EngineStats) {
	if s.history != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		if err := s.history.Record(ctx, rec); err != nil {
			log.Printf("[Server] %v", err)
		}
		cancel()
	}

	s.publish(fmt.Sprintf("obc.%s.exchange.%s", s.config.StationID, rec.Outcome), rec)
	s.hub.Broadcast("exchange", rec.Outcome, rec)

	if s.shadow != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		if err := s.shadow.UpdateStats(ctx, stats, rec.Outcome); err != nil {
			log.Printf("[Server] %v", err)
		}
		cancel()
	}

	log.Printf("[Server] Exchange %s: command %d %s -> %s (%d attempt(s), %dms)",
		rec.ID, rec.CommandID, rec.OpcodeName, rec.Outcome, rec.Attempts, rec.DurationMS)
}

func (s *Server) publish(subject string, v interface{}) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Server] Failed to marshal %s event: %v", subject, err)
		return
	}
	if err := s.events.Publish(subject, data); err != nil {
		log.Printf("[Server] Failed to publish %s: %v", subject, err)
	}
}

func (s *Server) refreshShadow() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.Stats(s.ctx)
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			if err := s.shadow.UpdateStats(ctx, stats, ""); err != nil {
				log.Printf("[Server] %v", err)
			}
			cancel()
		}
	}
}
