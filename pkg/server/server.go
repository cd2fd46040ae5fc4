// Package server wires every component into the running process: HTTP
// upgrade endpoint, message dispatch, and graceful start/stop ordering.
// The addStartFunc/addTerminatingStartFunc accumulation pattern and the
// gorilla/mux routing are grounded on the teacher's bootstrap.Server
// (pilot/pkg/bootstrap/servicecontroller.go); message dispatch by wire
// type is grounded on synckit's Hub.handleMessage switch
// (other_examples/...websocket-hub.go.go).
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/istio-ecosystem/syncmesh/pkg/ack"
	"github.com/istio-ecosystem/syncmesh/pkg/auth"
	"github.com/istio-ecosystem/syncmesh/pkg/awareness"
	"github.com/istio-ecosystem/syncmesh/pkg/batch"
	"github.com/istio-ecosystem/syncmesh/pkg/config"
	"github.com/istio-ecosystem/syncmesh/pkg/errs"
	synclog "github.com/istio-ecosystem/syncmesh/pkg/log"
	"github.com/istio-ecosystem/syncmesh/pkg/metrics"
	"github.com/istio-ecosystem/syncmesh/pkg/pubsub"
	"github.com/istio-ecosystem/syncmesh/pkg/registry"
	"github.com/istio-ecosystem/syncmesh/pkg/security"
	syncpkg "github.com/istio-ecosystem/syncmesh/pkg/sync"
	"github.com/istio-ecosystem/syncmesh/pkg/wire"
)

// startFunc is run at Start; if terminating is true it is expected to
// block until stop closes. Shutdown closes stop but does not wait for a
// terminating function to return.
type startFunc struct {
	fn          func(stop <-chan struct{}) error
	terminating bool
}

// Server is the process orchestrator: it owns the HTTP listener(s), the
// connection registry, and every component in SPEC_FULL.md §2's
// component list.
type Server struct {
	opts config.Options

	registry  *registry.Registry
	coord     *syncpkg.Coordinator
	scheduler *batch.Scheduler
	acks      *ack.Tracker
	presence  *awareness.Manager
	verifier  auth.Verifier
	publisher pubsub.Publisher
	limiter   *security.RateLimiter
	connLimit *security.ConnectionLimiter
	metrics   *metrics.Collectors

	upgrader websocket.Upgrader

	mu         sync.Mutex
	startFuncs []startFunc
	stop       chan struct{}
	httpSrv    *http.Server
	metricsSrv *http.Server

	payloadMu sync.Mutex
	payloads  map[string]wire.Message
}

// Deps bundles the already-constructed collaborators a Server wires
// together; callers (cmd/syncmesh-server) own construction ordering so
// the caller's chosen storage adapter, verifier, and publisher are never
// hidden inside this package.
type Deps struct {
	Options   config.Options
	Coord     *syncpkg.Coordinator
	Verifier  auth.Verifier
	Publisher pubsub.Publisher
	Reg       *prometheus.Registry
}

// New constructs a Server ready to Start. It builds its own registry,
// batching scheduler, ack tracker, awareness manager, and limiters from
// opts, wiring them to coord/verifier/publisher supplied by the caller.
func New(deps Deps) *Server {
	opts := deps.Options
	s := &Server{
		opts:      opts,
		registry:  registry.New(opts.MaxGlobalConnections, opts.MaxConnectionsPerIP),
		coord:     deps.Coord,
		verifier:  deps.Verifier,
		publisher: deps.Publisher,
		limiter:   security.NewRateLimiter(opts.RateLimitPerSecond, opts.RateLimitBurst),
		connLimit: security.NewConnectionLimiter(opts.MaxConnectionsPerIP),
		metrics:   metrics.New(deps.Reg),
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		stop:      make(chan struct{}),
		payloads:  make(map[string]wire.Message),
	}
	s.scheduler = batch.New(opts.BatchWindow, s.flushBatch)
	s.acks = ack.New(opts.AckTimeout, opts.AckMaxRetries, s.resendMessage)
	s.presence = awareness.New(opts.AwarenessStaleAfter, opts.AwarenessReapInterval, s.broadcastAwareness)
	return s
}

// addStartFunc registers fn to run when Start is called.
func (s *Server) addStartFunc(fn func(stop <-chan struct{}) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startFuncs = append(s.startFuncs, startFunc{fn: fn})
}

// addTerminatingStartFunc registers fn as a long-running loop that Start
// launches in its own goroutine; fn is expected to return once stop closes.
func (s *Server) addTerminatingStartFunc(fn func(stop <-chan struct{}) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startFuncs = append(s.startFuncs, startFunc{fn: fn, terminating: true})
}

// Start runs every registered start function, launching terminating ones
// in background goroutines and running the rest inline so initialization
// errors surface before Start returns.
func (s *Server) Start() error {
	s.registerRoutes()

	s.mu.Lock()
	funcs := s.startFuncs
	s.mu.Unlock()

	var g errgroup.Group
	for _, f := range funcs {
		f := f
		if f.terminating {
			g.Go(func() error { return f.fn(s.stop) })
			continue
		}
		if err := f.fn(s.stop); err != nil {
			return err
		}
	}
	go func() {
		if err := g.Wait(); err != nil {
			synclog.Server.Errorf("a terminating start function exited with error: %v", err)
		}
	}()
	return nil
}

// Wait blocks until stop has been closed (by Shutdown) or ctx is done. It
// does not wait for the terminating start functions to return.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-s.stop
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) registerRoutes() {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleUpgrade)
	r.HandleFunc("/healthz", s.handleHealthz)
	s.httpSrv = &http.Server{Addr: s.opts.ListenAddr, Handler: r}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())
	s.metricsSrv = &http.Server{Addr: s.opts.MetricsAddr, Handler: metricsRouter}

	s.addTerminatingStartFunc(func(stop <-chan struct{}) error {
		go func() {
			<-stop
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.httpSrv.Shutdown(ctx)
		}()
		synclog.Server.Infof("listening for websocket connections on %s", s.opts.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.addTerminatingStartFunc(func(stop <-chan struct{}) error {
		go func() {
			<-stop
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.metricsSrv.Shutdown(ctx)
		}()
		synclog.Server.Infof("serving metrics on %s", s.opts.MetricsAddr)
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// Shutdown stops accepting new work, closes every registered connection,
// and stops the awareness reaper and batching scheduler, draining any
// pending batch first. Every failure along the way is wrapped as an
// errs.SyncError (TransportClosed: a connection or listener did not close
// cleanly) and aggregated with multierr, so a caller sees every failure
// instead of only the first.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)

	var combined error
	s.scheduler.Stop()
	s.presence.Stop()
	if err := s.registry.CloseAll(1001, "server shutting down"); err != nil {
		combined = multierr.Append(combined, errs.Wrap(errs.TransportClosed, err, "closing registered connections"))
	}

	if err := s.Wait(ctx); err != nil {
		combined = multierr.Append(combined, errs.Wrap(errs.TransportClosed, err, "waiting for terminating start functions"))
	}
	return combined
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// rememberPayload retains the last message sent under messageID so a
// timed-out ACK can trigger a real resend of the same frame rather than a
// placeholder keepalive.
func (s *Server) rememberPayload(messageID string, msg wire.Message) {
	s.payloadMu.Lock()
	defer s.payloadMu.Unlock()
	s.payloads[messageID] = msg
}

func (s *Server) lookupPayload(messageID string) (wire.Message, bool) {
	s.payloadMu.Lock()
	defer s.payloadMu.Unlock()
	msg, ok := s.payloads[messageID]
	return msg, ok
}

// forgetPayload drops a retained payload once it is acknowledged or its
// retry budget is exhausted.
func (s *Server) forgetPayload(messageID string) {
	s.payloadMu.Lock()
	defer s.payloadMu.Unlock()
	delete(s.payloads, messageID)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

