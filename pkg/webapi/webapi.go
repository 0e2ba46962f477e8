// This file is to handle things such as metrics/health/status, etc

package webapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/devcluster/devcluster/bringup"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// StatusSource is implemented by *bringup.Orchestrator.
type StatusSource interface {
	Status() *bringup.Status
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Status        StatusSource
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	status        StatusSource
	httpServer    *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		status:        opts.Status,
	}
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return w
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the devcluster internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) writeJSON(rw http.ResponseWriter, statusCode int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	err := json.NewEncoder(rw).Encode(body)
	if err != nil {
		w.logger.Debug("failed to write json response", zap.Error(err))
	}
}

func (w *WebServer) handleStatus(rw http.ResponseWriter, r *http.Request) {
	if w.status == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.writeJSON(rw, http.StatusOK, w.status.Status())
}

// handleHealth answers 200 once the cluster is Online and 503 otherwise.
func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if w.status == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	status := w.status.Status()
	statusCode := http.StatusServiceUnavailable
	if status.Phase == bringup.PhaseOnline.String() {
		statusCode = http.StatusOK
	}
	w.writeJSON(rw, statusCode, map[string]string{"phase": status.Phase})
}

func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/status", w.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	if w.logLevel != nil {
		r.Handle("/loglevel", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPut},
	})

	return otelhttp.NewHandler(c.Handler(r), "webapi")
}

func (w *WebServer) Serve(l net.Listener) error {
	err := w.httpServer.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (w *WebServer) ListenAndServe() error {
	l, err := net.Listen("tcp", w.listenAddress)
	if err != nil {
		return err
	}
	return w.Serve(l)
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	return w.httpServer.Shutdown(ctx)
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) *WebServer {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return globalWebServer
	}

	globalWebServer = NewWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			opts.Logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()

	return globalWebServer
}
