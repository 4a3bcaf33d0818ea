package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"Oracle-Delphi/internal/agent"
	"Oracle-Delphi/internal/consultation"
	"Oracle-Delphi/internal/observability/metrics"
	"Oracle-Delphi/internal/ritual"
	"Oracle-Delphi/pkg/logger"
)

const (
	serviceName    = "Oracle of Delphi"
	serviceVersion = "1.0.0"
	maxBodyBytes   = 1 << 20
)

// Oracle 是 API 层依赖的神谕能力。
type Oracle interface {
	ConsultWithState(ctx context.Context, message, sessionID string) (*agent.Answer, error)
	SessionState(sessionID string) (ritual.StateInfo, []ritual.Event, bool)
	ClearSession(ctx context.Context, sessionID string) error
}

// Consultations 是异步问询服务的能力。
type Consultations interface {
	Submit(ctx context.Context, req consultation.Request) (*consultation.Consultation, error)
	Get(ctx context.Context, id string) (*consultation.Consultation, error)
	List(ctx context.Context, opts ...consultation.ListOption) ([]*consultation.Consultation, error)
	Stats(ctx context.Context, opts ...consultation.ListOption) (consultation.Stats, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	oracle          Oracle
	consultations   Consultations
	metrics         *metrics.Metrics
	apiKeyEnv       string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithConsultations 启用 /api/v1/consultations 路由。
func WithConsultations(svc Consultations) Option {
	return func(s *Server) {
		s.consultations = svc
	}
}

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAPIKeyEnv 设置缺少 API Key 时错误信息中的变量名。
func WithAPIKeyEnv(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.apiKeyEnv = name
		}
	}
}

// WithTimeouts 设置 HTTP 读写与优雅关闭超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。oracle 为 nil 表示未配置 API Key，/chat 将返回 500。
func NewServer(addr string, oracle Oracle, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		oracle:          oracle,
		apiKeyEnv:       "GROQ_API_KEY",
		readTimeout:     15 * time.Second,
		writeTimeout:    60 * time.Second,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，CORS 位于最外层以便处理预检请求。
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(s.logRequests)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleSessionState).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleClearSession).Methods(http.MethodDelete)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/consultations", s.handleSubmitConsultation).Methods(http.MethodPost)
	v1.HandleFunc("/consultations", s.handleListConsultations).Methods(http.MethodGet)
	v1.HandleFunc("/consultations/stats", s.handleConsultationStats).Methods(http.MethodGet)
	v1.HandleFunc("/consultations/{id}", s.handleGetConsultation).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
	return newCORS().Handler(r)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type loggingWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		s.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", lw.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeDetail(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
