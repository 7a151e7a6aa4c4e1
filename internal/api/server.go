package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/model"
	"ReliefChain/internal/observability/metrics"
	"ReliefChain/internal/pipeline"
	"ReliefChain/internal/treasurer"
	"ReliefChain/pkg/logger"
)

// Pipeline 是 HTTP 层依赖的流水线能力，由 pipeline.Service 实现。
type Pipeline interface {
	Status(ctx context.Context) (pipeline.StatusReport, error)
	FundingStats(ctx context.Context) (treasurer.Stats, error)
	Transaction(ctx context.Context, decisionID string) (model.FundingDecision, model.Transaction, error)
	DetectOnce(ctx context.Context, req model.ImageRequest) (model.Outcome, error)
	RunPipeline(ctx context.Context, req model.ImageRequest) (model.Outcome, error)
	EmergencyStop(ctx context.Context, reason string) (int, error)
	Resume(ctx context.Context) error
	Healthy() bool
}

// Limits 控制控制命令的每分钟调用次数。
type Limits struct {
	DetectPerMinute   int
	FullTestPerMinute int
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	pipeline Pipeline
	detect   *limiter
	fullTest *limiter
	mux      *http.ServeMux
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, p Pipeline, limits Limits) *Server {
	s := &Server{
		addr:     addr,
		pipeline: p,
		detect:   newPerMinuteLimiter(limits.DetectPerMinute),
		fullTest: newPerMinuteLimiter(limits.FullTestPerMinute),
		mux:      http.NewServeMux(),
	}
	s.route("/api/status", s.handleStatus)
	s.route("/api/stats", s.handleStats)
	s.route("/api/transactions/", s.handleTransactionDetail)
	s.route("/api/detect", s.detect.middleware(s.handleDetect))
	s.route("/api/full-test", s.fullTest.middleware(s.handleFullTest))
	s.route("/api/emergency-stop", s.handleEmergencyStop)
	s.route("/api/resume", s.handleResume)
	s.route("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// Handler 返回带指标记录的路由。
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) route(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, observe(pattern, h))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	go s.detect.cleanup(ctx)
	go s.fullTest.cleanup(ctx)

	// 控制命令会等待流水线结果，写超时需要覆盖命令等待时间。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Named("api").Info("HTTP 服务已启动", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.pipeline.Status(r.Context())
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.pipeline.FundingStats(r.Context())
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type transactionResponse struct {
	Decision    model.FundingDecision `json:"decision"`
	Transaction model.Transaction     `json:"transaction"`
}

func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/transactions/"), "/")
	if id == "" {
		http.Error(w, "缺少资助决策 ID", http.StatusBadRequest)
		return
	}
	decision, tx, err := s.pipeline.Transaction(r.Context(), id)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResponse{Decision: decision, Transaction: tx})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, s.pipeline.DetectOnce)
}

func (s *Server) handleFullTest(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, s.pipeline.RunPipeline)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, run func(context.Context, model.ImageRequest) (model.Outcome, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req model.ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	outcome, err := run(r.Context(), req)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

type emergencyStopResponse struct {
	Stopped bool `json:"stopped"`
	Failed  int  `json:"failed"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	failed, err := s.pipeline.EmergencyStop(r.Context(), req.Reason)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emergencyStopResponse{Stopped: true, Failed: failed})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if err := s.pipeline.Resume(r.Context()); err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emergencyStopResponse{Stopped: false})
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "healthy", Timestamp: time.Now().UTC()}
	code := http.StatusOK
	if !s.pipeline.Healthy() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeCodedError 按错误码映射 HTTP 状态。
func writeCodedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := xerrors.CodeOf(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, xerrors.CodeTimeout
	case code == xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case code == xerrors.CodeNotFound:
		status = http.StatusNotFound
	case code == xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	case code == xerrors.CodeConflict, code == xerrors.CodeEmergencyStop:
		status = http.StatusConflict
	case code == xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("请求处理失败", "error", err, "error_code", code)
	}
	writeError(w, status, string(code), err.Error())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe 为每个路由记录请求数与耗时。
func observe(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
