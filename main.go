// main.go
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/tilecol/tilecol/geotiff"
	"github.com/tilecol/tilecol/maskops"
	"github.com/tilecol/tilecol/rowcodec"
)

const appName = "tilecol-service"

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpAPIServer     *http.Server

	grpcMetrics = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))

	maskOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecol_mask_ops_total",
		Help: "Mask operator invocations, by operator.",
	}, []string{"op"})
	maskOpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecol_mask_op_errors_total",
		Help: "Mask operator failures, by operator.",
	}, []string{"op"})
)

// Config holds all configuration for the application, loaded from
// environment variables.
type Config struct {
	LogLevel          string `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort          int    `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort        int    `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort   int    `env:"METRICS_PORT" envDefault:"8888"`
	CacheMaxSize      int64  `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32 `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	ZstdRows          bool   `env:"ZSTD_ROWS" envDefault:"false"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	resolver := geotiff.NewResolver(
		geotiff.WithLogger(logger),
		geotiff.WithCache(cfg.CacheMaxSize, cfg.CacheItemsToPrune),
	)
	var encOpts []rowcodec.Option
	if cfg.ZstdRows {
		encOpts = append(encOpts, rowcodec.WithZstdPixels())
	}
	ops := maskops.New(logger, resolver, encOpts...)

	healthServer := health.NewServer()

	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})
	g.Go(func() error {
		return startAPIServer(logger, cfg, ops)
	})

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpAPIServer != nil {
		if err := httpAPIServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP API server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC health server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	grpcHealthServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(InterceptorLogger(logger), lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	reflection.Register(grpcHealthServer)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics, maskOpsTotal, maskOpErrors)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startAPIServer(logger *slog.Logger, cfg Config, ops *maskops.Ops) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/v1/op/{op}", opHandler(logger, ops))
	r.Post("/v1/inspect", inspectHandler())

	httpAPIServer = &http.Server{Addr: addr, Handler: r}
	logger.Info("HTTP API server listening", "address", addr)

	if err := httpAPIServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP API server failed: %w", err)
	}
	return nil
}

type opRequest struct {
	Data    string  `json:"data"` // base64 encoded row
	Mask    string  `json:"mask"` // base64 encoded row
	Value   *int64  `json:"value,omitempty"`
	Values  []int64 `json:"values,omitempty"`
	Inverse bool    `json:"inverse,omitempty"`
}

type opResponse struct {
	Result string `json:"result"` // base64 encoded materialized row
}

func opHandler(logger *slog.Logger, ops *maskops.Ops) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op := chi.URLParam(r, "op")

		var req opRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		dataRow, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			http.Error(w, "invalid base64 in data", http.StatusBadRequest)
			return
		}
		maskRow, err := base64.StdEncoding.DecodeString(req.Mask)
		if err != nil {
			http.Error(w, "invalid base64 in mask", http.StatusBadRequest)
			return
		}

		maskOpsTotal.WithLabelValues(op).Inc()
		out, err := dispatchOp(r.Context(), ops, op, dataRow, maskRow, req)
		if err != nil {
			maskOpErrors.WithLabelValues(op).Inc()
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, errUnknownOp), errors.Is(err, errMissingValue):
				status = http.StatusBadRequest
			case errors.Is(err, maskops.ErrTypeCheck),
				errors.Is(err, maskops.ErrShapeMismatch),
				errors.Is(err, rowcodec.ErrRowShape):
				status = http.StatusUnprocessableEntity
			}
			logger.Error("mask op failed", "op", op, "error", err)
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(opResponse{Result: base64.StdEncoding.EncodeToString(out)})
	}
}

var (
	errUnknownOp    = errors.New("unknown operator")
	errMissingValue = errors.New("operator requires a value")
)

func dispatchOp(ctx context.Context, ops *maskops.Ops, op string, dataRow, maskRow []byte, req opRequest) ([]byte, error) {
	switch op {
	case "mask":
		return ops.MaskByDefined(ctx, dataRow, maskRow)
	case "inverse_mask":
		return ops.InverseMaskByDefined(ctx, dataRow, maskRow)
	case "mask_by_value":
		if req.Value == nil {
			return nil, errMissingValue
		}
		return ops.MaskByValue(ctx, dataRow, maskRow, *req.Value)
	case "inverse_mask_by_value":
		if req.Value == nil {
			return nil, errMissingValue
		}
		return ops.InverseMaskByValue(ctx, dataRow, maskRow, *req.Value)
	case "mask_by_values":
		return ops.MaskByValues(ctx, dataRow, maskRow, req.Values, req.Inverse)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownOp, op)
	}
}

func inspectHandler() http.HandlerFunc {
	type inspectRequest struct {
		Row string `json:"row"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req inspectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		row, err := base64.StdEncoding.DecodeString(req.Row)
		if err != nil {
			http.Error(w, "invalid base64 in row", http.StatusBadRequest)
			return
		}
		info, err := rowcodec.Inspect(row)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
