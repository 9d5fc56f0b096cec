package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"convai-relay/handler"
	"convai-relay/internal/integrations/convai"
	"convai-relay/internal/integrations/paramstore"
	"convai-relay/internal/observability"
	"convai-relay/internal/repository"
	"convai-relay/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	baseURL := os.Getenv("CONVAI_BASE_URL")
	apiKey := os.Getenv("ELEVEN_API_KEY")
	paramPrefix := os.Getenv("PARAM_PREFIX")
	pendingTable := os.Getenv("PENDING_TABLE")
	listenAddr := os.Getenv("LISTEN_ADDR")
	relayHandler := envString("RELAY_HANDLER", "api")
	relayTimeout := envDuration("RELAY_TIMEOUT", 15*time.Second)
	streamTimeout := envDuration("STREAM_TIMEOUT", 30*time.Second)
	handshakeTimeout := envDuration("HANDSHAKE_TIMEOUT", 10*time.Second)
	pendingTTL := envDuration("PENDING_TTL", repository.DefaultPendingTTL)
	historyWindow := envInt("HISTORY_WINDOW", 0)
	streamHistoryWindow := envInt("STREAM_HISTORY_WINDOW", 3)
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 4000)

	if apiKey == "" && paramPrefix == "" {
		logger.Warn("no backend credential configured; relay calls will fail", "env", "ELEVEN_API_KEY", "fallback", "PARAM_PREFIX")
	}

	// ---- AWS SDK config, only when an AWS-backed component is enabled ----
	var awsCfg aws.Config
	if paramPrefix != "" || pendingTable != "" {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
	}

	// ---- Clients ----
	clientOpts := []convai.Option{
		convai.WithAPIKey(apiKey),
		convai.WithHandshakeTimeout(handshakeTimeout),
		convai.WithLogger(logger),
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, convai.WithBaseURL(baseURL))
	}
	if paramPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			logger.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		clientOpts = append(clientOpts, convai.WithParamStore(ssmClient, paramPrefix))
	}
	convaiClient := convai.NewClient(clientOpts...)

	var pending usecase.PendingStore
	if pendingTable != "" {
		store, err := repository.NewDynamoPendingStore(awsdynamodb.NewFromConfig(awsCfg), pendingTable, pendingTTL)
		if err != nil {
			logger.Error("failed to create pending store", "err", err)
			os.Exit(1)
		}
		pending = store
	} else {
		store := repository.NewMemoryPendingStore(pendingTTL)
		defer store.Close()
		pending = store
	}

	// ---- Service ----
	relayService, err := usecase.NewRelayService(convaiClient, pending, usecase.Config{
		RelayTimeout:        relayTimeout,
		StreamTimeout:       streamTimeout,
		HistoryWindow:       historyWindow,
		StreamHistoryWindow: streamHistoryWindow,
		MaxMessageLen:       maxMessageLen,
		Logger:              logger,
		Metrics:             observability.NewMetrics(),
	})
	if err != nil {
		logger.Error("failed to create relay service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(relayService, handler.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	// ---- Serving mode ----
	if listenAddr != "" {
		if err := serveHTTP(listenAddr, h, relayService, logger); err != nil {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
		return
	}

	switch relayHandler {
	case "stream":
		lambda.Start(h.HandleStreaming)
	case "api":
		lambda.Start(h.Handle)
	default:
		logger.Error("unknown relay handler", "RELAY_HANDLER", relayHandler)
		os.Exit(1)
	}
}

// serveHTTP runs the handler behind net/http until SIGINT or SIGTERM, then
// drains in-flight requests and background submits.
func serveHTTP(addr string, h http.Handler, svc *usecase.RelayService, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", h)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	svc.Wait()
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
