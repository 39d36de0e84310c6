package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"

	"github.com/pairchat/relay/internal/auth/jwtverify"
	"github.com/pairchat/relay/internal/bus/redisbus"
	"github.com/pairchat/relay/internal/chatservice"
	"github.com/pairchat/relay/internal/config"
	"github.com/pairchat/relay/internal/gateway"
	"github.com/pairchat/relay/internal/httpapi"
	"github.com/pairchat/relay/internal/logging"
	"github.com/pairchat/relay/internal/metrics"
	"github.com/pairchat/relay/internal/store/postgres"
)

var servePretty bool
var serveLogLevel string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the combined WebSocket gateway and REST server.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&servePretty, "pretty", false, "use human-readable console logging instead of JSON")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "log level: trace|debug|info|warn|error")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(serveLogLevel, servePretty)

	repo := postgres.New()
	if err := repo.Open(cmd.Context(), cfg.DBDSN); err != nil {
		return err
	}
	defer repo.Close()

	eventBus, err := redisbus.New(cfg.BusURL,
		redisbus.WithLogger(log),
		redisbus.WithClientID(cfg.BusClientID),
		redisbus.WithGroupID(cfg.BusGroupID),
	)
	if err != nil {
		return err
	}

	verifier, err := jwtverify.New(cfg.TokenSecret)
	if err != nil {
		return err
	}

	// The id generator for client-omitted message ids. A single worker id
	// is enough for one relay instance; instances are distinguished by
	// RELAY_BUS_CLIENT_ID at the bus layer rather than at the id layer.
	ids, err := chatservice.NewSnowflakeGenerator(1)
	if err != nil {
		return err
	}

	m := metrics.New()
	chats := chatservice.New(repo, eventBus,
		chatservice.WithMaxMessageLength(cfg.MaxMessageLength),
		chatservice.WithIDGenerator(ids),
		chatservice.WithMetrics(m),
	)

	gw := gateway.New(verifier, chats, eventBus, gateway.Config{
		IdleTimeout:      cfg.IdleTimeout,
		ShutdownDeadline: cfg.ShutdownDeadline,
		Metrics:          m,
	}, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		return err
	}

	rest := httpapi.New(chats, verifier, log)

	root := chi.NewRouter()
	root.Mount("/ws", gw)
	root.Mount("/", rest.Routes())

	corsWrapped := handlers.CORS(
		handlers.AllowedOrigins([]string{cfg.CORSOrigin}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(handlers.LoggingHandler(os.Stdout, root))

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: corsWrapped}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}

	serveErr := make(chan error, 2)
	go func() { serveErr <- listenAndServe(httpServer) }()
	go func() { serveErr <- listenAndServe(metricsServer) }()

	log.Info().Str("addr", cfg.HTTPAddr).Str("metricsAddr", cfg.MetricsAddr).Msg("relay: listening")

	select {
	case <-ctx.Done():
		log.Info().Msg("relay: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("relay: server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	return gw.Close()
}

// listenAndServe wraps http.Server.ListenAndServe, swallowing the
// expected error on a graceful Shutdown call.
func listenAndServe(s *http.Server) error {
	err := s.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
