package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ticket-client/config"
	"ticket-client/internal/services/booking"
	"ticket-client/internal/services/identity"
	"ticket-client/internal/services/payment"
	"ticket-client/internal/session"
	"ticket-client/internal/status"
	"ticket-client/internal/tokenstore"
	"ticket-client/internal/transport"
	"ticket-client/monitoring"
	"ticket-client/utils"
)

// skipRestore marks commands that must not resume the persisted session
// before they run.
const skipRestore = "skip-restore"

// app holds everything the commands share. It is built once per process in
// the root command's PersistentPreRunE.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	monitor *monitoring.Monitor
	redis   *redis.Client

	session  *session.Manager
	identity *identity.Client
	bookings *booking.Client
	payments *payment.Client
}

func Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	go handleShutdown(cancel)

	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configFile, profile string

	root := &cobra.Command{
		Use:           "ticket-client",
		Short:         "Buy event tickets against the user, booking and payment services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd.Context(), configFile, profile); err != nil {
				return err
			}
			if cmd.Annotations[skipRestore] == "" {
				a.restore(cmd.Context())
			}
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			a.close()
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML file overlaying the environment configuration")
	root.PersistentFlags().StringVar(&profile, "profile", "", "session profile (overrides PROFILE)")

	root.AddCommand(
		a.loginCmd(),
		a.registerCmd(),
		a.logoutCmd(),
		a.whoamiCmd(),
		a.eventsCmd(),
		a.ticketsCmd(),
		a.bookingsCmd(),
		a.bookingCmd(),
		a.paymentsCmd(),
		a.paymentCmd(),
		a.buyCmd(),
		a.resumeCmd(),
		a.simulateCmd(),
		a.webhookCmd(),
	)
	return root
}

func (a *app) setup(ctx context.Context, configFile, profile string) error {
	cfg := config.LoadConfig()
	if configFile != "" {
		if err := config.LoadFile(configFile, cfg); err != nil {
			return err
		}
	}
	if profile != "" {
		cfg.Profile = profile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := utils.NewLogger(cfg.Environment)
	if err != nil {
		return fmt.Errorf("setup: logger: %w", err)
	}
	a.logger = logger
	a.monitor = monitoring.NewMonitor()

	if cfg.EnableMetrics {
		addr := ":" + cfg.MetricsPort
		go func() {
			if err := a.monitor.Serve(ctx, addr); err != nil {
				logger.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}

	store, err := a.tokenStore(ctx)
	if err != nil {
		return err
	}

	userTr := a.transport("user", cfg.UserServiceURL)
	bookingTr := a.transport("booking", cfg.BookingServiceURL)
	paymentTr := a.transport("payment", cfg.PaymentServiceURL)

	a.identity = identity.NewClient(userTr)
	a.bookings = booking.NewClient(bookingTr)
	a.payments = payment.NewClient(paymentTr)

	a.session = session.NewManager(a.identity,
		session.WithStore(store),
		session.WithLogger(logger),
		session.WithMonitor(a.monitor),
		session.WithRefreshTimeout(cfg.RefreshTimeout),
	)
	a.session.OnChange(func(s session.State) {
		logger.Debug("session state changed", zap.String("state", string(s)))
	})

	for _, tr := range []*transport.Client{userTr, bookingTr, paymentTr} {
		tr.UseTokens(a.session)
	}
	return nil
}

// restore resumes the persisted session. Commands that need one report
// ErrNotAuthenticated themselves.
func (a *app) restore(ctx context.Context) {
	id, err := a.session.Restore(ctx)
	switch {
	case err == nil:
		a.logger.Debug("session resumed", zap.String("username", id.Username))
	case errors.Is(err, status.ErrNotAuthenticated):
	default:
		a.logger.Warn("could not resume session", zap.Error(err))
	}
}

func (a *app) transport(service, baseURL string) *transport.Client {
	cb := utils.NewCircuitBreaker(service,
		utils.WithTripThreshold(uint32(a.cfg.BreakerMinRequests), a.cfg.BreakerFailureRatio),
		utils.WithOpenTimeout(a.cfg.BreakerOpenTimeout),
		utils.WithStateChangeHook(func(name, from, to string) {
			a.logger.Warn("circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", from),
				zap.String("to", to))
			a.monitor.TrackBreaker(name, to)
		}),
	)

	return transport.New(service, baseURL,
		transport.WithHTTPClient(&http.Client{Timeout: a.cfg.HTTPTimeout}),
		transport.WithBreaker(cb),
		transport.WithLogger(a.logger),
		transport.WithMonitor(a.monitor),
	)
}

func (a *app) tokenStore(ctx context.Context) (tokenstore.Store, error) {
	if a.cfg.TokenStore == "redis" {
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("setup: token store: %w", err)
		}
		return tokenstore.NewRedisStore(client, a.cfg.Profile, 0), nil
	}

	var opts []tokenstore.FileOption
	if a.cfg.TokenAgeKeyFile != "" {
		ageID, err := tokenstore.LoadOrCreateIdentity(a.cfg.TokenAgeKeyFile)
		if err != nil {
			return nil, fmt.Errorf("setup: token store: %w", err)
		}
		opts = append(opts, tokenstore.WithAgeIdentity(ageID))
	}
	return tokenstore.NewFileStore(profilePath(a.cfg.TokenFile, a.cfg.Profile), opts...), nil
}

// redisClient connects on first use.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := utils.NewRedisClient(ctx, a.cfg.RedisURL, a.cfg.RedisPassword, a.cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	a.redis = client
	return client, nil
}

// optionalRedis is redisClient for components that degrade without Redis.
// The result is a nil interface when Redis is unreachable.
func (a *app) optionalRedis(ctx context.Context) redis.Cmdable {
	client, err := a.redisClient(ctx)
	if err != nil {
		a.logger.Warn("redis unavailable, continuing without it", zap.Error(err))
		return nil
	}
	return client
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

// profilePath keeps each non-default profile in its own file next to path.
func profilePath(path, profile string) string {
	if profile == "" || profile == "default" {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + profile + ext
}

// serveUntilDone runs srv until ctx is done, then shuts it down.
func serveUntilDone(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook receiver listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook receiver: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	fmt.Fprintln(os.Stderr, "Shutdown signal received, cleaning up...")
	cancel()
}
