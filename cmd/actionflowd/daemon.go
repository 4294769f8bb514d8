package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sicko7947/actionflow"
	"github.com/sicko7947/actionflow/api"
	"github.com/sicko7947/actionflow/approval"
	"github.com/sicko7947/actionflow/channel"
	"github.com/sicko7947/actionflow/engine"
	"github.com/sicko7947/actionflow/intervention"
	"github.com/sicko7947/actionflow/provider"
	"github.com/sicko7947/actionflow/runstate"
	"github.com/sicko7947/actionflow/store"
	"github.com/sicko7947/actionflow/tracker"
)

// daemon owns every long-lived component of one instance
type daemon struct {
	cfg      *Config
	logger   zerolog.Logger
	app      *fiber.App
	ws       *http.Server
	registry *channel.WSRegistry
	janitor  *runstate.Janitor
	server   *api.Server
	closers  []func() error
}

func newDaemon(ctx context.Context, cfg *Config, logger zerolog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	ephemeral, err := d.openEphemeralStore(ctx)
	if err != nil {
		return nil, err
	}
	ledger, err := d.openLedger(ctx)
	if err != nil {
		d.close()
		return nil, err
	}

	d.registry = channel.NewWSRegistry(logger.With().Str("component", "websocket").Logger())
	var sms channel.SMSSender
	if cfg.Twilio.AccountSID != "" {
		sms = channel.NewTwilioSender(cfg.Twilio)
	} else {
		logger.Warn().Msg("Twilio is not configured, sms delivery disabled")
	}
	dispatcher := channel.NewDispatcher(d.registry, sms, channel.WithLogger(logger))

	workflows := runstate.NewManager(ephemeral, runstate.WithLogger(logger))
	interventions := intervention.NewManager(ephemeral, dispatcher,
		intervention.WithLogger(logger),
		intervention.WithConfig(cfg.interventionConfig()),
		intervention.WithPresence(d.registry),
	)
	executions := tracker.NewTracker(ledger, tracker.WithLogger(logger))

	eng := engine.NewEngine(
		engine.WithLogger(logger),
		engine.WithConfig(cfg.executionConfig()),
		engine.WithWorkflowManager(workflows),
		engine.WithNotifier(dispatcher),
		engine.WithExecutor(actionflow.CategorySystem, engine.NewSystemExecutor(interventions,
			engine.WithEntityCache(ephemeral, actionflow.DefaultTTLConfig),
			engine.WithRunState(workflows),
			engine.WithSystemLogger(logger),
		)),
		engine.WithExecutor(actionflow.CategoryAnalysis, engine.NewAnalysisExecutor()),
	)
	d.registerProviders(eng, executions)

	approvals := approval.NewManager(ephemeral, dispatcher, eng, approval.WithLogger(logger))

	d.server, err = api.NewServer(api.Dependencies{
		Engine:        eng,
		Workflows:     workflows,
		Interventions: interventions,
		Approvals:     approvals,
		Tracker:       executions,
	}, api.WithLogger(logger), api.WithBaseContext(ctx))
	if err != nil {
		d.close()
		return nil, err
	}
	d.registry.OnMessage(d.server.HandleInbound)

	d.app = fiber.New()
	d.server.Register(d.app)

	mux := http.NewServeMux()
	mux.Handle("/ws", d.registry)
	d.ws = &http.Server{Addr: cfg.WebSocketAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	d.janitor = runstate.NewJanitor(workflows, cfg.JanitorSchedule, logger)
	return d, nil
}

// registerProviders routes data-mutating categories and automation triggers
// to the provider gateway
func (d *daemon) registerProviders(eng *engine.Engine, executions *tracker.Tracker) {
	automation := engine.NewAutomationExecutor(executions)
	eng.RegisterExecutor(automation, actionflow.CategoryAutomation)

	if d.cfg.Provider.BaseURL == "" {
		d.logger.Warn().Msg("Provider gateway is not configured, provider steps will fail as unsupported")
		eng.RegisterExecutor(engine.NewActionExecutor(),
			actionflow.CategoryCalendar, actionflow.CategoryEmail, actionflow.CategoryTask, actionflow.CategoryContact)
		return
	}

	gateway := provider.NewGatewayExecutor(d.cfg.Provider, provider.WithLogger(d.logger))
	eng.RegisterExecutor(gateway,
		actionflow.CategoryCalendar, actionflow.CategoryEmail, actionflow.CategoryTask, actionflow.CategoryContact)
	for _, action := range d.cfg.AutomationActions {
		automation.Handle(action, gateway.Handler(actionflow.CategoryAutomation, action))
	}
}

func (d *daemon) openEphemeralStore(ctx context.Context) (actionflow.EphemeralStore, error) {
	if d.cfg.Redis.Addr == "" {
		d.logger.Warn().Msg("Redis is not configured, run state is kept in process")
		return store.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     d.cfg.Redis.Addr,
		Password: d.cfg.Redis.Password,
		DB:       d.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", d.cfg.Redis.Addr, err)
	}
	d.closers = append(d.closers, client.Close)
	d.logger.Info().Str("addr", d.cfg.Redis.Addr).Msg("Connected to redis")
	return store.NewRedisStore(client, d.cfg.Redis.Prefix), nil
}

func (d *daemon) openLedger(ctx context.Context) (actionflow.ExecutionLedger, error) {
	lc := d.cfg.Ledger
	switch lc.Backend {
	case LedgerSQLite, LedgerPostgres:
		dialect := store.DialectSQLite
		if lc.Backend == LedgerPostgres {
			dialect = store.DialectPostgres
		}
		ledger, err := store.OpenSQLLedger(ctx, dialect, lc.DSN)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, ledger.Close)
		return ledger, nil
	case LedgerDynamoDB:
		var opts []func(*awsconfig.LoadOptions) error
		if lc.Region != "" {
			opts = append(opts, awsconfig.WithRegion(lc.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		return store.NewDynamoDBLedger(dynamodb.NewFromConfig(awsCfg), lc.Table, store.WithRecordTTL(lc.RecordTTL)), nil
	default:
		return store.NewMemoryLedger(), nil
	}
}

// run serves HTTP and websocket traffic and starts the janitor.
// Listener failures are sent on errc.
func (d *daemon) run(errc chan<- error) error {
	if err := d.janitor.Start(); err != nil {
		return err
	}

	go func() {
		d.logger.Info().Str("address", d.cfg.HTTPAddr).Msg("Starting HTTP server")
		if err := d.app.Listen(d.cfg.HTTPAddr); err != nil {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		d.logger.Info().Str("address", d.cfg.WebSocketAddr).Msg("Starting websocket server")
		if err := d.ws.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("websocket server: %w", err)
		}
	}()
	return nil
}

// shutdown stops accepting traffic, then waits for in-flight runs
func (d *daemon) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.app.ShutdownWithTimeout(timeout); err != nil {
		d.logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if err := d.ws.Shutdown(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Websocket server forced to shutdown")
	}
	d.registry.Close()
	d.janitor.Stop(ctx)
	d.server.Wait()
	d.close()
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn().Err(err).Msg("Close failed")
		}
	}
	d.closers = nil
}
