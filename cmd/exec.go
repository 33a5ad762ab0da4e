package cmd

import (
	"context"
	"log"
	"log/slog"

	"ticket-queue/config"
	"ticket-queue/internal/broker"
	"ticket-queue/internal/handlers"
	"ticket-queue/internal/notify"
	"ticket-queue/internal/services"
	"ticket-queue/internal/store"
	_ "ticket-queue/migrations"
	"ticket-queue/monitoring"
	"ticket-queue/security"
	"ticket-queue/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/redis/go-redis/v9"
)

// queue holds the services shared by the routes, the hooks and the
// background loops.
type queue struct {
	monitor   *monitoring.Monitor
	conn      *broker.Connection
	limiter   *security.RateLimiter
	entries   *store.QueueStore
	events    *store.EventStore
	admission *services.AdmissionService
	status    *services.StatusService
	scheduler *services.Scheduler
	sweeper   *services.Sweeper
}

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	var monitor *monitoring.Monitor
	if cfg.EnableMetrics {
		monitor = monitoring.NewMonitor()
	}

	// Message channel; dialed on first use and redialed after failures
	conn := broker.NewConnection(broker.DialURL(cfg.RedisURL), slog.Default())

	// Rate limiting has its own pool so a broken stream connection cannot
	// starve it
	limiterClient := redis.NewClient(utils.RedisOptions(cfg.RedisURL))
	limiter := security.NewRateLimiter(limiterClient, cfg.RateLimitPerMinute)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	app.RootCmd.AddCommand(NewJoinQueueCommand(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var q *queue
	app.OnBootstrap().BindFunc(func(e *core.BootstrapEvent) error {
		if err := e.Next(); err != nil {
			return err
		}
		q = newQueue(e.App, cfg, monitor, conn, limiter)
		return nil
	})

	setupEventHooks(app, func() *queue { return q })

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		if err := q.scheduler.Init(ctx, q.events); err != nil {
			slog.Error("Failed to load active events", "error", err)
			return err
		}
		go q.sweeper.Run(ctx)

		registerRoutes(se, q)
		log.Println("Server routes registered")

		return se.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		log.Println("Shutdown signal received, cleaning up...")
		cancel()
		if q != nil {
			q.scheduler.Shutdown()
		}
		if err := conn.Close(); err != nil {
			slog.Warn("Failed to close broker connection", "error", err)
		}
		if err := limiterClient.Close(); err != nil {
			slog.Warn("Failed to close rate limiter client", "error", err)
		}
		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

func newQueue(app core.App, cfg *config.Config, monitor *monitoring.Monitor, conn *broker.Connection, limiter *security.RateLimiter) *queue {
	logger := slog.Default()

	breaker := utils.NewCircuitBreaker("broker-publish",
		utils.WithStateChange(func(name string, from, to utils.State) {
			slog.Warn("Circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
			monitor.SetBreakerState(name, int(to))
		}),
	)
	publisher := broker.NewPublisher(conn, breaker)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.PubNubPublishKey != "" {
		notifier = notify.NewPubNubNotifier(notify.NewPubNub(cfg, "ticket-queue-server"), logger)
	} else {
		log.Println("PubNub keys not configured, clients will poll")
	}

	entries := store.NewQueueStore(app.DB())
	events := store.NewEventStore(app)

	admission := services.NewAdmissionService(events, entries, publisher, cfg.LeadWindow).
		WithMonitor(monitor).
		WithLogger(logger)

	statusService := services.NewStatusService(entries, services.StatusOptions{
		Notifier:       notifier,
		PerUserSeconds: cfg.PerUserSeconds,
		MaxActiveUsers: cfg.MaxActiveUsers,
		Monitor:        monitor,
		Logger:         logger,
	})

	newWorker := func(ctx context.Context, eventID string) (services.Runner, error) {
		consumer := broker.NewConsumer(conn, broker.TopicName(eventID), "worker-"+eventID, cfg.WorkerReadBlock, logger)
		if err := consumer.Declare(ctx); err != nil {
			return nil, err
		}
		return services.NewWorker(eventID, consumer, entries, services.WorkerOptions{
			Notifier:     notifier,
			RetryBackoff: cfg.WorkerRetryBackoff,
			Monitor:      monitor,
			Logger:       logger,
		}), nil
	}

	scheduler := services.NewScheduler(newWorker, services.SchedulerOptions{
		LeadWindow:   cfg.LeadWindow,
		StartRetries: cfg.WorkerStartRetries,
		StartBackoff: cfg.WorkerStartBackoff,
		Monitor:      monitor,
		Logger:       logger,
	})

	sweeper := services.NewSweeper(entries, statusService, services.SweeperOptions{
		Events:        scheduler.RunningEvents,
		Interval:      cfg.SweepInterval,
		ActiveTimeout: cfg.ActiveTimeout,
		PromoteHeads:  cfg.PromoteSweep,
		Monitor:       monitor,
		Logger:        logger,
	})

	return &queue{
		monitor:   monitor,
		conn:      conn,
		limiter:   limiter,
		entries:   entries,
		events:    events,
		admission: admission,
		status:    statusService,
		scheduler: scheduler,
		sweeper:   sweeper,
	}
}

func registerRoutes(se *core.ServeEvent, q *queue) {
	health := func(ctx context.Context) error {
		client, err := q.conn.Client(ctx)
		if err != nil {
			return err
		}
		return utils.RedisHealthCheck(ctx, client)
	}
	queueHandler := handlers.NewQueueHandler(q.admission, q.status, health)
	adminHandler := handlers.NewAdminHandler(q.entries, q.events, q.scheduler, q.status)

	// Queue endpoints
	se.Router.POST("/api/v1/queue/enter", queueHandler.EnterQueue).
		BindFunc(q.limiter.AntiBotMiddleware, q.limiter.QueueRateLimit)
	se.Router.GET("/api/v1/queue/status", queueHandler.GetStatus)
	se.Router.POST("/api/v1/queue/complete", queueHandler.CompleteEntry)
	se.Router.GET("/api/v1/events/{eventId}/pre-queue", queueHandler.GetPreQueue)

	// Admin endpoints
	se.Router.GET("/api/v1/admin/queue-dashboard", adminHandler.GetQueueDashboard)
	se.Router.GET("/api/v1/admin/queue-details", adminHandler.GetQueueDetails)
	se.Router.GET("/api/v1/admin/scheduler", adminHandler.GetScheduler)
	se.Router.POST("/api/v1/admin/force-promote", adminHandler.ForcePromote)

	// Health check
	se.Router.GET("/health", queueHandler.Health)

	if q.monitor != nil {
		se.Router.GET("/metrics", apis.WrapStdHandler(q.monitor.Handler()))
	}
}

// setupEventHooks feeds every change of an events record to the scheduler.
// The hooks fire after the change is committed.
func setupEventHooks(app *pocketbase.PocketBase, current func() *queue) {
	handle := func(record *core.Record, deleted bool, hook string) {
		q := current()
		if q == nil {
			return
		}
		change := store.ChangeFromRecord(record, deleted)
		slog.Info("Event changed", "eventID", change.EventID, "status", change.Status, "deleted", deleted, "hook", hook)
		q.scheduler.HandleChange(change)
	}

	app.OnRecordAfterCreateSuccess(store.EventsCollection).BindFunc(func(e *core.RecordEvent) error {
		handle(e.Record, false, "OnRecordAfterCreateSuccess")
		return e.Next()
	})

	app.OnRecordAfterUpdateSuccess(store.EventsCollection).BindFunc(func(e *core.RecordEvent) error {
		handle(e.Record, false, "OnRecordAfterUpdateSuccess")
		return e.Next()
	})

	app.OnRecordAfterDeleteSuccess(store.EventsCollection).BindFunc(func(e *core.RecordEvent) error {
		handle(e.Record, true, "OnRecordAfterDeleteSuccess")
		return e.Next()
	})
}
