package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sequencer/config"
	controller "sequencer/controllers"
	"sequencer/engine"
	"sequencer/middleware"
	"sequencer/models"
	"sequencer/routes"
	"sequencer/store"
	"sequencer/utils"
	"sequencer/worker"
)

type app struct {
	store     *store.Store
	redis     *redis.Client
	scheduler *engine.Scheduler
	tracker   *utils.Tracker
}

// setup loads configuration and wires the engine against the database
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if err := config.LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.SetupLogging(); err != nil {
		return err
	}
	if err := config.ConnectDB(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	cfg := config.AppConfig
	a.store = store.New(config.DB)

	var limiter utils.SendLimiter
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = utils.NewRedisSendLimiter(a.redis, cfg.Gateway.SendRatePerMinute)
	} else {
		limiter = utils.NewLocalSendLimiter(cfg.Gateway.SendRatePerMinute)
	}

	gateway := utils.NewSMTPGateway(utils.GatewayConfig{
		EncryptionKey: cfg.EncryptionKey,
		Timeout:       cfg.Gateway.Timeout,
		MaxAttempts:   cfg.Gateway.MaxAttempts,
		Backoff:       cfg.Gateway.Backoff,
		Limiter:       limiter,
	})

	if cfg.Gateway.TrackingBaseURL != "" {
		a.tracker = &utils.Tracker{BaseURL: cfg.Gateway.TrackingBaseURL, Key: cfg.EncryptionKey}
	}

	executors := engine.Executors{
		models.StepMessage: &engine.MessageExecutor{
			Gateway:    gateway,
			Identities: a.store,
			Messages:   a.store,
			Tracker:    a.tracker,
		},
		models.StepWait: engine.WaitExecutor{},
		models.StepCondition: &engine.ConditionExecutor{
			Evaluator: &engine.ConditionEvaluator{
				Activities: a.store,
				Lookback:   cfg.Engine.ConditionLookback,
			},
		},
	}

	a.scheduler = engine.NewScheduler(a.store, executors, engine.Options{
		BatchSize:    cfg.Engine.BatchSize,
		Concurrency:  cfg.Engine.Concurrency,
		ReclaimAfter: cfg.Engine.ReclaimAfter,
		DeferDelay:   cfg.Engine.DeferDelay,
	})
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	sentry.Flush(2 * time.Second)
}

func (a *app) serve(cmd *cobra.Command, args []string) error {
	defer a.close()
	cfg := config.AppConfig

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var storage fiber.Storage
	if a.redis != nil {
		storage = middleware.NewRedisStorage(a.redis)
	}

	tracker := a.tracker
	if tracker == nil {
		tracker = &utils.Tracker{Key: cfg.EncryptionKey}
	}

	server := fiber.New(fiber.Config{DisableStartupMessage: true})
	routes.SetupRoutes(server, routes.Options{
		Sequences:      controller.NewSequenceController(a.scheduler, a.scheduler.State(), a.store),
		Tracking:       controller.NewTrackingController(a.store, tracker),
		AllowedOrigins: cfg.AllowedOrigins,
		RunPerMinute:   cfg.Engine.TriggerPerMinute,
		LimiterStorage: storage,
	})

	sequenceWorker := worker.NewSequenceWorker(a.scheduler, a.store, cfg.Engine.SchedulerCron)
	replyWorker := worker.NewReplyWorker(a.store, &worker.IMAPMailbox{Timeout: cfg.Gateway.Timeout}, cfg.IMAPPollInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sequenceWorker.Start(ctx) })
	g.Go(func() error {
		replyWorker.Start(ctx)
		return nil
	})
	g.Go(func() error {
		logrus.Infof("Server starting on port %s", cfg.ServerPort)
		return server.Listen(":" + cfg.ServerPort)
	})
	g.Go(func() error {
		<-ctx.Done()
		return server.ShutdownWithTimeout(10 * time.Second)
	})
	return g.Wait()
}

func (a *app) runOnce(cmd *cobra.Command, args []string) error {
	defer a.close()
	summary, err := a.scheduler.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
}

func (a *app) reclaim(cmd *cobra.Command, args []string) error {
	defer a.close()
	olderThan, err := cmd.Flags().GetDuration("older-than")
	if err != nil {
		return err
	}
	n, err := a.store.ReclaimStale(cmd.Context(), time.Now().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("failed to reclaim executions: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d executions\n", n)
	return nil
}

func migrate(cmd *cobra.Command, args []string) error {
	if err := config.LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.ConnectDB(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return config.MigrateDB(config.DB)
}

// encryptSecret prints the stored form of a mailbox password, read from the argument or stdin
func encryptSecret(cmd *cobra.Command, args []string) error {
	if err := config.LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	var secret string
	if len(args) == 1 {
		secret = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		secret = strings.TrimRight(line, "\r\n")
	}
	if secret == "" {
		return fmt.Errorf("no secret given")
	}
	enc, err := utils.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), enc)
	return nil
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:          "sequencer",
		Short:        "Multi-step outreach sequence engine",
		SilenceUsage: true,
	}

	serve := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP API, the scheduler and the reply worker",
		PreRunE: a.setup,
		RunE:    a.serve,
	}
	runOnce := &cobra.Command{
		Use:     "run-once",
		Short:   "Process one batch of due executions and print the summary",
		PreRunE: a.setup,
		RunE:    a.runOnce,
	}
	reclaim := &cobra.Command{
		Use:     "reclaim",
		Short:   "Return executions stuck in processing to pending",
		PreRunE: a.setup,
		RunE:    a.reclaim,
	}
	reclaim.Flags().Duration("older-than", 15*time.Minute, "reclaim executions claimed longer ago than this")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE:  migrate,
	}

	encryptCmd := &cobra.Command{
		Use:   "encrypt-secret [secret]",
		Short: "Encrypt an SMTP or IMAP password for the senders table",
		Args:  cobra.MaximumNArgs(1),
		RunE:  encryptSecret,
	}

	root.AddCommand(serve, runOnce, reclaim, migrateCmd, encryptCmd)
	if err := root.ExecuteContext(context.Background()); err != nil {
		logrus.Fatal(err)
	}
}
