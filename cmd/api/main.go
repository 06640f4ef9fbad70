package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/anjiri1684/sitechat/configs"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/handlers"
	"github.com/anjiri1684/sitechat/jobs"
	"github.com/anjiri1684/sitechat/notifications"
	"github.com/anjiri1684/sitechat/routes"
	"github.com/anjiri1684/sitechat/services"
	"github.com/anjiri1684/sitechat/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

const version = "0.1.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})

	app := &cli.App{
		Name:    "sitechat",
		Usage:   "Site-scoped messaging API",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"SITECHAT_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if c.Bool("debug") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			if path := c.String("config"); path != "" {
				return os.Setenv("SITECHAT_CONFIG", path)
			}
			return nil
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP and websocket server",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Apply schema migrations and seed the admin account",
				Action: migrate,
			},
			{
				Name:   "reconcile",
				Usage:  "Repair stale last-message pointers once and exit",
				Action: reconcile,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func openDatabase() (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := database.ConnectDB(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func migrate(c *cli.Context) error {
	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}
	return database.SeedAdmin(db, cfg.Admin)
}

func reconcile(c *cli.Context) error {
	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	reconciler := jobs.NewLastMessageReconciler(services.NewConversationStore(db), services.NewMessageStore(db), cfg.Chat.StoreTimeout)
	repaired, err := reconciler.RunOnce(c.Context)
	if err != nil {
		return err
	}
	log.Info().Int("repaired", repaired).Msg("reconcile finished")
	return nil
}

func serve(c *cli.Context) error {
	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}
	if err := database.SeedAdmin(db, cfg.Admin); err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	groupPolicy, err := services.ParseGroupPolicy(cfg.Chat.GroupPolicy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hubOpts []websocket.Option
	var presence services.Presence
	var relay *websocket.RedisRelay
	if cfg.Redis.URL != "" {
		client, err := websocket.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		relay = websocket.NewRedisRelay(client)
		redisPresence := websocket.NewRedisPresence(client)
		hubOpts = append(hubOpts, websocket.WithRelay(relay), websocket.WithPresence(redisPresence))
		presence = redisPresence
		log.Info().Msg("redis relay and presence enabled")
	}
	hub := websocket.NewHub(hubOpts...)
	if presence == nil {
		presence = hub
	}
	go hub.Run(ctx)
	if relay != nil {
		go relay.Run(ctx, hub)
	}

	var mailer services.Mailer
	if brevo := notifications.NewEmailService(cfg.Email); brevo != nil {
		mailer = brevo
	} else {
		log.Warn().Msg("email service not configured, emails are disabled")
	}

	var offline *services.OfflineMailer
	if cfg.Email.NotifyOffline && mailer != nil {
		offline = services.NewOfflineMailer(services.NewParticipantStore(db), presence, mailer, cfg.Chat.StoreTimeout)
	}

	opts := services.ChatOptions{
		Notifier:         services.NewDeliveryNotifier(hub, offline),
		Subscriptions:    hub,
		Presence:         presence,
		AttachmentFolder: cfg.Cloudinary.Folder,
		GroupPolicy:      groupPolicy,
		StoreTimeout:     cfg.Chat.StoreTimeout,
	}
	var signer handlers.UploadSigner
	if cfg.Cloudinary.URL != "" {
		attachments, err := services.NewCloudinaryAttachments(db, cfg.Cloudinary.URL, cfg.Cloudinary.Folder)
		if err != nil {
			return err
		}
		opts.Attachments = attachments
		signer = attachments
	} else {
		log.Warn().Msg("CLOUDINARY_URL not set, attachments are disabled")
	}
	chat := services.NewChatService(db, opts)

	reconciler := jobs.NewLastMessageReconciler(services.NewConversationStore(db), services.NewMessageStore(db), cfg.Chat.StoreTimeout)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Chat.ReconcileSchedule, reconciler.Run); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", cfg.Chat.ReconcileSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()
	log.Info().Str("schedule", cfg.Chat.ReconcileSchedule).Msg("last message reconciler scheduled")

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BodyLimit:    32 * 1024 * 1024,
		ErrorHandler: handlers.ErrorHandler,
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		ExposeHeaders: "Content-Length, Authorization",
		MaxAge:        86400,
	}))
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02 15:04:05",
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	routes.PublicRoutes(app)
	routes.AuthRoutes(app, handlers.NewAuthHandler(db, cfg.Auth.JWTSecret, mailer))
	routes.ProfileRoutes(app, handlers.NewProfileHandler(db), cfg.Auth.JWTSecret)
	routes.AdminRoutes(app, handlers.NewAdminHandler(db), cfg.Auth.JWTSecret)
	routes.UploadRoutes(app, handlers.NewUploadHandler(signer), cfg.Auth.JWTSecret)
	routes.MessagingRoutes(app, handlers.NewMessagingHandler(chat, hub, cfg.Auth.JWTSecret), cfg.Auth.JWTSecret)

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	log.Info().Str("port", cfg.App.Port).Msg("server is running")
	return app.Listen(":" + cfg.App.Port)
}
