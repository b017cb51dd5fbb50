package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"toptrack/internal/auth"
	"toptrack/internal/cache"
	"toptrack/internal/channel"
	"toptrack/internal/config"
	"toptrack/internal/database"
	"toptrack/internal/device"
	"toptrack/internal/endpoint"
	"toptrack/internal/engine"
	"toptrack/internal/errs"
	"toptrack/internal/ngrok"
	"toptrack/internal/player"
	"toptrack/internal/provider"
	"toptrack/internal/queue"
	"toptrack/internal/roomservice"
	"toptrack/internal/server"
	"toptrack/internal/session"
	"toptrack/internal/token"
	"toptrack/internal/transfer"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration")
	envPath := flag.String("env", ".env", "optional dotenv file with secrets")
	flag.Parse()

	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}
	if err := cfg.ApplyEnv(*envPath); err != nil {
		logger.WithError(err).Fatal("Error applying environment")
	}
	logFile, err := configureLogger(logger, cfg.Logging)
	if err != nil {
		logger.WithError(err).Fatal("Error configuring logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	db, err := database.NewDatabase(cfg.Database.Path, logrus.NewEntry(logger))
	if err != nil {
		logger.WithError(err).Fatal("Error initializing database")
	}
	defer db.Close()

	sess, err := resolveSession(cfg, db)
	if err != nil {
		logger.WithError(err).Fatal("Error resolving session")
	}
	log := logger.WithFields(logrus.Fields{
		"room_id":        sess.RoomID,
		"participant_id": sess.ParticipantID,
		"role":           sess.Role,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := config.Watch(ctx, *configPath, logrus.NewEntry(logger), config.LevelWatcher(logger)); err != nil {
			logger.WithError(err).Warn("Config watcher stopped")
		}
	}()

	eng, err := buildEngine(ctx, cfg, sess, db, log)
	if err != nil {
		log.WithError(err).Fatal("Error creating room agent")
	}
	eng.OnError(func(err error) {
		if !errs.Recoverable(err) {
			log.WithField("kind", errs.KindOf(err).String()).Error("Playback needs attention: " + err.Error())
		}
	})

	if cfg.Control.Enabled {
		if err := startControl(ctx, cfg, eng, db, logger); err != nil {
			log.WithError(err).Fatal("Error starting control API")
		}
	}

	log.Info("TopTrack agent starting")
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("Room agent stopped")
	}
	log.Info("TopTrack agent stopped")
}

// buildEngine wires the room components, plus the playback stack for hosts
func buildEngine(ctx context.Context, cfg *config.Config, sess session.Context, db *database.Database, log *logrus.Entry) (*engine.Engine, error) {
	clk := clock.New()

	rooms := cache.NewRoomCache(config.Seconds(cfg.Room.CacheTTLSeconds))
	rs := roomservice.NewClient(cfg.Room.ServiceURL, config.Seconds(cfg.Room.RequestTimeoutSeconds), rooms, log)

	ch := channel.New(channel.Options{
		URL:               cfg.WebsocketEndpoint(),
		ReconnectAttempts: cfg.Channel.ReconnectAttempts,
		ReconnectDelay:    config.Millis(cfg.Channel.ReconnectDelayMs),
		ReconnectDelayMax: config.Millis(cfg.Channel.ReconnectMaxDelayMs),
		ConnectTimeout:    config.Seconds(cfg.Channel.ConnectTimeoutSeconds),
	}, nil, clk, log)

	deps := engine.Deps{
		Session: sess,
		Rooms:   rs,
		Channel: ch,
		Queue:   queue.NewClient(sess.RoomID, rs, log),
		Roster:  session.NewRoster(),
		History: db,
		Logger:  log,
	}

	if sess.IsHost() {
		tokens := token.NewScheduler(sess.RoomID, rs, clk, config.Seconds(cfg.Token.RefreshLeadSeconds), log)
		spotify := provider.NewSpotify(ctx, tokens, cfg.Spotify.APIBaseURL, log)

		dev := device.NewManager(device.Config{
			Name:              cfg.Device.Name,
			Volume:            cfg.Device.Volume,
			LoadAttempts:      cfg.Device.LoadAttempts,
			LoadTimeout:       config.Seconds(cfg.Device.LoadTimeoutSeconds),
			ReadyPollAttempts: device.DefaultConfig().ReadyPollAttempts,
			ReadyPollInterval: device.DefaultConfig().ReadyPollInterval,
			ReadyTimeout:      config.Seconds(cfg.Device.ReadyTimeoutSeconds),
			ConfirmAttempts:   cfg.Device.ConfirmAttempts,
			ConfirmBaseDelay:  config.Millis(cfg.Device.ConfirmBaseDelayMs),
			NotReadyDelay:     config.Millis(cfg.Device.NotReadyDelayMs),
		}, endpoint.NewProcess(cfg.Device.EndpointPath, cfg.Device.EndpointArgs, log), spotify, tokens, clk, log)

		states := player.NewStateManager()

		deps.Tokens = tokens
		deps.Device = dev
		deps.Transfer = transfer.New(spotify, dev, transfer.Config{
			VerifyDelay:   config.Millis(cfg.Transfer.VerifyDelayMs),
			ActivateDelay: config.Millis(cfg.Transfer.ActivateDelayMs),
		}, clk, log)
		deps.Player = states
		deps.Monitor = player.NewMonitor(states, spotify, config.Seconds(cfg.Spotify.PollIntervalSeconds), clk, log)
	}

	engCfg := engine.DefaultConfig()
	engCfg.TransferTimeout = config.Seconds(cfg.Transfer.TimeoutSeconds)
	return engine.New(engCfg, deps)
}

// startControl serves the control API and, when enabled, its public tunnel
func startControl(ctx context.Context, cfg *config.Config, eng *engine.Engine, db *database.Database, logger *logrus.Logger) error {
	authService, err := auth.NewService(cfg.Control.PasswordHash, 24*time.Hour, cfg.Tunnel.Enabled, nil)
	if err != nil {
		return err
	}
	if !authService.IsEnabled() {
		logger.Warn("Control API has no password; set control.password_hash to require one")
	}

	cs := server.NewControlServer(cfg, eng, db, authService, logger)
	ln, err := cs.Listen()
	if err != nil {
		authService.Close()
		return err
	}

	tunnel, err := ngrok.NewService(&cfg.Tunnel, logrus.NewEntry(logger))
	if err != nil {
		logger.WithError(err).Warn("Ngrok tunnel not available")
		tunnel = nil
	}

	go func() {
		defer authService.Close()
		if err := cs.Serve(ctx, ln); err != nil {
			logger.WithError(err).Error("Control API stopped")
		}
	}()

	if tunnel != nil {
		if err := tunnel.StartTunnel(ctx, "http://"+ln.Addr().String()); err != nil {
			logger.WithError(err).Warn("Could not start ngrok tunnel")
			return nil
		}
		go func() {
			<-ctx.Done()
			if err := tunnel.Stop(); err != nil {
				logger.WithError(err).Debug("Ngrok tunnel stop")
			}
		}()
	}
	return nil
}
