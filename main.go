package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wfunc/quizroom/config"
	"github.com/wfunc/quizroom/logger"
	"github.com/wfunc/quizroom/monitor"
	"github.com/wfunc/quizroom/persistence"
	"github.com/wfunc/quizroom/room"
	"github.com/wfunc/quizroom/server"
	"github.com/wfunc/quizroom/services"
)

func main() {
	// .env 可选，存在时先于配置文件加载到环境变量
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		panic("failed to load .env: " + err.Error())
	}

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	// Initialize logger
	logger.Init(cfg.Log.Level)
	defer logger.Sync()

	// Initialize store
	store, err := openStore(cfg.Database)
	if err != nil {
		logger.Log.Fatalf("Failed to open %s store: %v", cfg.Database.Driver, err)
	}
	defer store.Close()
	logger.Log.Infof("Using %s store", cfg.Database.Driver)

	var questions room.QuestionProvider = services.NewStaticProvider()
	if cfg.Question.URL != "" {
		questions = services.NewHTTPQuestionProvider(cfg.Question.URL, cfg.Question.Timeout)
	}

	quizServer := server.NewQuizServer(server.Options{
		HTTPAddress:    cfg.Server.HTTPAddress,
		RPCAddress:     cfg.Server.RPCAddress,
		SweepInterval:  cfg.Server.SweepInterval,
		WatchHeartbeat: cfg.Server.WatchHeartbeat,
	}, store, questions, monitor.NewMonitor("quizroom"),
		room.WithRoundDuration(cfg.Engine.RoundDuration),
		room.WithMaxClaimAttempts(cfg.Engine.MaxClaimAttempts),
		room.WithDeadlineEnforcement(cfg.Engine.EnforceDeadline),
	)

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
		logger.Log.Info("Shutting down quiz server")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := quizServer.Shutdown(ctx); err != nil {
			logger.Log.Warnf("Shutdown: %v", err)
		}
	}()

	// Start Server
	logger.Log.Infof("Starting quiz server on %s", cfg.Server.HTTPAddress)
	if err := quizServer.Start(); err != nil {
		logger.Log.Fatalf("Failed to start server: %v", err)
	}
}

func openStore(cfg config.DatabaseConfig) (persistence.Store, error) {
	pg := cfg.Postgres
	switch cfg.Driver {
	case "sqlite":
		return persistence.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		return persistence.NewPostgreSQL(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName, pg.SSLMode)
	case "gorm":
		return persistence.NewGormPostgreSQL(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName, pg.SSLMode)
	default:
		return persistence.NewMemoryStore(), nil
	}
}
