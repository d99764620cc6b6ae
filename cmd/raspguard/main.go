package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/raspguard/raspguard-go/internal/api"
	"github.com/raspguard/raspguard-go/internal/api/handlers"
	"github.com/raspguard/raspguard-go/internal/config"
	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/raspguard/raspguard-go/internal/engine"
	"github.com/raspguard/raspguard-go/internal/middleware"
	"github.com/raspguard/raspguard-go/internal/queue"
	"github.com/raspguard/raspguard-go/internal/repository"
	"github.com/raspguard/raspguard-go/internal/watcher"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	once := flag.Bool("once", false, "evaluate once, print the report and exit")
	flag.Parse()

	// .env 中的密钥（BASELINE_KEY_SEED、RABBITMQ_PASS 等）
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.InitLogger(&cfg.Log)
	logger.WithFields(logrus.Fields{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"config":     *configPath,
	}).Info("Starting raspguard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := repository.InitDB(&cfg.Baseline, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}

	metrics := middleware.NewPrometheusMetrics(logger, "raspguard")
	reports := repository.NewReportRepository(db)

	app, err := assemble(ctx, cfg, db, metrics, logger)
	if err != nil {
		logger.Fatalf("Failed to assemble detectors: %v", err)
	}

	// 评估历史与保留上限
	var recorder engine.Recorder
	var history handlers.History
	if cfg.Baseline.HistoryKeep > 0 {
		recorder = reports
		history = reports
	}

	// 威胁事件发布
	var reporter engine.Reporter
	var mq *queue.RabbitMQ
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(queue.FromConfig(&cfg.RabbitMQ), cfg.RabbitMQ.Queue, logger)
		if err != nil {
			logger.WithError(err).Warn("RabbitMQ unavailable, threat events will not be published")
		} else {
			mq.StartConnectionWatcher()
			go reconnectLoop(ctx, mq, logger)
			reporter = queue.NewThreatPublisher(mq, metrics, logger)
		}
	}

	guard, err := engine.Init(ctx, engine.Options{
		Enforce:     cfg.Enforce,
		PackageName: cfg.App.PackageName,
		Runner:      app.runner,
		Collectors:  app.collectors,
		Bridge:      app.bridge,
		Harden:      cfg.Detection.Harden,
		Reporter:    reporter,
		Recorder:    recorder,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("Failed to init guard: %v", err)
	}

	if recorder != nil {
		keep := cfg.Baseline.HistoryKeep
		guard.Subscribe(func(*domain.SecurityReport) {
			if _, err := reports.Prune(ctx, keep); err != nil {
				logger.WithError(err).Warn("Failed to prune report history")
			}
		})
	}

	monitor := engine.NewMonitor(guard, cfg.Monitor.MinInterval, cfg.Monitor.MaxInterval, logger)

	if *once {
		report := monitor.RunOnce(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		if mq != nil {
			mq.Close()
		}
		if !report.IsSecure() {
			os.Exit(2)
		}
		return
	}

	// HTTP 诊断接口
	var srv *http.Server
	if cfg.Server.Enabled {
		stream := handlers.NewReportStream(logger, metrics)
		stream.Start(ctx)
		guard.Subscribe(stream.Publish)

		reportHandler := handlers.NewReportHandler(guard, history, app.tamper, logger)
		router := api.SetupRouter(cfg, logger, reportHandler, stream, metrics)

		srv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: router,
		}
		go func() {
			logger.Infof("HTTP server listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("HTTP server failed")
			}
		}()
	}

	// 启动时先评估一次
	monitor.RunOnce(ctx)

	if cfg.Monitor.Enabled {
		go monitor.Run(ctx)
	}

	var pw *watcher.PackageWatcher
	if cfg.Monitor.WatchPackage {
		pw, err = watcher.NewPackageWatcher(app.watchTargets, func(path string) {
			monitor.Trigger()
		}, cfg.Monitor.Debounce, logger)
		if err != nil {
			logger.WithError(err).Warn("Package watcher disabled")
		} else {
			pw.Start(ctx)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP server shutdown failed")
		}
		shutdownCancel()
	}
	if pw != nil {
		pw.Stop()
	}
	if mq != nil {
		mq.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("raspguard stopped")
}

// reconnectLoop 处理 RabbitMQ 重连信号
func reconnectLoop(ctx context.Context, mq *queue.RabbitMQ, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-mq.GetReconnectChan():
			logger.Warn("RabbitMQ connection lost, reconnecting...")
			if err := mq.Reconnect(); err != nil {
				logger.WithError(err).Error("RabbitMQ reconnect failed")
			}
		}
	}
}
