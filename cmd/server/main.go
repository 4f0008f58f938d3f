package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"vxi11-gpib-server/internal/config"
	"vxi11-gpib-server/internal/device"
	"vxi11-gpib-server/internal/gpib"
	"vxi11-gpib-server/internal/server"
	"vxi11-gpib-server/internal/storage"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "config file path")
	backend := flag.String("backend", "", "gpib backend override (linux or sim)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vxi11-gpib-server v%s (build: %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		cfg = config.GetDefaultConfig()
		fmt.Println("using default config")
	}
	config.ApplyEnvOverrides(cfg)
	if *backend != "" {
		cfg.GPIB.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := setupLogger(cfg.Log)
	fmt.Println("Press Ctrl+C to exit")
	log.Infof("vxi11-gpib-server v%s starting", Version)
	log.Infof("config file: %s, backend: %s", *configFile, cfg.GPIB.Backend)

	bus, err := device.OpenBus(cfg.GPIB)
	if err != nil {
		log.Fatalf("open gpib bus: %v", err)
	}
	defer bus.Close()

	ctrl := gpib.NewController(bus, cfg.GPIB.Board)
	instruments, err := device.NewBoardServer(ctrl, cfg.GPIB, log)
	if err != nil {
		log.Fatalf("register device handlers: %v", err)
	}

	var publisher storage.Publisher = storage.Discard{}
	if cfg.Redis.Enabled {
		mq, err := storage.NewMessageQueue(storage.Options{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			Channel:    cfg.Redis.Channel,
			HistoryLen: cfg.Redis.HistoryLen,
			Encoding:   cfg.Redis.Encoding,
		}, log)
		switch {
		case err != nil:
			log.Warnf("activity feed disabled: %v", err)
		case cfg.Redis.BatchSize > 1:
			publisher = storage.NewBatcher(mq, storage.BatchOptions{
				Size:     cfg.Redis.BatchSize,
				Interval: cfg.Redis.BatchInterval,
				QueueLen: cfg.Redis.QueueLen,
				Timeout:  cfg.Redis.PublishTimeout,
			}, log)
		default:
			publisher = mq
		}
	}

	srv, err := server.NewTCPServer(cfg, instruments, publisher, log)
	if err != nil {
		log.Fatalf("create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.Output == "file" && cfg.FilePath != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	return log
}
