package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/AlwinBrauns/servicenode/config"
	"github.com/AlwinBrauns/servicenode/node"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Fatal("Invalid log level")
	}
	logger.SetLevel(level)

	serviceNode, err := node.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build service node")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := serviceNode.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start service node")
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	logger.Info("Shutdown signal received")

	if err := serviceNode.Stop(); err != nil {
		logger.WithError(err).Error("Shutdown failed")
	}
}
