package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/iago/jobbroker/internal/agent"
	"github.com/iago/jobbroker/internal/client"
	"github.com/iago/jobbroker/internal/config"
)

func main() {
	logger := log.New(os.Stdout, "[agent] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	if path := os.Getenv("BROKER_CONFIG"); path != "" {
		if err := config.LoadYAML(path); err != nil {
			logger.Printf("failed loading config file: %v", err)
		}
	}
	cfg := config.Load()

	if len(cfg.AgentQueues) == 0 {
		logger.Fatalf("AGENT_QUEUES not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokerClient := client.New(cfg.AgentServerURL, client.WithBackOff(func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = cfg.AgentPollInterval
		b.MaxElapsedTime = 0
		return b
	}))
	worker := agent.New(brokerClient, cfg.AgentQueues, agent.ShellHandler{Dir: os.Getenv("AGENT_WORKDIR")}, logger)

	logger.Printf("agent polling %s queues=%v", cfg.AgentServerURL, cfg.AgentQueues)
	if err := worker.Start(ctx); err != nil {
		logger.Fatalf("agent stopped: %v", err)
	}
	logger.Printf("agent stopped")
}
