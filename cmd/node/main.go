package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/orbitmesh/orbitmesh/cmd/node/builtin"
	"github.com/orbitmesh/orbitmesh/cmd/node/dispatch"
	"github.com/orbitmesh/orbitmesh/common/bootstrap"
	"github.com/orbitmesh/orbitmesh/common/config"
	"github.com/orbitmesh/orbitmesh/common/models"
	rediscommon "github.com/orbitmesh/orbitmesh/common/redis"
	"github.com/orbitmesh/orbitmesh/common/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "orbitmesh-node", config.LoadNode,
		bootstrap.WithoutDB(),
		bootstrap.WithoutCache(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap node: %v\n", err)
		return 1
	}
	defer components.Shutdown(context.Background())

	cfg := components.Config
	log := components.Logger

	registry := dispatch.NewRegistry()
	builtin.Register(registry, &cfg.Node, log)

	agentID := os.Getenv("ORBITMESH_AGENT_ID")
	if agentID == "" {
		agentID = cfg.Node.AgentName
	}

	redisClient := rediscommon.NewClient(components.Redis, log)
	conn := transport.NewRedisConn(redisClient, agentID, log)
	defer conn.Close()

	agent := dispatch.NewAgent(dispatch.Options{
		Conn:     conn,
		Registry: registry,
		Info: &models.AgentInfo{
			ID:    agentID,
			Name:  cfg.Node.AgentName,
			Group: cfg.Node.Group,
			Tags:  cfg.Node.Tags,
		},
		Logger: log,
	})

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("node terminated", "error", err)
		return 1
	}

	log.Info("node shut down cleanly")
	return 0
}
