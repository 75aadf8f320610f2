package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/wenhoujx/dagster/pkg/backend"
	"github.com/wenhoujx/dagster/pkg/eventbus"
	"github.com/wenhoujx/dagster/pkg/log"
	"github.com/wenhoujx/dagster/pkg/registry"
)

func main() {
	cmd := &cli.Command{
		Name:                  "dagster-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to execute dispatched steps",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "plugins-path",
				Usage:    "Path to the directory containing node plugins",
				Value:    "./plugins",
				Required: false,
				Sources:  cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("dagster-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing worker")

			reg := registry.NewRegistry(logger)
			if err := reg.LoadPlugins(command.String("plugins-path")); err != nil {
				logger.ErrorContext(ctx, "Failed to load node plugins", "error", err)

				return err
			}

			pub, sub, err := newChannel(command.String("event-bus"), workerID)
			if err != nil {
				return err
			}

			defer func() {
				if err := pub.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close publisher", "error", err)
				}

				if err := sub.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close subscriber", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Worker starting", "nodes", len(reg.Definitions()))

			// Blocks until the dispatch stream closes on shutdown.
			worker := backend.NewWorker(workerID, pub, sub, reg, logger)
			if err := worker.Start(ctx); err != nil {
				logger.ErrorContext(ctx, "Worker stopped with error", "error", err)

				return err
			}

			logger.InfoContext(context.Background(), "Worker shut down")

			return nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func newChannel(busType, workerID string) (message.Publisher, message.Subscriber, error) {
	wmLogger := watermill.NewSlogLogger(log.WithModule("eventbus"))

	switch busType {
	case "kafka":
		return eventbus.CreateKafkaChannel(wmLogger, "dagster-worker-"+workerID)
	case "gochannel":
		ch := eventbus.CreateGoChannel(wmLogger)

		return ch, ch, nil
	default:
		return nil, nil, fmt.Errorf("unsupported event bus type: %s", busType)
	}
}
