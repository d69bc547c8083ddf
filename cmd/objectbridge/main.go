package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/objectbridge"
	_ "github.com/drblury/objectbridge/transport/transports"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "objectbridge",
	Short: "Object storage behind an asynchronous AMQP bridge",
	Long:  "objectbridge serves object storage over HTTP. The gateway publishes requests to durable RabbitMQ queues and workers store and fetch the objects.",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the HTTP gateway",
	Long:  "Serve /objects and forward each request to the workers over the message bus",
	RunE:  runRole(objectbridge.RoleGateway),
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an object worker",
	Long:  "Consume the write and read queues and serve them from the blob store",
	RunE:  runRole(objectbridge.RoleWorker),
}

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Run gateway and worker in one process",
	Long:  "Run the gateway and a worker together, e.g. with the memory bus and blob store for local development",
	RunE:  runRole(objectbridge.RoleStandalone),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override OBJECTBRIDGE_LOG_LEVEL (debug, info, warn, error)")
	rootCmd.AddCommand(gatewayCmd, workerCmd, standaloneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(role string) (*objectbridge.Config, error) {
	if err := os.Setenv("OBJECTBRIDGE_ROLE", role); err != nil {
		return nil, err
	}
	conf, err := objectbridge.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	return conf, nil
}

func runRole(role string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(role)
		if err != nil {
			return err
		}
		logger := objectbridge.NewJSONServiceLogger(os.Stdout, conf.LogLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := objectbridge.NewService(ctx, conf, logger, objectbridge.ServiceDependencies{})
		if err != nil {
			return fmt.Errorf("initialize service: %w", err)
		}
		defer func() {
			if err := svc.Close(); err != nil {
				logger.Error("Shutdown cleanup failed", err, nil)
			}
		}()

		logger.Info("objectbridge starting", objectbridge.LogFields{"role": role})
		if err := svc.Start(ctx); err != nil {
			return err
		}
		logger.Info("objectbridge stopped", nil)
		return nil
	}
}
