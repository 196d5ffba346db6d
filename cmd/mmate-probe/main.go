package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var brokerURL string

	rootCmd := &cobra.Command{
		Use:   "mmate-probe",
		Short: "Probe mmate-rpc endpoints and work queues",
		Long: `mmate-probe checks whether RPC endpoints have a listener, reports broker
health and removes work queues. Settings come from the same environment
variables as the library; --url overrides the RABBITMQ_* connection settings.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&brokerURL, "url", "u", "", "RabbitMQ connection URL")

	connect := func(ctx context.Context) (*mmate.Client, error) {
		cfg, err := loadConfig(brokerURL)
		if err != nil {
			return nil, err
		}
		return mmate.NewClientWithConfig(ctx, cfg, mmate.WithNodeType("Probe"))
	}

	listenersCmd := &cobra.Command{
		Use:   "listeners <queue-names...>",
		Short: "Report which RPC queues have a listener",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			rows := make([]listenerRow, 0, len(args))
			for _, queue := range args {
				exists, err := client.Service().ExistsListenerOnQueue(cmd.Context(), queue)
				rows = append(rows, listenerRow{queue: queue, listening: exists, err: err})
			}
			printListeners(rows)
			return nil
		},
	}

	var timeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "health [listener-queues...]",
		Short: "Check broker health and, optionally, listener presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			for _, queue := range args {
				client.WatchListener(queue)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			overall := client.Health(ctx)
			printHealth(overall)
			if overall.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
	healthCmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Time allowed for all checks")

	deleteCmd := &cobra.Command{
		Use:   "delete-queue <queue-names...>",
		Short: "Delete work queues",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var errs []error
			for _, queue := range args {
				if err := client.Service().DeleteQueue(cmd.Context(), queue); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Printf("deleted %s\n", queue)
			}
			return errors.Join(errs...)
		},
	}

	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve [listener-queues...]",
		Short: "Serve /health and /metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			for _, queue := range args {
				client.WatchListener(queue)
			}

			mux := http.NewServeMux()
			mux.Handle("/health", client.HealthHandler(5*time.Second))
			mux.Handle("/metrics", client.MetricsHandler())

			server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			logger := client.Logger()
			logger.Info().Str("addr", addr).Msg("serving health and metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", ":9090", "Listen address")

	rootCmd.AddCommand(listenersCmd, healthCmd, deleteCmd, serveCmd)
	return rootCmd
}

// loadConfig reads the environment and applies the --url override
func loadConfig(brokerURL string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if brokerURL == "" {
		return cfg, nil
	}

	uri, err := amqp.ParseURI(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid --url: %w", err)
	}
	cfg.Broker.Scheme = uri.Scheme
	cfg.Broker.Host = uri.Host
	cfg.Broker.Port = uri.Port
	cfg.Broker.Username = uri.Username
	cfg.Broker.Password = uri.Password
	cfg.Broker.VirtualHost = uri.Vhost
	return cfg, nil
}

type listenerRow struct {
	queue     string
	listening bool
	err       error
}

// Output formatting functions

func printListeners(rows []listenerRow) {
	fmt.Printf("%-50s %-10s\n", "Queue", "Listener")
	fmt.Println(strings.Repeat("-", 62))

	for _, r := range rows {
		state := "none"
		switch {
		case r.err != nil:
			state = "error: " + r.err.Error()
		case r.listening:
			state = "yes"
		}
		fmt.Printf("%-50s %-10s\n", truncate(r.queue, 50), state)
	}
}

func printHealth(overall health.OverallHealth) {
	fmt.Printf("Health: %s (%s)\n", overall.Status, overall.Duration.Truncate(time.Millisecond))
	fmt.Println(strings.Repeat("-", 70))

	for name, check := range overall.Checks {
		fmt.Printf("%-30s %-10s %s\n", truncate(name, 30), check.Status, check.Message)
		if check.Error != "" {
			fmt.Printf("  error: %s\n", check.Error)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
