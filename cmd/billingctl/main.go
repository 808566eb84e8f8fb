/**
 * @description
 * Operator CLI for the billing service. Runs the scheduled jobs once against the configured
 * database, optionally restricted to a subset of records or a fixed "now".
 */
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/config"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/processor"
	"github.com/transfa/billing-service/internal/store"
	billingrabbit "github.com/transfa/billing-service/pkg/rabbitmq"
	"github.com/transfa/billing-service/pkg/stripeprocessor"
)

var Version = "dev"

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:     "billingctl",
		Short:   "Run billing jobs by hand",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				return nil
			}
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file first")
	rootCmd.PersistentFlags().StringP("output", "o", "yaml", "Output format (json, yaml)")

	rootCmd.AddCommand(yieldInvoicesCmd())
	rootCmd.AddCommand(processTransactionsCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type services struct {
	repo          *store.PostgresRepository
	subscriptions *app.SubscriptionService
	runner        *app.TransactionRunner
	close         func()
}

func connect(ctx context.Context, logger *slog.Logger) (*services, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	repo := store.NewPostgresRepository(pool)

	var publisher app.EventPublisher = &billingrabbit.EventProducerFallback{}
	closeProducer := func() {}
	if cfg.RabbitMQURL != "" {
		if producer, err := billingrabbit.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			closeProducer = producer.Close
		} else {
			logger.Warn("failed to connect to RabbitMQ, status events will not be published", "error", err)
		}
	}

	newProcessor := func() processor.Processor { return processor.NewDummy() }
	if cfg.Processor == config.ProcessorStripe {
		newProcessor = func() processor.Processor {
			return stripeprocessor.New(stripeprocessor.Options{WebhookSecret: cfg.StripeWebhookSecret})
		}
	}
	breaker := processor.DefaultBreakerSettings()
	breaker.CallTimeout = cfg.ProcessorTimeout()
	processors := processor.NewRegistry(newProcessor, breaker, logger)

	clock := app.SystemClock{}
	notifier := app.NewStatusNotifier(publisher, cfg.BillingEventsExchange, logger)
	invoices := app.NewInvoiceService(repo, processors, clock, notifier, logger)

	return &services{
		repo:          repo,
		subscriptions: app.NewSubscriptionService(repo, processors, invoices, clock, notifier, logger),
		runner:        app.NewTransactionRunner(repo, processors, invoices, clock, cfg.MaxRetryCount, notifier, logger),
		close: func() {
			closeProducer()
			pool.Close()
		},
	}, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func commandLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

func writeOutput(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q", format)
}

type yieldReport struct {
	Now      time.Time        `json:"now" yaml:"now"`
	Count    int              `json:"count" yaml:"count"`
	Invoices []yieldedInvoice `json:"invoices" yaml:"invoices"`
}

type yieldedInvoice struct {
	ID             string    `json:"id" yaml:"id"`
	SubscriptionID string    `json:"subscription_id" yaml:"subscription_id"`
	ScheduledAt    time.Time `json:"scheduled_at" yaml:"scheduled_at"`
	Amount         int64     `json:"amount" yaml:"amount"`
	Status         string    `json:"status" yaml:"status"`
}

func newYieldReport(now time.Time, invoices []domain.Invoice) yieldReport {
	return yieldReport{
		Now:   now,
		Count: len(invoices),
		Invoices: lo.Map(invoices, func(inv domain.Invoice, _ int) yieldedInvoice {
			out := yieldedInvoice{ID: inv.ID.String(), Amount: inv.EffectiveAmount(), Status: string(inv.Status)}
			if inv.Subscription != nil {
				out.SubscriptionID = inv.Subscription.SubscriptionID.String()
				out.ScheduledAt = inv.Subscription.ScheduledAt
			}
			return out
		}),
	}
}

func yieldInvoicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "yield-invoices",
		Short: "Create every invoice that is due for active subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			nowFlag, _ := cmd.Flags().GetString("now")
			rawIDs, _ := cmd.Flags().GetStringSlice("subscription")
			format, _ := cmd.Flags().GetString("output")

			now := time.Now().UTC()
			if nowFlag != "" {
				parsed, err := time.Parse(time.RFC3339, nowFlag)
				if err != nil {
					return fmt.Errorf("invalid --now: %w", err)
				}
				now = parsed.UTC()
			}
			subset, err := parseIDs(rawIDs)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext()
			defer cancel()
			svc, err := connect(ctx, commandLogger())
			if err != nil {
				return err
			}
			defer svc.close()

			invoices, err := svc.subscriptions.YieldInvoices(ctx, subset, now)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), format, newYieldReport(now, invoices))
		},
	}

	cmd.Flags().String("now", "", "Treat this RFC3339 instant as now")
	cmd.Flags().StringSlice("subscription", nil, "Only consider these subscription IDs")

	return cmd
}

type processReport struct {
	Summary  app.ProcessSummary `json:"summary" yaml:"summary"`
	Failures []string           `json:"failures,omitempty" yaml:"failures,omitempty"`
}

func processTransactionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-transactions",
		Short: "Submit every staged or retrying transaction to the processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawIDs, _ := cmd.Flags().GetStringSlice("transaction")
			format, _ := cmd.Flags().GetString("output")
			subset, err := parseIDs(rawIDs)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext()
			defer cancel()
			svc, err := connect(ctx, commandLogger())
			if err != nil {
				return err
			}
			defer svc.close()

			summary, err := svc.runner.ProcessTransactions(ctx, subset)
			report := processReport{Summary: summary}
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				report.Failures = failureMessages(err)
			}
			if writeErr := writeOutput(cmd.OutOrStdout(), format, report); writeErr != nil {
				return writeErr
			}
			if err != nil {
				return fmt.Errorf("%d transaction(s) did not complete", len(report.Failures))
			}
			return nil
		},
	}

	cmd.Flags().StringSlice("transaction", nil, "Only process these transaction IDs")

	return cmd
}

func failureMessages(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return lo.Map(joined.Unwrap(), func(e error, _ int) string { return e.Error() })
	}
	return []string{err.Error()}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the billing schema to the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			svc, err := connect(ctx, commandLogger())
			if err != nil {
				return err
			}
			defer svc.close()

			if err := svc.repo.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
