package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignatij/consentflow/internal/http"
	"github.com/ignatij/consentflow/internal/log"
	internal_storage "github.com/ignatij/consentflow/internal/storage"
	"github.com/ignatij/consentflow/pkg/models"
	"github.com/ignatij/consentflow/pkg/service"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	rootCmd.PersistentFlags().String("spill-dir", "spill", "Directory for buffered writes awaiting replay")
	rootCmd.PersistentFlags().Duration("flush-interval", service.DefaultFlushInterval, "Period between buffer sweeps")

	consentCmd := &cobra.Command{
		Use:   "consent [customer_id]",
		Short: "Issue a consent token for a customer",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, cleanup := buildService(cmd)
			defer cleanup()
			fetchType, _ := cmd.Flags().GetString("fetch-type")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			scope := service.ConsentScope{FetchType: models.FetchType(fetchType)}
			if ttl > 0 {
				expiry := time.Now().Add(ttl)
				scope.Expiry = &expiry
			}
			token, err := svc.RequestConsent(args[0], scope)
			if err != nil {
				log.GetLogger().Errorf("Failed to issue consent: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to issue consent: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Issued %s consent for '%s'\nToken: %s\nExpires: %s\n",
				token.FetchType, args[0], token.Token, token.Expiry.Format(time.RFC3339))
		},
	}
	consentCmd.Flags().String("fetch-type", string(models.PeriodicFetch), "Token reuse policy: ONETIME or PERIODIC")
	consentCmd.Flags().Duration("ttl", 0, "Token lifetime (default 24h)")

	runCmd := &cobra.Command{
		Use:   "run [customer_id] [step] [token]",
		Short: "Run a pipeline step (generate, clean or analytics) and stream its output",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			svc, cleanup := buildService(cmd)
			defer cleanup()
			stepID, err := models.ParseStep(args[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			subID, events := svc.Subscribe(args[0])
			defer svc.Unsubscribe(subID)

			// Ctrl+C cancels the in-flight job instead of orphaning it.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				svc.CancelStep(args[0])
			}()

			if err := svc.RunStep(args[0], stepID, args[2]); err != nil {
				log.GetLogger().Errorf("Failed to run step: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to run step: %v\n", err)
				os.Exit(1)
			}
			for ev := range events {
				switch ev.Type {
				case service.LogEvent:
					fmt.Fprintf(os.Stdout, "[%s] %s\n", ev.Level, ev.Message)
				case service.ProgressEvent:
					if ev.Step != stepID {
						continue
					}
					if ev.Status == models.CompletedStepState {
						fmt.Fprintf(os.Stdout, "Step '%s' completed\n", stepID.Name())
						return
					}
					if ev.Status == models.FailedStepState {
						fmt.Fprintf(os.Stderr, "Step '%s' failed\n", stepID.Name())
						os.Exit(1)
					}
				}
			}
		},
	}

	stateCmd := &cobra.Command{
		Use:   "state [customer_id]",
		Short: "Show a customer's pipeline state",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, cleanup := buildService(cmd)
			defer cleanup()
			st, err := svc.GetPipelineState(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to load state: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to load state: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Customer: %s, Pipeline: %s\n", st.CustomerID, st.PipelineStatus)
			for _, id := range []models.StepID{models.GenerateStep, models.CleanStep, models.AnalyticsStep} {
				if step, ok := st.Steps[id]; ok {
					fmt.Fprintf(os.Stdout, "- %s: %s (%d%%)\n", step.Name, step.Status, step.Progress)
				}
			}
			fmt.Fprintf(os.Stdout, "Logs: %d entries\n", len(st.Logs))
			tail := st.Logs
			if len(tail) > 10 {
				tail = tail[len(tail)-10:]
			}
			for _, entry := range tail {
				fmt.Fprintf(os.Stdout, "  %s [%s] %s\n", entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message)
			}
		},
	}

	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Replay buffered writes against primary storage",
		Run: func(cmd *cobra.Command, args []string) {
			svc, cleanup := buildService(cmd)
			defer cleanup()
			fmt.Fprintf(os.Stdout, "Flushed %d buffered write(s)\n", svc.FlushBuffer())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline control-plane server",
		Run: func(cmd *cobra.Command, args []string) {
			svc, cleanup := buildService(cmd)
			defer cleanup()
			port, _ := cmd.Flags().GetString("port")
			if err := http.StartServer(port, svc); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to listen on")

	rootCmd.AddCommand(consentCmd, runCmd, stateCmd, flushCmd, serveCmd)
}

func buildService(cmd *cobra.Command) (*service.PipelineService, func()) {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file found: %v", err)
	}
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if dbConnStr == "" {
		dbConnStr = connStrFromEnv()
	}
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	spillDir, _ := cmd.Flags().GetString("spill-dir")
	flushInterval, _ := cmd.Flags().GetDuration("flush-interval")
	svc, err := service.NewPipelineService(context.Background(), store, service.Config{
		SpillDir:      spillDir,
		FlushInterval: flushInterval,
		StepCommands:  stepCommandsFromEnv(),
	}, log.GetLogger())
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize service: %v", err)
		os.Exit(1)
	}
	return svc, func() {
		svc.Stop()
		if err := store.Close(); err != nil {
			log.GetLogger().Errorf("Failed to close store: %v", err)
		}
	}
}

// stepCommandsFromEnv starts from the default step scripts and overrides a
// step's argv from STEP_<N>_COMMAND when set, e.g.
// STEP_1_COMMAND="python3 jobs/generate.py".
func stepCommandsFromEnv() map[models.StepID]service.StepCommand {
	commands := service.DefaultStepCommands()
	for _, id := range []models.StepID{models.GenerateStep, models.CleanStep, models.AnalyticsStep} {
		if v := os.Getenv(fmt.Sprintf("STEP_%d_COMMAND", id)); v != "" {
			commands[id] = strings.Fields(v)
		}
	}
	return commands
}

func connStrFromEnv() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		fmt.Println("Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}
