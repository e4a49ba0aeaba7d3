package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/application"
	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/service"
	"github.com/stepline/stepline/internal/infrastructure/config"
	"github.com/stepline/stepline/internal/infrastructure/logger"
)

const (
	appName    = "stepline"
	appVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Stepline is a plan-driven task execution engine",
		Long:  "Stepline runs missions through an LLM-planned step list with tool execution, approval gates, and resumable sessions.",
	}

	runCmd := &cobra.Command{
		Use:   "run [mission]",
		Short: "Run one mission to completion (or suspension) and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMission,
	}
	runCmd.Flags().StringP("session", "s", "default", "session id to run under")
	runCmd.Flags().StringP("workspace", "w", "", "workspace root for built-in tools")
	runCmd.Flags().Bool("answer", false, "treat the argument as the answer to the session's pending question")

	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/WebSocket server",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment",
		RunE:  runDoctor,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting Stepline",
		zap.String("version", appVersion),
		zap.String("mode", cfg.Server.Mode),
	)

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Error("Failed to initialize application", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return app.Stop(stopCtx)
}

func runMission(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	workspace, _ := cmd.Flags().GetString("workspace")
	isAnswer, _ := cmd.Flags().GetBool("answer")
	mission := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if workspace != "" {
		cfg.Engine.Workspace = workspace
	}

	// Console logging at warn keeps the event stream readable.
	log, err := logger.New(logger.Config{
		Level:      "warn",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	app, err := application.NewHeadlessApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		app.Stop(stopCtx)
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := app.MissionRunner()

	var (
		res    *service.ExecutionResult
		events <-chan entity.Event
	)
	if isAnswer {
		res, events, err = runner.Answer(ctx, sessionID, mission)
	} else {
		res, events, err = runner.Run(ctx, sessionID, mission)
	}
	if err != nil {
		return err
	}

	printEvents(events)
	printResult(res.Status, res.FinalMessage, res.PendingQuestion)
	return nil
}

func printEvents(events <-chan entity.Event) {
	for event := range events {
		switch event.Type {
		case entity.EventThought:
			if content, ok := event.Data["content"].(string); ok {
				fmt.Printf("· %s\n", content)
			}
		case entity.EventToolStarted:
			fmt.Printf("→ %s\n", event.Data["tool"])
		case entity.EventToolResult:
			fmt.Printf("← %s success=%v\n", event.Data["tool"], event.Data["success"])
		case entity.EventAskUser:
			fmt.Printf("? %s\n", event.Data["question"])
		case entity.EventError:
			fmt.Printf("✗ %s\n", event.Data["error"])
		}
	}
}

func printResult(status, finalMessage string, pending *entity.PendingQuestion) {
	fmt.Println()
	switch status {
	case "paused":
		if pending != nil {
			fmt.Printf("Paused: %s\n", pending.Question)
		} else {
			fmt.Println("Paused.")
		}
		fmt.Printf("Resume with: %s run --answer --session <id> \"<reply>\"\n", appName)
	case "completed":
		fmt.Println(finalMessage)
	default:
		fmt.Printf("Failed: %s\n", finalMessage)
	}
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("%s v%s\n\n", appName, appVersion)

	home := config.HomeDir()
	if _, err := os.Stat(home); err == nil {
		fmt.Printf("✓ home directory: %s\n", home)
	} else {
		fmt.Printf("✗ home directory missing: %s (run any command to bootstrap)\n", home)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("✗ config: %v\n", err)
		return nil
	}
	fmt.Println("✓ config loads")

	if len(cfg.LLM.Providers) == 0 {
		fmt.Println("✗ no LLM providers configured (edit " + home + "/config.yaml)")
	} else {
		for _, p := range cfg.LLM.Providers {
			key := p.APIKey
			if key == "" && p.APIKeyEnv != "" {
				key = os.Getenv(p.APIKeyEnv)
			}
			if key == "" {
				fmt.Printf("✗ provider %s: no API key (set %s)\n", p.Name, p.APIKeyEnv)
			} else {
				fmt.Printf("✓ provider %s: %d model(s)\n", p.Name, len(p.Models))
			}
		}
	}

	if len(cfg.LLM.Aliases) == 0 {
		fmt.Println("✗ no model aliases configured")
	} else {
		data, _ := json.Marshal(cfg.LLM.Aliases)
		fmt.Printf("✓ aliases: %s\n", data)
	}

	fmt.Printf("✓ approval mode: %s\n", cfg.Approval.Mode)
	fmt.Printf("✓ store: %s (journal: %s)\n", cfg.Store.Driver, cfg.Store.Journal.Driver)
	return nil
}
