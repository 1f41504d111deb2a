package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/application"
	"github.com/ngoclaw/browseragent/internal/domain/service"
	"github.com/ngoclaw/browseragent/internal/infrastructure/config"
	"github.com/ngoclaw/browseragent/internal/infrastructure/logger"
	"github.com/ngoclaw/browseragent/internal/interfaces/clirender"
)

const (
	appVersion = "0.1.0"
	appName    = "browseragent"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName + " [task]",
		Short: "browseragent — autonomous LLM-driven browser automation",
		Long:  "browseragent drives a real Chrome session to complete a plain-language task: reading the page, clicking, typing, navigating, one step at a time.",
		Args:  cobra.ArbitraryArgs,
		RunE:  runTask,
	}

	rootCmd.Flags().StringP("model", "m", "", "override the default model")
	rootCmd.Flags().IntP("max-steps", "s", 0, "override agent.max_iterations for this run")
	rootCmd.Flags().String("session-id", "", "attach to a shared session instead of a fresh one")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "check the local environment",
		RunE:  runDoctor,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTask(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	task := strings.Join(args, " ")

	log, err := logger.NewLogger(logger.Config{Level: "info", Format: "console", OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if m, _ := cmd.Flags().GetString("model"); m != "" {
		cfg.Agent.DefaultModel = m
	}

	app, err := application.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("app init: %w", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info("received shutdown signal, cancelling run", zap.String("signal", sig.String()))
		cancel()
	}()

	runID := newRunID()
	sessionID, _ := cmd.Flags().GetString("session-id")
	maxSteps, _ := cmd.Flags().GetInt("max-steps")

	log.Info("starting run", zap.String("run_id", runID), zap.String("task", task))

	result, err := app.RunTask(ctx, application.TaskRequest{
		RunID:     runID,
		SessionID: sessionID,
		Task:      task,
		MaxSteps:  maxSteps,
	})
	if err != nil {
		return fmt.Errorf("run task: %w", err)
	}

	printResult(result)
	log.Debug("run metrics", zap.Any("stats", app.Monitor().GetStats()))
	return nil
}

func printResult(result *service.RunResult) {
	fmt.Print(clirender.RunSummary(result))
}

func newRunID() string {
	return "run-" + uuid.NewString()
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("browseragent doctor v%s\n\n", appVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"config file", checkConfig},
		{"home directory", checkHomeDir},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "OK"
		if !ok {
			icon = "MISSING"
			allOK = false
		}
		fmt.Printf("  [%s] %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("all checks passed")
	} else {
		fmt.Println("one or more checks failed, see above")
	}
	return nil
}

func checkConfig() (string, bool) {
	path := config.HomeDir() + "/config.yaml"
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return path + " not found", false
}

func checkHomeDir() (string, bool) {
	home := config.HomeDir()
	if _, err := os.Stat(home); err == nil {
		return home, true
	}
	return home + " not found", false
}
