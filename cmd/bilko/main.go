package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stanislavbg/bilko/internal/workflow"
	"gopkg.in/yaml.v3"
)

const cliVersion = "0.1.0"

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	workflow.ConfigureLogging(envOr("BILKO_LOG_LEVEL", "info"), os.Getenv("BILKO_LOG_PRETTY") != "")

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("bilko %s\n", cliVersion)
		os.Exit(0)
	case "validate":
		cmdValidate(os.Args[2:])
	case "compile":
		cmdCompile(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  bilko --version")
	fmt.Fprintln(os.Stderr, "  bilko validate --workflow <file.yaml|file.json>")
	fmt.Fprintln(os.Stderr, "  bilko compile --workflow <file.yaml|file.json>")
	fmt.Fprintln(os.Stderr, "  bilko run --workflow <file.yaml|file.json> --scope <scope> [--config <defaults.yaml>] [--secret key=value ...]")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func cmdValidate(args []string) {
	var path string
	for i := 0; i < len(args); i++ {
		if args[i] == "--workflow" {
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workflow requires a value")
				os.Exit(1)
			}
			path = args[i]
		}
	}
	if path == "" {
		usage()
		os.Exit(1)
	}

	w, err := loadWorkflowFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	result := workflow.ValidateWorkflow(w)
	printJSON(result)
	if !result.Valid {
		os.Exit(1)
	}
}

func cmdCompile(args []string) {
	var path string
	for i := 0; i < len(args); i++ {
		if args[i] == "--workflow" {
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workflow requires a value")
				os.Exit(1)
			}
			path = args[i]
		}
	}
	if path == "" {
		usage()
		os.Exit(1)
	}

	w, err := loadWorkflowFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	registry := workflow.NewHandlerRegistry()
	result := workflow.CompileWorkflow(w, registry)
	printJSON(result)
	if !result.Success {
		os.Exit(1)
	}
}

func cmdRun(args []string) {
	var path, scope, configPath string
	secretOverrides := map[string]string{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--workflow":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workflow requires a value")
				os.Exit(1)
			}
			path = args[i]
		case "--scope":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--scope requires a value")
				os.Exit(1)
			}
			scope = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--secret":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--secret requires a key=value")
				os.Exit(1)
			}
			k, v, ok := splitKV(args[i])
			if !ok {
				fmt.Fprintf(os.Stderr, "invalid --secret %q, expected key=value\n", args[i])
				os.Exit(1)
			}
			secretOverrides[k] = v
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if path == "" || scope == "" {
		usage()
		os.Exit(1)
	}

	w, err := loadWorkflowFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var cfg *workflow.ExecutorConfig
	if configPath != "" {
		cfg, err = workflow.LoadExecutorConfigFile(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	} else {
		cfg = workflow.NewExecutorConfigFromEnv()
	}

	registry := workflow.NewHandlerRegistry()
	workflows := workflow.NewMemWorkflowStore()
	runs := workflow.NewMemRunStore()
	events := workflow.NewMemEventStore()
	provenances := workflow.NewMemProvenanceStore()
	attestations := workflow.NewMemAttestationStore()
	publisher := workflow.NewPublisher(events)
	executor := workflow.NewExecutor(workflows, runs, provenances, attestations, publisher, registry, cfg)

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	if _, err := workflows.Create(ctx, *w); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	run, createErr := executor.CreateRun(ctx, workflow.CreateRunInput{
		Scope:           scope,
		WorkflowID:      w.ID,
		WorkflowVersion: w.Version,
		SecretOverrides: secretOverrides,
	})
	if createErr != nil {
		fmt.Fprintln(os.Stderr, createErr.Error())
		os.Exit(1)
	}

	run, execErr := executor.ExecuteRun(ctx, scope, run.ID, secretOverrides)
	if execErr != nil {
		fmt.Fprintln(os.Stderr, execErr.Error())
		os.Exit(1)
	}

	printJSON(run)
	if run.Status != workflow.RunSucceeded {
		os.Exit(1)
	}
}

func splitKV(s string) (key, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func loadWorkflowFile(path string) (*workflow.Workflow, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var w workflow.Workflow
	if err := yaml.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &w, nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(b))
}
