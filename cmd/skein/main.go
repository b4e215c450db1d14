package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/bridge"
	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/discord"
	"github.com/skein-dev/skein/internal/events"
	"github.com/skein-dev/skein/internal/mcp"
	"github.com/skein-dev/skein/internal/orchestrator"
	"github.com/skein-dev/skein/internal/provider"
	"github.com/skein-dev/skein/internal/server"
	"github.com/skein-dev/skein/internal/state"
	"github.com/skein-dev/skein/internal/telegram"
	"github.com/skein-dev/skein/internal/tools"
	"github.com/skein-dev/skein/internal/workflow"
)

var output = termenv.NewOutput(os.Stdout)

func init() {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		output = termenv.NewOutput(os.Stdout, termenv.WithProfile(termenv.Ascii))
	}
}

// engine bundles everything a command needs to run workflows
type engine struct {
	settings *config.Store
	library  *workflow.Library
	store    *workflow.FileStore
	emitter  *events.Emitter
	state    *state.Manager
	runner   *orchestrator.Orchestrator
	mcpHub   *mcp.Hub
}

func buildEngine(workflowDir string) (*engine, error) {
	settings, err := config.NewStore()
	if err != nil {
		return nil, err
	}
	cfg := settings.Get()

	if workflowDir == "" {
		workflowDir = cfg.WorkflowDir
	}
	library, err := workflow.NewLibrary(workflowDir)
	if err != nil {
		return nil, err
	}

	store, err := workflow.DefaultFileStore()
	if err != nil {
		return nil, err
	}

	prov, err := provider.New(provider.Config{
		Provider: cfg.Provider.Provider,
		APIKey:   cfg.Provider.APIKeyFor(cfg.Provider.Provider),
		Model:    cfg.Provider.Model,
		BaseURL:  cfg.Provider.BaseURL,
	})
	if err != nil {
		return nil, err
	}

	cwd, _ := os.Getwd()
	executor := tools.NewNativeExecutor(cwd)
	executor.SetSearchClient(tools.NewDuckDuckGoClient())
	if bookmarks, err := tools.DefaultBookmarkStore(); err == nil {
		executor.SetBookmarkStore(bookmarks)
	}

	var hub *mcp.Hub
	if configDir, err := config.Dir(); err == nil {
		hub = mcp.NewHub(configDir)
		executor.SetMCPHub(hub)
	}

	orchCfg := orchestrator.Config{
		Model:         cfg.Provider.Model,
		MaxTokens:     cfg.Orchestrator.MaxTokens,
		ContextWindow: cfg.Orchestrator.ContextWindow,
	}
	executor.SetSubagentRunner(orchestrator.NewSubagentRunner(prov, executor, orchCfg))

	emitter := events.NewEmitter()
	stateMgr := state.NewManager()
	emitter.Subscribe(stateMgr.HandleEvent)

	return &engine{
		settings: settings,
		library:  library,
		store:    store,
		emitter:  emitter,
		state:    stateMgr,
		runner:   orchestrator.New(prov, executor, orchCfg),
		mcpHub:   hub,
	}, nil
}

func main() {
	log.SetFlags(log.LstdFlags)

	var workflowDir string

	rootCmd := &cobra.Command{
		Use:   "skein",
		Short: "AI workflow engine: resumable step graphs driven by tool-calling models",
	}
	rootCmd.PersistentFlags().StringVar(&workflowDir, "workflow-dir", "", "Directory of workflow YAML definitions (default ~/.skein/workflows)")

	runCmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Run a workflow interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, _ := cmd.Flags().GetStringToString("var")
			return runWorkflow(workflowDir, args[0], vars)
		},
	}
	runCmd.Flags().StringToString("var", nil, "Input variables, e.g. --var topic=go --var limit=3")

	resumeCmd := &cobra.Command{
		Use:   "resume <execution-id> <input>",
		Short: "Resume a paused execution with input text",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return resumeExecution(workflowDir, args[0], args[1])
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known executions",
		RunE: func(*cobra.Command, []string) error {
			return listExecutions()
		},
	}

	workflowsCmd := &cobra.Command{
		Use:   "workflows",
		Short: "List workflow definitions",
		RunE: func(*cobra.Command, []string) error {
			eng, err := buildEngine(workflowDir)
			if err != nil {
				return err
			}
			for _, wf := range eng.library.List() {
				fmt.Printf("%-24s %s (%d steps)\n", wf.ID, wf.Name, len(wf.Steps))
			}
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			wf, err := workflow.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: valid (%d steps)\n", wf.ID, len(wf.Steps))
			return nil
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over websocket, with optional chat notifiers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return serveEngine(workflowDir, addr)
		},
	}
	serveCmd.Flags().String("addr", "127.0.0.1:8749", "Listen address")

	bridgeCmd := &cobra.Command{
		Use:   "bridge <relay-url>",
		Short: "Tunnel the engine to a remote relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := cmd.Flags().GetString("session")
			return runBridge(workflowDir, args[0], session)
		},
	}
	bridgeCmd.Flags().String("session", "default", "Bridge session id")

	rootCmd.AddCommand(runCmd, resumeCmd, listCmd, workflowsCmd, validateCmd, serveCmd, bridgeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, output.String("Error: "+err.Error()).Foreground(output.Color("1")))
		os.Exit(1)
	}
}

func runWorkflow(workflowDir, workflowID string, varFlags map[string]string) error {
	eng, err := buildEngine(workflowDir)
	if err != nil {
		return err
	}

	wf, ok := eng.library.Get(workflowID)
	if !ok {
		return fmt.Errorf("workflow not found: %s", workflowID)
	}

	inputs := make(map[string]interface{}, len(varFlags))
	for k, v := range varFlags {
		inputs[k] = v
	}

	ex := workflow.NewExecutor(wf, eng.runner, eng.store, eng.emitter, inputs)
	eng.emitter.Subscribe(printEvent)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nCancelling...")
		ex.Cancel()
	}()

	ctx := context.Background()
	if err := ex.Start(ctx); err != nil {
		return err
	}

	// Input gates pause the run-loop; feed stdin lines back in until the
	// execution reaches a terminal state
	reader := bufio.NewReader(os.Stdin)
	for {
		snap := ex.Context()
		if snap.Status != workflow.StatusPaused {
			break
		}
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			ex.Cancel()
			break
		}
		if err := ex.Resume(ctx, strings.TrimSpace(line)); err != nil {
			return err
		}
	}

	final := ex.Context()
	fmt.Printf("\nExecution %s finished with status %s\n", final.ExecutionID, final.Status)
	return nil
}

func resumeExecution(workflowDir, executionID, input string) error {
	eng, err := buildEngine(workflowDir)
	if err != nil {
		return err
	}

	execCtx, err := eng.store.Load(executionID)
	if err != nil {
		return err
	}

	wf, ok := eng.library.Get(execCtx.WorkflowID)
	if !ok {
		return fmt.Errorf("workflow %s for execution %s is not in the library", execCtx.WorkflowID, executionID)
	}

	eng.emitter.Subscribe(printEvent)
	ex := workflow.NewExecutorFromContext(wf, eng.runner, eng.store, eng.emitter, execCtx)
	if err := ex.Resume(context.Background(), input); err != nil {
		return err
	}

	final := ex.Context()
	fmt.Printf("\nExecution %s now has status %s\n", final.ExecutionID, final.Status)
	return nil
}

func listExecutions() error {
	store, err := workflow.DefaultFileStore()
	if err != nil {
		return err
	}
	executions, err := store.List()
	if err != nil {
		return err
	}

	for _, execCtx := range executions {
		fmt.Printf("%-36s %-20s %-10s step=%s\n",
			execCtx.ExecutionID, execCtx.WorkflowID, execCtx.Status, execCtx.CurrentStepID)
	}
	return nil
}

func serveEngine(workflowDir, addr string) error {
	eng, err := buildEngine(workflowDir)
	if err != nil {
		return err
	}

	handler := server.NewHandler(eng.library, eng.store, eng.emitter, eng.state, eng.runner, eng.settings)
	cfg := eng.settings.Get()

	if cfg.Notifications.TelegramToken != "" {
		tgBot, err := telegram.New(cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChatID, cfg.Notifications.AllowedUserIDs, eng.state)
		if err != nil {
			log.Printf("Telegram bot disabled: %v", err)
		} else {
			eng.emitter.Subscribe(tgBot.HandleEvent)
			go tgBot.Start(context.Background())
		}
	}

	if cfg.Notifications.DiscordToken != "" {
		dcBot, err := discord.New(cfg.Notifications.DiscordToken, cfg.Notifications.DiscordChannel, eng.state)
		if err != nil {
			log.Printf("Discord bot disabled: %v", err)
		} else {
			eng.emitter.Subscribe(dcBot.HandleEvent)
			if err := dcBot.Start(); err != nil {
				log.Printf("Discord bot failed to start: %v", err)
			} else {
				defer dcBot.Stop()
			}
		}
	}

	return server.NewServer(handler, eng.emitter).Listen(addr)
}

func runBridge(workflowDir, relayURL, sessionID string) error {
	eng, err := buildEngine(workflowDir)
	if err != nil {
		return err
	}

	handler := server.NewHandler(eng.library, eng.store, eng.emitter, eng.state, eng.runner, eng.settings)
	client := bridge.NewClient(relayURL, sessionID, handler, eng.emitter)

	if err := client.Start(context.Background()); err != nil {
		return err
	}
	defer client.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func printEvent(ev events.Event) {
	switch ev.Type {
	case events.StepStart:
		fmt.Println(output.String("-> step " + ev.StepID).Foreground(output.Color("6")))
	case events.StepComplete:
		if result, ok := ev.Payload.(workflow.StepResult); ok {
			fmt.Println(output.String("ok step "+ev.StepID).Foreground(output.Color("2")))
			if result.Output != "" {
				fmt.Println(indent(result.Output))
			}
		}
	case events.WaitingForInput:
		prompt := ""
		if payload, ok := ev.Payload.(map[string]interface{}); ok {
			prompt, _ = payload["prompt"].(string)
		}
		fmt.Println(output.String("Waiting for input: "+prompt).Foreground(output.Color("3")))
	case events.WorkflowComplete:
		fmt.Println(output.String("Workflow complete").Foreground(output.Color("2")))
	case events.WorkflowFailed:
		fmt.Println(output.String("Workflow failed: "+events.FailureMessage(ev)).Foreground(output.Color("1")))
	case events.ExecutionCancelled:
		fmt.Println(output.String("Execution cancelled").Foreground(output.Color("3")))
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "   " + line
	}
	return strings.Join(lines, "\n")
}
