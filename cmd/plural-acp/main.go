// Command plural-acp is a line-mode front end for the ACP session manager.
// It connects to one agent, streams the conversation to stdout and reads
// prompts and slash commands from stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhubert/plural-acp/cli"
	"github.com/zhubert/plural-acp/config"
	pexec "github.com/zhubert/plural-acp/exec"
	"github.com/zhubert/plural-acp/history"
	"github.com/zhubert/plural-acp/logger"
	"github.com/zhubert/plural-acp/manager"
	"github.com/zhubert/plural-acp/paths"
)

type runConfig struct {
	agent     string
	list      bool
	bypass    bool
	cwd       string
	debug     bool
	noHistory bool
	logPath   string
}

func RunMain(args []string, run func(context.Context, runConfig) error) int {
	fs := flag.NewFlagSet("plural-acp", flag.ContinueOnError)
	agent := fs.String("agent", "", "Agent identity or short name (defaults to default_agent from config.yaml)")
	list := fs.Bool("list", false, "List discovered agents and their connector status, then exit")
	bypass := fs.Bool("bypass", false, "Start in bypass permissions mode")
	cwd := fs.String("cwd", "", "Working directory for the agent session")
	debug := fs.Bool("debug", false, "Enable debug logging")
	noHistory := fs.Bool("no-history", false, "Do not restore or save conversation history")
	logPath := fs.String("log", "", "Log file path")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if run == nil {
		run = defaultRun
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, runConfig{
		agent:     *agent,
		list:      *list,
		bypass:    *bypass,
		cwd:       *cwd,
		debug:     *debug,
		noHistory: *noHistory,
		logPath:   *logPath,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(RunMain(os.Args[1:], nil))
}

func defaultRun(ctx context.Context, cfg runConfig) error {
	logPath := cfg.logPath
	if logPath == "" {
		p, err := logger.DefaultLogPath()
		if err != nil {
			return err
		}
		logPath = p
	}
	if err := logger.Init(logPath); err != nil {
		return err
	}
	defer logger.Close()

	settings, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetDebug(cfg.debug || settings.Debug)
	log := logger.WithComponent("main")

	userDir, err := paths.AgentsDir()
	if err != nil {
		return err
	}
	agents := config.DiscoverAgents(config.DiscoverOptions{
		UserDir:   userDir,
		Overrides: settings.Agents,
		Log:       log,
	})

	if cfg.list {
		results := cli.CheckAll(ctx, cli.FromAgents(agents, ""), cli.CheckOptions{})
		fmt.Print(cli.FormatCheckResults(results))
		return nil
	}

	key := cfg.agent
	if key == "" {
		key = settings.DefaultAgent
	}
	if key == "" {
		return errors.New("no agent selected: pass -agent or set default_agent in config.yaml")
	}
	agent, err := config.FindAgent(agents, key)
	if err != nil {
		return err
	}
	if err := cli.ValidateRequired(ctx, cli.FromAgents(agents, agent.Identity), cli.CheckOptions{}); err != nil {
		return err
	}

	opts, err := manager.OptionsFromSettings(settings, cfg.cwd)
	if err != nil {
		return err
	}
	if cfg.bypass {
		opts.BypassPermissions = true
	}
	opts.Log = logger.WithAgent(agent.Identity)
	opts.Terminal = newShellTerminal(pexec.GetDefaultExecutor(), cfg.cwd, os.Stdout)
	updater := newSettingsUpdater(settings, logger.WithComponent("settings"))
	opts.Config = updater

	if settings.History.Enabled && !cfg.noHistory {
		store, err := history.OpenDefault(settings.History.MaxPayloads, logger.WithComponent("history"))
		if err != nil {
			log.Warn("history unavailable", "error", err)
		} else {
			defer store.Close()
			opts.History = store
		}
	} else {
		opts.RestoreFromHistory = false
	}

	sm, err := manager.New(opts)
	if err != nil {
		return err
	}
	defer sm.Close()
	updater.attach(sm)

	return runREPL(ctx, sm, agent, os.Stdin, os.Stdout)
}
