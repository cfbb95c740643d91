package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roelfdiedericks/browserclaw/internal/browser"
	"github.com/roelfdiedericks/browserclaw/internal/config"
	"github.com/roelfdiedericks/browserclaw/internal/controller"
	"github.com/roelfdiedericks/browserclaw/internal/dom"
	. "github.com/roelfdiedericks/browserclaw/internal/logging"
	"github.com/roelfdiedericks/browserclaw/internal/planner"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
	"github.com/roelfdiedericks/browserclaw/internal/relay"
	"github.com/roelfdiedericks/browserclaw/internal/relayserver"
	"github.com/roelfdiedericks/browserclaw/internal/router"
	"github.com/roelfdiedericks/browserclaw/internal/session"
)

const version = "0.0.1"

func usage() {
	fmt.Fprintf(os.Stderr, `browserclaw %s

Usage:
  browserclaw              run the adapter (browser + relay connection)
  browserclaw relay        run the local relay server
  browserclaw run <plan>   execute a plan file (JSON steps)
  browserclaw plan <goal>  plan a goal with the LLM and execute it
  browserclaw version      print the version
`, version)
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("browserclaw %s\n", version)
		return
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	Init(&Config{
		Level:      ParseLevel(cfg.Log.Level),
		ShowCaller: cfg.Log.ShowCaller,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verb := ""
	if len(os.Args) > 1 {
		verb = os.Args[1]
	}

	switch verb {
	case "":
		runAdapter(ctx, cfg)
	case "relay":
		runRelay(ctx, cfg)
	case "run":
		if len(os.Args) < 3 {
			usage()
			os.Exit(2)
		}
		runPlanFile(ctx, cfg, os.Args[2])
	case "plan":
		if len(os.Args) < 3 {
			usage()
			os.Exit(2)
		}
		runGoal(ctx, cfg, os.Args[2])
	default:
		usage()
		os.Exit(2)
	}
}

// runAdapter drives the browser and stays connected to the relay until
// interrupted.
func runAdapter(ctx context.Context, cfg *config.Config) {
	L_info("browserclaw %s starting (adapter)", version)

	bm, err := browser.NewManager(cfg.Browser)
	if err != nil {
		L_fatal("browser manager: %v", err)
	}
	b, err := bm.Browser()
	if err != nil {
		L_fatal("browser start: %v", err)
	}

	tabs := session.NewManager(b, dom.NewPageTransport(), bm.NewPage)
	tabs.Watch()

	client := relay.NewClient(cfg.Relay, router.New(tabs))
	client.Start(ctx)

	L_info("adapter ready", "relay", cfg.Relay.URL)
	<-ctx.Done()

	L_info("adapter shutting down")
	client.Stop()
	bm.Close()
}

// runRelay hosts the local relay server until interrupted.
func runRelay(ctx context.Context, cfg *config.Config) {
	L_info("browserclaw %s starting (relay)", version)

	runlog := relayserver.NewRunLog(cfg.Server.Runlog)
	srv := relayserver.New(runlog)
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr()); err != nil {
		L_fatal("relay server: %v", err)
	}
}

// runPlanFile executes a plan loaded from disk and prints the outcome.
func runPlanFile(ctx context.Context, cfg *config.Config, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		L_fatal("read plan: %v", err)
	}
	plan, err := protocol.ValidatePlan(raw)
	if err != nil {
		L_fatal("invalid plan: %v", err)
	}
	executePlan(ctx, cfg, plan)
}

// runGoal plans a natural-language goal with the LLM, shows the plan and
// executes it.
func runGoal(ctx context.Context, cfg *config.Config, goal string) {
	p := planner.New(cfg.Planner)
	plan, err := p.Plan(ctx, goal)
	if err != nil {
		L_fatal("planning failed: %v", err)
	}

	fmt.Println("Plan:")
	for _, step := range plan.Steps {
		line, _ := json.Marshal(step)
		fmt.Printf("- %s\n", line)
	}

	executePlan(ctx, cfg, plan)
}

func executePlan(ctx context.Context, cfg *config.Config, plan *protocol.Plan) {
	c, err := controller.Dial(ctx, cfg.Relay.URL, cfg.Controller)
	if err != nil {
		L_fatal("relay connection: %v", err)
	}
	defer c.Close()

	if err := c.WaitForAdapter(ctx); err != nil {
		L_error("adapter not reachable: %v", err)
		fmt.Fprintln(os.Stderr, "hint: start the adapter (browserclaw) and the relay (browserclaw relay) first")
		os.Exit(1)
	}

	result := c.RunPlan(ctx, plan)
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Printf("\nResult:\n%s\n", out)
	if !result.OK {
		os.Exit(1)
	}
}
