package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warriorguo/dagflow"
	"github.com/warriorguo/dagflow/definition"
	"github.com/warriorguo/dagflow/executor/process"
	"github.com/warriorguo/dagflow/observer"
	"github.com/warriorguo/dagflow/observer/socketio"
	"github.com/warriorguo/dagflow/types"
)

var (
	logLevelFlag string

	pollFlag     time.Duration
	graceFlag    time.Duration
	socketIOFlag string
	workDirFlag  string
	supplyFlag   []string
	dotFlag      bool
	keepFlag     bool
)

var rootCmd = &cobra.Command{
	Use:          "dagflow",
	Short:        "Build, inspect and run data flow workflows described in HCL",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(logLevelFlag)
		if err != nil {
			return errors.Annotatef(err, "--log-level")
		}
		log.SetLevel(level)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a definition and print the order its nodes would run in",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var targetsCmd = &cobra.Command{
	Use:   "targets FILE [NODE]",
	Short: "List the nodes each node may still be connected to without a cycle",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runTargets,
}

var renderCmd = &cobra.Command{
	Use:   "render FILE",
	Short: "Print the workflow as a graphviz digraph",
	Args:  cobra.ExactArgs(1),
	RunE:  runRender,
}

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Run every node command of a definition in dependency order",
	Long: `Runs the "command" of every node through sh -c, one node at a time.
Each node gets its own working directory holding consume.json and
produce.json, and the environment variables DAGFLOW_WORKFLOW, DAGFLOW_NODE,
DAGFLOW_INPUTS and DAGFLOW_EXPORTS. Ctrl-C stops the run.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "logrus level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringSliceVar(&supplyFlag, "supply", nil, "node.input provided from outside the graph, may be repeated")

	runCmd.Flags().DurationVar(&pollFlag, "poll", 0, "executor poll interval, DAGFLOW_POLL_INTERVAL or 1s when unset")
	runCmd.Flags().DurationVar(&graceFlag, "grace", 0, "how long a stopped node may take to exit, DAGFLOW_STOP_GRACE or 30s when unset")
	runCmd.Flags().StringVar(&socketIOFlag, "socketio", "", "socket.io server url to push run events to")
	runCmd.Flags().StringVar(&workDirFlag, "workdir", "", "parent directory of the node working directories")
	runCmd.Flags().BoolVar(&dotFlag, "dot", false, "print the rendered workflow once the run is over")
	runCmd.Flags().BoolVar(&keepFlag, "keep", false, "keep the node working directories and print them")

	rootCmd.AddCommand(validateCmd, targetsCmd, renderCmd, runCmd)
}

// load builds a standalone workflow from a definition file.
func load(path string, opts ...types.EngineOption) (types.Engine, types.Workflow, map[string]types.NodeID, error) {
	def, err := definition.Parse(path)
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	engine, err := dagflow.NewEngineFromEnv(append([]types.EngineOption{types.EnableMemStore()}, opts...)...)
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	w, err := engine.CreateWorkflow("")
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	ids, err := def.Apply(w)
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	return engine, w, ids, nil
}

func supplied(ids map[string]types.NodeID) (types.RunOptions, error) {
	opts := types.RunOptions{Supplied: make(map[types.NodeID][]string)}
	for _, ref := range supplyFlag {
		name, input, found := strings.Cut(ref, ".")
		if !found {
			return opts, errors.NotValidf("--supply %q, want node.input", ref)
		}
		id, exists := ids[name]
		if !exists {
			return opts, errors.NotFoundf("node %q of --supply %s", name, ref)
		}
		opts.Supplied[id] = append(opts.Supplied[id], input)
	}
	return opts, nil
}

func names(w types.Workflow, ids []types.NodeID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if info, exists := w.Node(id); exists {
			out = append(out, info.Name)
		}
	}
	return out
}

func runValidate(cmd *cobra.Command, args []string) error {
	engine, w, ids, err := load(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	defer engine.Close(cmd.Context())

	opts, err := supplied(ids)
	if err != nil {
		return errors.Trace(err)
	}
	order, err := w.Plan(opts)
	if err != nil {
		var stall *types.StallError
		if errors.As(err, &stall) {
			for _, node := range stall.Stalled {
				if node.Structural() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: unbound inputs %v\n", node.Name, node.UnboundInputs)
				}
			}
		}
		return errors.Trace(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d nodes, %d connectors\n", len(w.Nodes()), len(w.Connectors()))
	fmt.Fprintf(cmd.OutOrStdout(), "order: %s\n", strings.Join(names(w, order), " -> "))
	return nil
}

func runTargets(cmd *cobra.Command, args []string) error {
	engine, w, ids, err := load(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	defer engine.Close(cmd.Context())

	if len(args) == 2 {
		id, exists := ids[args[1]]
		if !exists {
			return errors.NotFoundf("node %q", args[1])
		}
		targets, err := w.ValidConnectionTargets(id)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[1], strings.Join(names(w, targets), " "))
		return nil
	}

	all := w.ValidConnections()
	for _, node := range w.Nodes() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", node.Name, strings.Join(names(w, all[node.ID]), " "))
	}
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	engine, w, _, err := load(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	defer engine.Close(cmd.Context())

	dot, err := engine.RenderWorkflow(w.ID())
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprint(cmd.OutOrStdout(), dot)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	opts := []types.EngineOption{
		types.WithExecutor(process.New(process.WithBaseDir(workDirFlag))),
		types.WithObserver(observer.NewLogObserver(nil)),
	}
	if pollFlag > 0 {
		opts = append(opts, types.WithPollInterval(pollFlag))
	}
	if graceFlag > 0 {
		opts = append(opts, types.WithStopGracePeriod(graceFlag))
	}
	if socketIOFlag != "" {
		o, err := socketio.Dial(socketio.Config{URL: socketIOFlag})
		if err != nil {
			return errors.Trace(err)
		}
		defer o.Close()
		opts = append(opts, types.WithObserver(o))
	}

	engine, w, ids, err := load(args[0], opts...)
	if err != nil {
		return errors.Trace(err)
	}
	defer engine.Close(context.Background())

	runOpts, err := supplied(ids)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := engine.Start(ctx, w.ID(), runOpts); err != nil {
		return errors.Trace(err)
	}
	go func() {
		<-ctx.Done()
		if err := engine.Stop(context.Background(), w.ID()); err != nil {
			log.Errorf("failed to stop %s: %v", w.ID(), err)
		}
	}()

	result, runErr := engine.Wait(context.Background(), w.ID())
	if result != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s in %v: %s\n", w.ID(), result.State,
			result.EndTime.Sub(result.StartTime).Round(time.Millisecond), strings.Join(names(w, result.Order), " -> "))
	}
	if dotFlag {
		dot, err := engine.RenderWorkflow(w.ID())
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Fprint(cmd.OutOrStdout(), dot)
	}
	if keepFlag {
		for _, info := range w.Nodes() {
			if info.Resource != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", info.Name, info.Resource)
			}
		}
	} else if err := engine.RemoveWorkflow(context.Background(), w.ID()); err != nil {
		log.Errorf("failed to clean up %s: %v", w.ID(), err)
	}
	return errors.Trace(runErr)
}
