package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loaddriver/internal/inventory"
	"loaddriver/internal/orchestrate"
	"loaddriver/internal/traffic"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Drive every driver host of a testbed inventory",
	Long: `Fan start, abort, status and wait out to every driver listed in the
inventory file. Hosts that fail are listed on a final "Failed:" line and the
command exits non-zero.`,
}

func newOrchestrator() (*orchestrate.Orchestrator, error) {
	inv, err := inventory.Load(viper.GetString("inventory"))
	if err != nil {
		return nil, err
	}
	hosts, err := inv.Role(viper.GetString("role"))
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("inventory has no %s", viper.GetString("role"))
	}
	return orchestrate.New(orchestrate.Config{
		Limit:        viper.GetInt("parallel"),
		ReadyTimeout: viper.GetDuration("ready-timeout"),
	}, hosts, logger), nil
}

func orchestrateOp(op func(context.Context, *orchestrate.Orchestrator, []string) (*orchestrate.Report, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		rep, err := op(ctx, o, args)
		if err != nil {
			return err
		}
		rep.Print(cmd.OutOrStdout())
		if failed := rep.Failed(); len(failed) > 0 {
			return fmt.Errorf("%d of %d hosts failed", len(failed), len(rep.Results))
		}
		return nil
	}
}

var orchestrateStartCmd = &cobra.Command{
	Use:   "start <spec>",
	Short: "Start the spec on every driver",
	Args:  cobra.ExactArgs(1),
	RunE: orchestrateOp(func(ctx context.Context, o *orchestrate.Orchestrator, args []string) (*orchestrate.Report, error) {
		spec, err := traffic.DecodeFile(args[0])
		if err != nil {
			return nil, err
		}
		rep := o.Start(ctx, spec)
		if !viper.GetBool("wait") || len(rep.Failed()) > 0 {
			return rep, nil
		}
		return o.Wait(ctx), nil
	}),
}

var orchestrateAbortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort the experiment on every driver",
	Args:  cobra.NoArgs,
	RunE: orchestrateOp(func(ctx context.Context, o *orchestrate.Orchestrator, _ []string) (*orchestrate.Report, error) {
		return o.Abort(ctx), nil
	}),
}

var orchestrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the experiment status of every driver",
	Args:  cobra.NoArgs,
	RunE: orchestrateOp(func(ctx context.Context, o *orchestrate.Orchestrator, _ []string) (*orchestrate.Report, error) {
		return o.Status(ctx), nil
	}),
}

var orchestrateWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait until every driver's experiment is done",
	Args:  cobra.NoArgs,
	RunE: orchestrateOp(func(ctx context.Context, o *orchestrate.Orchestrator, _ []string) (*orchestrate.Report, error) {
		return o.Wait(ctx), nil
	}),
}

func init() {
	pf := orchestrateCmd.PersistentFlags()
	pf.StringP("inventory", "i", "inventory.yaml", "Testbed inventory file")
	pf.String("role", "drivers", "Inventory role to drive")
	pf.Int("parallel", orchestrate.DefaultLimit, "Maximum concurrent requests")
	pf.Duration("ready-timeout", 5*time.Second, "How long to wait for each control port")

	orchestrateStartCmd.Flags().Bool("wait", false, "Wait until every experiment is done")

	orchestrateCmd.AddCommand(orchestrateStartCmd, orchestrateAbortCmd, orchestrateStatusCmd, orchestrateWaitCmd)
	rootCmd.AddCommand(orchestrateCmd)
}
