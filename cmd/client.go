package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loaddriver/internal/cli"
	"loaddriver/internal/client"
	"loaddriver/internal/runner"
	"loaddriver/internal/traffic"
	"loaddriver/internal/tui"
	"loaddriver/internal/tui/history"
)

const defaultDriverAddr = "localhost:8080"

func addAddrFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("addr", "a", defaultDriverAddr, "Driver control address (host:port or URL)")
}

func driverClient() *client.Client {
	return client.New(viper.GetString("addr"))
}

var submitCmd = &cobra.Command{
	Use:   "submit <spec.yaml|spec.json|->",
	Short: "Start an experiment on a driver",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := traffic.DecodeFile(args[0])
		if err != nil {
			return err
		}
		c := driverClient()
		ctx, cancel := signalContext()
		defer cancel()

		if err := c.WaitReady(ctx, viper.GetDuration("ready-timeout")); err != nil {
			return err
		}
		st, err := c.Submit(ctx, spec)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started %s on %s (%s, %d phases)\n",
			st.ID, c.BaseURL, time.Duration(st.TotalSeconds*float64(time.Second)), st.PhaseCount)

		if !viper.GetBool("wait") {
			return nil
		}
		return waitDone(ctx, c, cmd.OutOrStdout())
	},
}

// waitDone prints progress until the driver's experiment is done. An
// interrupt aborts it.
func waitDone(ctx context.Context, c *client.Client, w io.Writer) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "\nInterrupted, aborting experiment...")
			abortCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			st, err := c.Abort(abortCtx)
			if err != nil && !errors.Is(err, runner.ErrNotRunning) {
				return err
			}
			return printStatus(w, st, false)
		case <-ticker.C:
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if st.Finished() {
				fmt.Fprintln(w)
				return printStatus(w, st, false)
			}
			fmt.Fprintf(w, "\r%s", cli.ProgressLine(st))
		}
	}
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort the experiment running on a driver",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		st, err := driverClient().Abort(ctx)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), st, viper.GetBool("json"))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current or last experiment of a driver",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		st, err := driverClient().Status(ctx)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), st, viper.GetBool("json"))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "List finished experiments of a driver",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c := driverClient()
		w := cmd.OutOrStdout()

		if len(args) == 1 {
			item, err := c.HistoryItem(ctx, args[0])
			if err != nil {
				return err
			}
			return writeIndented(w, item)
		}

		items, err := c.History(ctx, viper.GetInt("limit"))
		if err != nil {
			return err
		}
		if path := viper.GetString("csv"); path != "" {
			if err := cli.ExportCSV(items, path); err != nil {
				return err
			}
			fmt.Fprintf(w, "Wrote %d experiments to %s\n", len(items), path)
			return nil
		}
		if viper.GetBool("json") {
			return writeIndented(w, items)
		}
		if viper.GetBool("tui") {
			_, err := tea.NewProgram(history.NewModel(items), tea.WithAltScreen()).Run()
			return err
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tDESTINATION\tREASON\tLAUNCHED\tFAILED")
		for _, it := range items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
				it.ID, it.StartedAt.Local().Format(time.DateTime), it.Duration().Round(time.Second),
				it.Destination, it.EndReason, it.Summary.Launched, it.Summary.FailedExits)
		}
		return tw.Flush()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live monitor of a driver's experiment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		c := driverClient()
		m := tui.NewModel(c, c.BaseURL)
		m.Interval = viper.GetDuration("interval")
		m.ExitOnDone = viper.GetBool("exit-on-done")
		return tui.Run(ctx, m)
	},
}

func printStatus(w io.Writer, st runner.Status, asJSON bool) error {
	if asJSON {
		return writeIndented(w, st)
	}
	fmt.Fprintf(w, "%s  %s  dst=%s  policy=%s\n", st.ID, st.State, st.Destination, st.Policy)
	fmt.Fprintln(w, cli.ProgressLine(st))
	if st.EndReason != "" {
		fmt.Fprintf(w, "ended: %s\n", st.EndReason)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "error: %s\n", st.Error)
	}
	return nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	for _, c := range []*cobra.Command{submitCmd, abortCmd, statusCmd, historyCmd, watchCmd} {
		addAddrFlag(c)
		rootCmd.AddCommand(c)
	}

	submitCmd.Flags().Bool("wait", false, "Wait for the experiment to finish")
	submitCmd.Flags().Duration("ready-timeout", 5*time.Second, "How long to wait for the control port")

	abortCmd.Flags().Bool("json", false, "Print the final status as JSON")
	statusCmd.Flags().Bool("json", false, "Print the status as JSON")

	historyCmd.Flags().Int("limit", 20, "Number of experiments to list")
	historyCmd.Flags().Bool("json", false, "Print JSON")
	historyCmd.Flags().String("csv", "", "Write the list to a CSV file")
	historyCmd.Flags().Bool("tui", false, "Browse the list interactively")

	watchCmd.Flags().Duration("interval", tui.DefaultPollInterval, "Poll interval")
	watchCmd.Flags().Bool("exit-on-done", false, "Quit when the experiment finishes")
}
