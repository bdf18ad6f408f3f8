package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"loaddriver/internal/cli"
	"loaddriver/internal/runner"
	"loaddriver/internal/storage"
	"loaddriver/internal/traffic"
)

var runCmd = &cobra.Command{
	Use:   "run <spec.yaml|spec.json|->",
	Short: "Run a traffic spec locally with a progress line",
	Args:  cobra.ExactArgs(1),
	RunE:  runLocal,
}

func init() {
	f := runCmd.Flags()
	f.StringP("out", "o", "", "Write the final status as JSON to this file")
	f.Bool("save", false, "Record the experiment in the history database")
	f.String("history", "", "History database path (default $HOME/.loaddriver/history.db)")
	f.Int("history-max", storage.DefaultMaxItems, "Experiments kept in the history database")
	addDriverFlags(runCmd)

	rootCmd.AddCommand(runCmd)
}

func runLocal(cmd *cobra.Command, args []string) error {
	spec, err := traffic.DecodeFile(args[0])
	if err != nil {
		return err
	}
	sup, err := supervisorConfig()
	if err != nil {
		return err
	}
	launcher, err := newLauncher()
	if err != nil {
		return err
	}
	pub, err := newPublisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	cfg := runner.Config{
		Supervisor: sup,
		Seed:       viper.GetUint64("seed"),
		Events:     pub,
	}
	if viper.GetBool("save") {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()
		cfg.OnFinish = append(cfg.OnFinish, func(st runner.Status) {
			if err := store.Save(storage.FromStatus(st)); err != nil {
				logger.Error("Failed to save experiment", zap.String("id", st.ID), zap.Error(err))
			}
		})
	}

	ctx, cancel := signalContext()
	defer cancel()

	ctrl := runner.NewController(cfg, launcher, logger)
	st, err := cli.Run(ctx, ctrl, spec, cli.Options{
		Out:    viper.GetString("out"),
		Writer: cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	if st.EndReason == runner.EndFailed {
		return fmt.Errorf("experiment failed: %s", st.Error)
	}
	return nil
}
