package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"loaddriver/internal/control"
	"loaddriver/internal/metrics"
	"loaddriver/internal/runner"
	"loaddriver/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the driver and wait for experiments on the control port",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("listen", control.DefaultListenAddr, "Control server listen address")
	f.Bool("exit-on-abort", true, "Exit after an experiment is aborted over the control surface")
	f.String("history", "", "History database path (default $HOME/.loaddriver/history.db)")
	f.Int("history-max", storage.DefaultMaxItems, "Experiments kept in the history database")
	f.Bool("no-history", false, "Do not record finished experiments")
	addDriverFlags(serveCmd)

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	sup, err := supervisorConfig()
	if err != nil {
		return err
	}
	launcher, err := newLauncher()
	if err != nil {
		return err
	}

	m := metrics.New()
	if err := m.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	pub, err := newPublisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	cfg := runner.Config{
		Supervisor: sup,
		Seed:       viper.GetUint64("seed"),
		Metrics:    m,
		Events:     pub,
	}

	var history control.History
	if !viper.GetBool("no-history") {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()
		history = store
		cfg.OnFinish = append(cfg.OnFinish, func(st runner.Status) {
			if err := store.Save(storage.FromStatus(st)); err != nil {
				logger.Error("Failed to save experiment", zap.String("id", st.ID), zap.Error(err))
			}
		})
	}

	ctrl := runner.NewController(cfg, launcher, logger)
	srv := control.NewServer(control.Config{
		ListenAddr:      viper.GetString("listen"),
		ShutdownOnAbort: viper.GetBool("exit-on-abort"),
		ShutdownDelay:   100 * time.Millisecond,
	}, ctrl, history, m.Handler(), logger)

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("Starting driver",
		zap.String("listen", viper.GetString("listen")),
		zap.String("policy", string(sup.Policy)),
		zap.Bool("dry_run", viper.GetBool("dry-run")))

	serveErr := srv.ListenAndServe(ctx)

	if ctrl.Running() {
		logger.Info("Aborting running experiment")
		if _, err := ctrl.Abort(); err != nil {
			logger.Warn("Abort on shutdown", zap.Error(err))
		}
	}
	logger.Info("Driver stopped")
	return serveErr
}

func openHistory() (*storage.Store, error) {
	path := viper.GetString("history")
	if path == "" {
		p, err := storage.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	store, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	store.SetMaxItems(viper.GetInt("history-max"))
	return store, nil
}
