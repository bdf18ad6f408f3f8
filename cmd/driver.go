package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"loaddriver/internal/events"
	"loaddriver/internal/runner"
)

// addDriverFlags registers the worker pool flags shared by serve and run.
func addDriverFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("policy", string(runner.PolicyReplace), "Replacement policy: replace, converge or exact")
	f.String("command", "", "Worker command template (default wget, or sleep with --dry-run)")
	f.Bool("dry-run", false, "Run 'sleep' workers instead of downloads")
	f.Bool("shell", false, "Run the worker command through /bin/sh -c")
	f.Bool("worker-output", false, "Pass worker stdout/stderr through")
	f.Duration("kill-timeout", runner.DefaultKillTimeout, "How long teardown waits for killed workers")
	f.Int("max-launch-attempts", runner.DefaultMaxLaunchAttempts, "Launch attempts per slot before it is abandoned")
	f.Duration("retry-interval", runner.DefaultRetryInterval, "Minimum spacing of launch retries")
	f.Uint64("seed", 0, "Source address sampler seed (0 seeds from the clock)")
	f.String("mqtt-broker", "", "Publish lifecycle events to this MQTT broker")
	f.String("mqtt-topic-prefix", events.DefaultTopicPrefix, "MQTT topic prefix")
	f.String("mqtt-client-id", "", "MQTT client id")
}

func supervisorConfig() (runner.SupervisorConfig, error) {
	policy, err := runner.ParsePolicy(viper.GetString("policy"))
	if err != nil {
		return runner.SupervisorConfig{}, err
	}
	return runner.SupervisorConfig{
		Policy:            policy,
		KillTimeout:       viper.GetDuration("kill-timeout"),
		MaxLaunchAttempts: viper.GetInt("max-launch-attempts"),
		RetryInterval:     viper.GetDuration("retry-interval"),
	}, nil
}

func newLauncher() (*runner.ExecLauncher, error) {
	cfg := runner.ExecConfig{
		Command: viper.GetString("command"),
		DryRun:  viper.GetBool("dry-run"),
		Shell:   viper.GetBool("shell"),
	}
	if viper.GetBool("worker-output") {
		cfg.Stdout = os.Stdout
		cfg.Stderr = os.Stderr
	}
	return runner.NewExecLauncher(cfg, logger)
}

// newPublisher always logs events and also sends them to MQTT when a broker
// is configured.
func newPublisher() (events.Publisher, error) {
	pub := events.Multi{events.NewLogPublisher(logger)}
	broker := viper.GetString("mqtt-broker")
	if broker == "" {
		return pub, nil
	}
	m, err := events.DialMQTT(events.MQTTConfig{
		Broker:      broker,
		ClientID:    viper.GetString("mqtt-client-id"),
		TopicPrefix: viper.GetString("mqtt-topic-prefix"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", broker, err)
	}
	logger.Info("Publishing events to MQTT", zap.String("broker", broker))
	return append(pub, m), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
