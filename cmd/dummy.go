package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loaddriver/internal/dummy"
)

var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run a payload server standing in for the server under test",
	Long: `Serve GET /{size} with size bytes, where size uses the spec's unit
syntax (e.g. /1M). Point the default worker command at it to exercise a
driver without the real server.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		srv := dummy.NewServer(dummy.ServerConfig{
			Addr:    viper.GetString("listen"),
			Latency: viper.GetDuration("latency"),
		}, logger)
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	dummyCmd.Flags().String("listen", dummy.DefaultAddr, "Listen address")
	dummyCmd.Flags().Duration("latency", 0, "Delay before the first byte of every payload")
	rootCmd.AddCommand(dummyCmd)
}
