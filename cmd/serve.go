package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dhcgn/archive-to-mailbox/config"
	"github.com/dhcgn/archive-to-mailbox/metrics"
	"github.com/dhcgn/archive-to-mailbox/runner"
	"github.com/dhcgn/archive-to-mailbox/server"
)

func newServeCommand(opts []runner.Option) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API for browsing folders and running imports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			observer := metrics.New()
			opts := append([]runner.Option{
				runner.WithSink(observer),
				runner.WithRunStart(observer.Reset),
			}, opts...)
			a, err := setup(cmd, config.ModeServe, opts...)
			if err != nil {
				return err
			}
			defer a.close()

			srv, err := server.New(a.runner, server.Options{Addr: a.cfg.Listen, Metrics: observer}, a.logger)
			if err != nil {
				return err
			}
			return srv.Start(cmd.Context())
		},
	}
}
