package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newPingCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Open one connection and check the store answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := flags.load()
			if err != nil {
				return err
			}

			s, err := openScope(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer s.Close()

			start := time.Now()
			if err := s.VerifyWithRetry(cmd.Context()); err != nil {
				return err
			}

			cmd.Printf("ok %s (%s, fingerprint %s)\n",
				config.String(), time.Since(start).Round(time.Millisecond), config.Fingerprint())
			return nil
		},
	}
}
