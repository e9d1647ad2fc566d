package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"completiond/internal/config"
	"completiond/internal/session"
	logx "completiond/pkg/logx"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect session resources",
	}
	cmd.AddCommand(newSessionCheckCmd())
	return cmd
}

func newSessionCheckCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "check <identity>",
		Short: "Acquire a session with the configured retry policy, then release it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(cfgPath).Load()
			if err != nil {
				return err
			}
			scfg, err := cfg.SessionConfig()
			if err != nil {
				return err
			}
			log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "session"))

			store := session.NewFileStore(scfg)
			opener := session.NewSQLiteOpener(store, scfg)
			acq := session.NewAcquirer(scfg, store, log)

			res, err := acq.Acquire(cmd.Context(), args[0], opener.Open)
			if err != nil {
				return err
			}
			defer res.Close()

			path, _ := store.Path(args[0])
			size, _ := store.Size(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s (%s, %d bytes)\n", args[0], path, size)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	return cmd
}
