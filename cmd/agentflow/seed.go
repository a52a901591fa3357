package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joelkehle/agentflow/internal/directory"
)

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file]",
		Short: "Upsert the tags and agents from a YAML or JSON5 seed file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Seed.Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no seed file: pass one or set seed.path")
			}
			if cfg.Database.Driver == directory.DriverMemory {
				return fmt.Errorf("database.driver is memory; seed would not persist")
			}

			ctx := cmd.Context()
			dir, err := directory.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer dir.Close()
			return applySeedFile(ctx, dir, path)
		},
	}
}
