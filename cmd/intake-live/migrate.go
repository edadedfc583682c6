package main

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newMigrateCmd(deps appDeps, flags *rootFlags, stderr io.Writer) *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres archive schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.migrate == nil {
				return errors.New("missing migrate dependency")
			}
			if databaseURL == "" && deps.loadConfig != nil {
				cfg, err := deps.loadConfig(flags.configPath)
				if err != nil {
					return err
				}
				databaseURL = cfg.DatabaseURL
			}
			if strings.TrimSpace(databaseURL) == "" {
				return errors.New("a database URL is required (--database-url or INTAKE_DATABASE_URL)")
			}
			return deps.migrate(cmd.Context(), databaseURL, flags.logger(stderr))
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection string")
	return cmd
}
