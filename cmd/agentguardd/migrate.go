package main

import (
	"errors"
	"fmt"

	"AgentGuard-Chain/internal/storage/mysql"

	"github.com/spf13/cobra"
)

func migrateCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "对 MySQL 执行内嵌的数据库迁移",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadedConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "mysql" {
				return errors.New("migrate 仅适用于 storage.driver=mysql")
			}
			db, err := mysql.Open(cmd.Context(), cfg.Storage.MySQL.Connection())
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if dryRun {
				pending, err := mysql.PendingMigrations(cmd.Context(), db)
				if err != nil {
					return err
				}
				for _, version := range pending {
					fmt.Fprintf(out, "pending %s\n", version)
				}
				return nil
			}

			applied, err := mysql.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "数据库已是最新版本")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(out, "applied %s\n", version)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "只列出待执行的迁移")
	return cmd
}
