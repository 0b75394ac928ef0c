package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/garnizeh/servicemarket/db"
	idb "github.com/garnizeh/servicemarket/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var backupCmd = &cobra.Command{
	Use:   "backup [dest]",
	Short: "Write a consistent copy of the database",
	Long:  `Uses VACUUM INTO, so the copy is consistent even while the server is running. The default destination is <db>.bak.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [src]",
	Short: "Replace the database with a backup",
	Long:  `Copies src over the database file. Stop the server first. The default source is <db>.bak.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRestore,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	conn, cfg, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := idb.Migrate(ctx, conn, db.Migrations); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	cmd.Printf("Database %s migrated.\n", cfg.DatabasePath)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	conn, cfg, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	dst := cfg.DatabasePath + ".bak"
	if len(args) == 1 {
		dst = args[0]
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("backup destination %s already exists", dst)
	}

	if _, err := conn.Exec(ctx, `VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	cmd.Printf("Database backup written to %s.\n", dst)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	src := cfg.DatabasePath + ".bak"
	if len(args) == 1 {
		src = args[0]
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	cmd.Printf("Database restored from %s.\n", src)
	return nil
}
