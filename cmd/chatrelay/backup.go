package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/internal/config"
	"chatrelay/internal/store"
)

// Archive member names.
const (
	backupDBName     = "chatrelay.db"
	backupConfigName = "config.yaml"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the database and config file",
		Long: `Writes a .tar.gz with a consistent snapshot of the SQLite database
(sessions, provider configs, pending deliveries, dead letters) and the
config file. Safe to run while the relay is serving.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfgPath := resolveConfigPath()

			if outputPath == "" {
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(config.DefaultConfigDir(), "backups", fmt.Sprintf("chatrelay-backup-%s.tar.gz", ts))
			}
			if err := ensureDir(outputPath); err != nil {
				return fmt.Errorf("cannot create backup directory: %w", err)
			}

			tmpDir, err := os.MkdirTemp("", "chatrelay-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmpDir)

			members := map[string]string{}
			snapshot := filepath.Join(tmpDir, backupDBName)
			if err := snapshotDatabase(cmd.Context(), cfg.Database.Path, snapshot); err != nil {
				return err
			}
			members[backupDBName] = snapshot
			if _, err := os.Stat(cfgPath); err == nil {
				members[backupConfigName] = cfgPath
			}

			if err := writeArchive(outputPath, members); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for name, src := range members {
				size := int64(0)
				if info, err := os.Stat(src); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.chatrelay/backups/chatrelay-backup-<timestamp>.tar.gz)")
	return cmd
}

// snapshotDatabase copies the live database into dst with VACUUM INTO,
// which reads a consistent view even with a concurrent writer.
func snapshotDatabase(ctx context.Context, dbPath, dst string) error {
	if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("database %s does not exist", dbPath)
	}
	db, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.DB().ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	return nil
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [archive]",
		Short: "Restore the database and config from a backup archive",
		Long: `Restores the files written by 'chatrelay backup'. Stop the relay
first; the database is replaced, not merged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			targets := map[string]string{
				backupDBName:     cfg.Database.Path,
				backupConfigName: resolveConfigPath(),
			}

			if !force {
				for _, path := range targets {
					if _, err := os.Stat(path); err == nil {
						fmt.Printf("WARNING: %s exists and would be overwritten.\n", path)
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractArchive(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A stale WAL from the old database must not be replayed over
			// the restored file.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(cfg.Database.Path + suffix)
			}

			fmt.Printf("Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// writeArchive stores each source file under its member name.
func writeArchive(outputPath string, members map[string]string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, src := range members {
		if err := addFile(tw, name, src); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Close()
}

func addFile(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractArchive writes known members to their target paths. Anything else
// in the archive is skipped.
func extractArchive(archivePath string, targets map[string]string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return restored, err
		}
		target, ok := targets[header.Name]
		if !ok || header.Typeflag != tar.TypeReg {
			logger.Warn("skipping archive member", "name", header.Name)
			continue
		}
		if err := ensureDir(target); err != nil {
			return restored, err
		}
		if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
			return restored, fmt.Errorf("extract %s: %w", header.Name, err)
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
