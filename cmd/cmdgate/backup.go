package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cmdgate/internal/config"
	"cmdgate/internal/store"

	"github.com/spf13/cobra"
)

// Archive member names. Restore maps them back to the configured locations.
const (
	archiveDB     = "cmdgate.db"
	archiveConfig = "config.json"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of cmdgate data (database + config)",
		Long: `Creates a compressed .tar.gz archive containing a consistent snapshot of
the SQLite database and the configuration file. Safe to run while the
server is up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("cmdgate-backup-%s.tar.gz", ts))
			}

			members := map[string]string{}
			if _, err := os.Stat(cfg.Database.Path); err == nil {
				tmp, err := os.MkdirTemp("", "cmdgate-backup-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)

				snap := filepath.Join(tmp, archiveDB)
				if err := snapshotDatabase(cmd.Context(), cfg.Database.Path, snap); err != nil {
					return err
				}
				members[archiveDB] = snap
			}
			if _, err := os.Stat(cfgPath); err == nil {
				members[archiveConfig] = cfgPath
			}
			if len(members) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", cfg.Database.Path, cfgPath)
			}

			if err := createTarGz(outputPath, members); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, name := range []string{archiveDB, archiveConfig} {
				path, ok := members[name]
				if !ok {
					continue
				}
				var size int64
				if info, err := os.Stat(path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.cmdgate/backups/cmdgate-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore cmdgate data from a backup archive",
		Long: `Restores the SQLite database and configuration file from an archive
created by 'cmdgate backup'. Stop the server first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dbPath := cfg.Database.Path

			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: This will overwrite existing data.\n")
						fmt.Printf("  Database: %s\n", dbPath)
						fmt.Printf("  Config:   %s\n", cfgPath)
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			targets := map[string]string{archiveDB: dbPath, archiveConfig: cfgPath}
			restored, err := extractTarGz(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// Stale WAL files would be replayed over the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

func snapshotDatabase(ctx context.Context, dbPath, target string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return db.SnapshotTo(ctx, target)
}

// createTarGz writes an archive whose members are named by the keys of
// members and filled from the files at its values.
func createTarGz(outputPath string, members map[string]string) (err error) {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
	}()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for name, path := range members {
		if err := addFileToTar(tarWriter, name, path); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func addFileToTar(tw *tar.Writer, name, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
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
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes each known archive member to its target path. Unknown
// members are skipped.
func extractTarGz(archivePath string, targets map[string]string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath, ok := targets[filepath.Base(header.Name)]
		if !ok {
			logger.Warn("restore: skipping unknown archive member", "name", header.Name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		if err := outFile.Close(); err != nil {
			return nil, err
		}
		restored = append(restored, targetPath)
	}
	return restored, nil
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
