package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
	"github.com/zhouzirui/z-studio/backend/internal/service/persistence"
)

var (
	backupOut string
	backupIn  string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export, import and sync the studio backup document",
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the backup document to a file or stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStudio(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		data, err := newSync(s).Export()
		if err != nil {
			return err
		}
		if backupOut == "" || backupOut == "-" {
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		}
		if err := os.WriteFile(backupOut, data, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d bytes to %s\n", len(data), backupOut)
		return nil
	},
}

var backupImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Replace all local data with a backup document",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if backupIn == "" || backupIn == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(backupIn)
		}
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openStudio(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		b, err := newSync(s).Import(data)
		if err != nil {
			return err
		}
		if err := s.flush(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "imported %d sessions, %d presets\n", len(b.Sessions), len(b.Presets))
		return nil
	},
}

var backupPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload the backup document to WebDAV",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStudio(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := newSync(s).Push(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "pushed to", persistence.BackupPath)
		return nil
	},
}

var backupPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download the WebDAV backup and replace local data",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStudio(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		b, err := newSync(s).Pull(ctx)
		if err != nil {
			return err
		}
		if err := s.flush(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "pulled backup exported at %s\n", b.ExportedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func newSync(s *studio) *persistence.Sync {
	return persistence.NewSync(s.store, persistence.NewWebDAV(nil), settings.WebDAVConfig{
		URL:      cfg.Sync.WebDAVURL,
		Username: cfg.Sync.WebDAVUsername,
		Password: cfg.Sync.WebDAVPassword,
	})
}

func init() {
	backupExportCmd.Flags().StringVarP(&backupOut, "out", "o", "", "output file (default: stdout)")
	backupImportCmd.Flags().StringVarP(&backupIn, "in", "i", "", "input file (default: stdin)")
	backupCmd.AddCommand(backupExportCmd, backupImportCmd, backupPushCmd, backupPullCmd)
}
