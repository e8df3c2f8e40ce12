package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"rbpack-tools/go/pkg/vfsblob"
)

func newInspectCmd() *cobra.Command {
	var extractDir string
	cmd := &cobra.Command{
		Use:   "inspect <executable|blob>",
		Short: "Displays the embedded application blob of an executable.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			footer, manifest, err := vfsblob.Open(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			log.Debug("vfs", "verify", "success", "Footer checksum valid", "path", path)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Application blob in: %s\n", path)
			fmt.Fprintf(out, "  Blob Version: 0x%04x\n", footer.BlobVersion)
			fmt.Fprintf(out, "  Ruby Version: %s\n", manifest.RuntimeVersion)
			fmt.Fprintf(out, "  Entry Point: %s\n", manifest.EntryPoint)
			fmt.Fprintf(out, "  Created: %s\n", manifest.CreatedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(out, "  Manifest Size: %d bytes\n", footer.ManifestSize)
			fmt.Fprintf(out, "  App Size: %d bytes (%d files at %s)\n", footer.AppSize, manifest.AppFiles, manifest.AppMount)
			if manifest.GemsMount != "" {
				fmt.Fprintf(out, "  Gems Size: %d bytes (%d files at %s)\n", footer.GemsSize, manifest.GemFiles, manifest.GemsMount)
			}

			if extractDir != "" {
				if _, err := vfsblob.Extract(path, extractDir); err != nil {
					return fmt.Errorf("extracting %s: %w", path, err)
				}
				fmt.Fprintf(out, "Extracted to %s\n", extractDir)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&extractDir, "extract", "", "Unpack the application and gem trees into this directory")
	return cmd
}
