package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [config-file]",
		Short: "Write the skill, agent and route registries as a JSON snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			g, err := openGateway(cmd.Context(), resolveConfigPath(cmd, args, defaultConfigPath))
			if err != nil {
				return err
			}
			defer g.Release()

			data, err := json.MarshalIndent(g.Router().Export(), "", "  ")
			if err != nil {
				return fmt.Errorf("marshal snapshot: %w", err)
			}
			data = append(data, '\n')
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Snapshot written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "snapshot file (default: stdout)")
	return cmd
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <snapshot-file> [config-file]",
		Short: "Load a JSON snapshot into the configured store",
		Long: "Replaces the stored skills and routes with the snapshot's and adds its agents. " +
			"The gateway picks the result up on its next start.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := readSnapshot(cmd, args[0])
			if err != nil {
				return err
			}

			g, err := openGateway(cmd.Context(), resolveConfigPath(cmd, args[1:], defaultConfigPath))
			if err != nil {
				return err
			}
			defer g.Release()

			if err := g.Router().Import(*snap); err != nil {
				return fmt.Errorf("import: %w", err)
			}
			if err := g.Save(cmd.Context()); err != nil {
				return fmt.Errorf("save snapshot: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d skills, %d routes, %d agents\n",
				len(snap.Skills), len(snap.Routes), len(snap.Agents))
			return nil
		},
	}
	return cmd
}

func readSnapshot(cmd *cobra.Command, path string) (*protocol.ConfigSnapshot, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
		defer f.Close()
		r = f
	}
	var snap protocol.ConfigSnapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Version == 0 {
		return nil, errors.New("parse snapshot: missing version")
	}
	return &snap, nil
}
