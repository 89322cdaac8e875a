package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/bbblb/bbblb/internal/state"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/store"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Save or load the cluster configuration",
	Long: `Export the configured tenants and servers as a JSON snapshot, or apply a
snapshot to another database. Snapshots carry configuration only, never
runtime state like meetings, health or load.`,
}

func init() {
	stateCmd.AddCommand(stateExportCmd)
	stateCmd.AddCommand(stateApplyCmd)

	stateApplyCmd.Flags().BoolVar(&stateApplyPrune, "prune", false, "Remove tenants and servers missing from the snapshot instead of disabling them")
	stateApplyCmd.Flags().BoolVarP(&stateApplyDryRun, "dry-run", "n", false, "Only report what would change")
}

var (
	stateApplyPrune  bool
	stateApplyDryRun bool
)

var stateExportCmd = &cobra.Command{
	Use:     "export [FILE]",
	Aliases: []string{"save"},
	Short:   "Export tenants and servers as JSON",
	Long: `Write the cluster configuration snapshot to FILE, or to stdout with "-"
or no argument. Snapshots contain all shared secrets, so treat them like
credentials; files are written with mode 0600.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			if len(args) == 0 || args[0] == "-" {
				return state.Export(ctx, st, os.Stdout)
			}

			var buf bytes.Buffer
			if err := state.Export(ctx, st, &buf); err != nil {
				return err
			}
			if err := renameio.WriteFile(args[0], buf.Bytes(), 0o600); err != nil {
				return err
			}
			fmt.Printf("Exported cluster state to %s\n", args[0])
			return nil
		})
	},
}

var stateApplyCmd = &cobra.Command{
	Use:     "apply [FILE]",
	Aliases: []string{"load"},
	Short:   "Apply a configuration snapshot",
	Long: `Reconcile the database against a snapshot: create missing tenants and
servers, update changed fields, and disable entries that are not part of
the snapshot. With --prune obsolete entries are removed instead, except
those still carrying live meetings, which are disabled and reported.

FILE defaults to "-" for stdin. Applying the same snapshot twice is a
no-op.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			var input io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				input = f
			}

			if stateApplyDryRun {
				fmt.Println("=== DRY RUN ===")
			}
			report, err := state.Apply(ctx, st, input, state.Options{
				Prune:  stateApplyPrune,
				DryRun: stateApplyDryRun,
			})
			if err != nil {
				return err
			}
			for _, change := range report.Changes {
				fmt.Println(change)
			}
			switch {
			case report.Empty():
				fmt.Println("OK: Nothing to do")
			case stateApplyDryRun:
				fmt.Println("=== DRY RUN ===")
			default:
				fmt.Println("OK: Changes applied")
			}
			return nil
		})
	},
}
