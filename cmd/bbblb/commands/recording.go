package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bbblb/bbblb/internal/cli/output"
	"github.com/bbblb/bbblb/internal/importer"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/store"
)

var recordingCmd = &cobra.Command{
	Use:   "recording",
	Short: "Manage recordings",
	Long: `Import, publish and remove recordings. Disk operations need RECORDING_PATH
configured and access to the recording tree, so run these on the host that
serves the recordings.`,
}

func init() {
	recordingCmd.AddCommand(recordingImportCmd)
	recordingCmd.AddCommand(recordingListCmd)
	recordingCmd.AddCommand(recordingPublishCmd)
	recordingCmd.AddCommand(recordingUnpublishCmd)
	recordingCmd.AddCommand(recordingDeleteCmd)
	recordingCmd.AddCommand(recordingOrphansCmd)

	recordingImportCmd.Flags().StringVar(&recordingImportTenant, "tenant", "", "Import for this tenant regardless of the archive layout")

	recordingOrphansCmd.Flags().BoolVarP(&recordingOrphansDryRun, "dry-run", "n", false, "Only report what would be removed")
}

var (
	recordingImportTenant  string
	recordingOrphansDryRun bool
)

// withImporter opens the store plus a running importer and hands both to fn,
// draining the importer afterwards. Recording commands that touch the disk
// tree run through here.
func withImporter(cmd *cobra.Command, fn func(ctx context.Context, st *store.GORMStore, imp *importer.Importer) error) error {
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) (err error) {
		if cfg.RecordingPath == "" {
			return errors.New("RECORDING_PATH is not configured")
		}
		imp := importer.New(st, cfg, nil)
		if err := imp.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, done := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer done()
			err = errors.Join(err, imp.Stop(stopCtx))
		}()
		return fn(ctx, st, imp)
	})
}

var recordingImportCmd = &cobra.Command{
	Use:   "import [FILE]",
	Short: "Import recordings from a tar archive",
	Long: `Import one or more recordings from a tar archive laid out as
{tenant}/{recordID}/{format}/..., the same format the upload API accepts.
FILE defaults to "-" for stdin, so a backend can pipe straight in:

  tar -C /var/bigbluebutton/published -c acme/abc123 | bbblb recording import`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withImporter(cmd, func(ctx context.Context, st *store.GORMStore, imp *importer.Importer) error {
			var stream io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				stream = f
			}

			id, err := imp.ImportArchive(ctx, stream, recordingImportTenant)
			if err != nil {
				return err
			}
			fmt.Printf("OK %s\n", id)
			return nil
		})
	},
}

var recordingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recordings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			recordings, err := st.ListAllRecordings(ctx)
			if err != nil {
				return err
			}
			if len(recordings) == 0 {
				fmt.Println("No recordings.")
				return nil
			}

			table := output.NewTable("TENANT", "RECORD ID", "STATE", "FORMATS", "STARTED")
			for _, rec := range recordings {
				tenant := "-"
				if rec.Tenant != nil {
					tenant = rec.Tenant.Name
				}
				formats := make([]string, 0, len(rec.Formats))
				for _, format := range rec.Formats {
					formats = append(formats, format.Format)
				}
				started := "-"
				if !rec.Started.IsZero() {
					started = rec.Started.Format("2006-01-02 15:04")
				}
				table.AddRow(tenant, rec.RecordID, string(rec.State), strings.Join(formats, ","), started)
			}
			return table.Render(os.Stdout)
		})
	},
}

var recordingPublishCmd = &cobra.Command{
	Use:   "publish RECORD_ID...",
	Short: "Publish recordings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withImporter(cmd, func(ctx context.Context, st *store.GORMStore, imp *importer.Importer) error {
			return setRecordingStates(ctx, st, imp, args, models.RecordingPublished)
		})
	},
}

var recordingUnpublishCmd = &cobra.Command{
	Use:   "unpublish RECORD_ID...",
	Short: "Unpublish recordings, hiding them from playback",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withImporter(cmd, func(ctx context.Context, st *store.GORMStore, imp *importer.Importer) error {
			return setRecordingStates(ctx, st, imp, args, models.RecordingUnpublished)
		})
	},
}

func setRecordingStates(ctx context.Context, st *store.GORMStore, imp *importer.Importer, recordIDs []string, state models.RecordingState) error {
	var failed int
	for _, recordID := range recordIDs {
		rec, err := st.GetRecordingByRecordID(ctx, recordID)
		if errors.Is(err, models.ErrRecordingNotFound) {
			fmt.Printf("Recording %q not found\n", recordID)
			failed++
			continue
		}
		if err != nil {
			return err
		}
		if rec.TenantID == nil || rec.Tenant == nil {
			fmt.Printf("Recording %q has no tenant, skipping\n", recordID)
			failed++
			continue
		}

		tenant := rec.Tenant.Name
		_, err = st.UpdateRecordingStates(ctx, *rec.TenantID, []string{recordID}, state, func(r *models.Recording) error {
			if state == models.RecordingPublished {
				return imp.Publish(tenant, r.RecordID)
			}
			return imp.Unpublish(tenant, r.RecordID)
		})
		if err != nil {
			return err
		}
		if state == models.RecordingPublished {
			fmt.Printf("Published %s\n", recordID)
		} else {
			fmt.Printf("Unpublished %s\n", recordID)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d recordings could not be updated", failed, len(recordIDs))
	}
	return nil
}

var recordingDeleteCmd = &cobra.Command{
	Use:   "delete RECORD_ID...",
	Short: "Delete recordings from database and disk",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withImporter(cmd, func(ctx context.Context, st *store.GORMStore, imp *importer.Importer) error {
			for _, recordID := range args {
				rec, err := st.GetRecordingByRecordID(ctx, recordID)
				if errors.Is(err, models.ErrRecordingNotFound) {
					fmt.Printf("Recording %q not found\n", recordID)
					continue
				}
				if err != nil {
					return err
				}

				if err := st.DeleteRecordingRow(ctx, rec.ID); err != nil {
					return err
				}
				if rec.Tenant != nil {
					if err := imp.Delete(rec.Tenant.Name, rec.RecordID); err != nil {
						return err
					}
				} else {
					fmt.Printf("Recording %q has no tenant, disk files not touched\n", recordID)
				}
				fmt.Printf("Deleted %s\n", rec.RecordID)
			}
			return nil
		})
	},
}

var recordingOrphansCmd = &cobra.Command{
	Use:   "remove-orphans",
	Short: "Remove recording rows whose files are gone",
	Long: `Walk all recordings and drop playback formats whose directories vanished
from disk, then recordings that lost all their formats. Run after manual
cleanup on the recording tree.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withImporter(cmd, func(ctx context.Context, st *store.GORMStore, imp *importer.Importer) error {
			formats, recordings, err := imp.RemoveOrphans(ctx, recordingOrphansDryRun)
			if err != nil {
				return err
			}
			suffix := ""
			if recordingOrphansDryRun {
				suffix = " (dry run, nothing deleted)"
			}
			fmt.Printf("Removed %d orphaned formats and %d empty recordings%s\n", formats, recordings, suffix)
			return nil
		})
	},
}
