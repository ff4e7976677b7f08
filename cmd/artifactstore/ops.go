package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tunnelmesh/artifactstore/internal/admin"
	"github.com/tunnelmesh/artifactstore/internal/archive"
	"github.com/tunnelmesh/artifactstore/internal/migrate"
	"github.com/tunnelmesh/artifactstore/pkg/bytesize"
)

func adminClient() *admin.Client {
	return admin.NewClient(serverAddr, adminToken)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage repository migrations",
		Long: `Move every blob of a repository from one storage credential to another.

Examples:
  # Migrate a repository to the "cold" credential
  artifactstore migrate create proj generic-local --to cold

  # Watch progress
  artifactstore migrate list
  artifactstore migrate get <task-id>

  # Retry failed nodes after fixing the backend
  artifactstore migrate reset <task-id>`,
	}

	var from, to string
	createCmd := &cobra.Command{
		Use:   "create <project> <repo>",
		Short: "Create a migration task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := adminClient().CreateMigration(cmd.Context(), migrate.CreateRequest{
				ProjectID:        args[0],
				RepoName:         args[1],
				SrcCredentialKey: from,
				DstCredentialKey: to,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Migration %s created (%s -> %s).\n",
				task.ID, credLabel(task.SrcCredentialKey), credLabel(task.DstCredentialKey))
			return nil
		},
	}
	createCmd.Flags().StringVar(&from, "from", "", "source credential (default: the repository's current credential)")
	createCmd.Flags().StringVar(&to, "to", "", "destination credential")
	migrateCmd.AddCommand(createCmd)

	migrateCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List migration tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := adminClient().ListMigrations(cmd.Context())
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a migration task and its failed nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := adminClient().GetMigration(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), detail)
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending task or one waiting for manual intervention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := adminClient().CancelMigration(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Migration %s cancelled.\n", args[0])
			return nil
		},
	})

	var node string
	resetCmd := &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Retry the failed nodes of a task, or drop one with --node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := adminClient()
			if node != "" {
				if err := c.RemoveFailedNode(cmd.Context(), args[0], node); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Failed node %s removed from %s.\n", node, args[0])
				return nil
			}
			task, err := c.ResetMigration(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Migration %s reset to %s.\n", task.ID, task.State)
			return nil
		},
	}
	resetCmd.Flags().StringVar(&node, "node", "", "remove this failed node instead of retrying")
	migrateCmd.AddCommand(resetCmd)

	return migrateCmd
}

func credLabel(key string) string {
	if key == "" {
		return "default"
	}
	return key
}

func printTasks(out io.Writer, tasks []migrate.Task) {
	if len(tasks) == 0 {
		_, _ = fmt.Fprintln(out, "No migration tasks.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tREPOSITORY\tFROM\tTO\tSTATE\tPROGRESS\tUPDATED")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			t.ID, t.ProjectID, t.RepoName, credLabel(t.SrcCredentialKey), credLabel(t.DstCredentialKey),
			t.State, t.MigratedCount, t.TotalCount, t.StateUpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func newArchiveCmd() *cobra.Command {
	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Compress and restore blobs",
	}

	var (
		credential string
		base       string
		wait       bool
	)
	compressCmd := &cobra.Command{
		Use:   "compress <sha256>",
		Short: "Archive a blob, optionally as a delta against --base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := adminClient().Compress(cmd.Context(), admin.ArchiveRequest{
				SHA256: args[0], Credential: credential, Base: base, Wait: wait,
			})
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}
	compressCmd.Flags().StringVar(&base, "base", "", "sha256 of the delta base")

	uncompressCmd := &cobra.Command{
		Use:   "uncompress <sha256>",
		Short: "Restore an archived blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := adminClient().Uncompress(cmd.Context(), admin.ArchiveRequest{
				SHA256: args[0], Credential: credential, Wait: wait,
			})
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <sha256>",
		Short: "Show the archive record of a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := adminClient().ArchiveStatus(cmd.Context(), args[0], credential)
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}

	for _, c := range []*cobra.Command{compressCmd, uncompressCmd, statusCmd} {
		c.Flags().StringVar(&credential, "credential", "", "storage credential of the blob")
		archiveCmd.AddCommand(c)
	}
	compressCmd.Flags().BoolVar(&wait, "wait", false, "wait for the operation to finish")
	uncompressCmd.Flags().BoolVar(&wait, "wait", false, "wait for the operation to finish")

	return archiveCmd
}

func printRecord(out io.Writer, rec archive.Record) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "SHA256:\t%s\n", rec.SHA256)
	_, _ = fmt.Fprintf(w, "Credential:\t%s\n", credLabel(rec.Credential))
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", rec.Status)
	if rec.Base != "" {
		_, _ = fmt.Fprintf(w, "Base:\t%s\n", rec.Base)
	}
	if rec.Codec != "" {
		_, _ = fmt.Fprintf(w, "Codec:\t%s\n", rec.Codec)
	}
	if rec.Size > 0 {
		_, _ = fmt.Fprintf(w, "Size:\t%s\n", bytesize.Format(rec.Size))
	}
	if rec.CompressedSize > 0 {
		_, _ = fmt.Fprintf(w, "Compressed:\t%s\n", bytesize.Format(rec.CompressedSize))
	}
	if rec.LastError != "" {
		_, _ = fmt.Fprintf(w, "Last error:\t%s\n", rec.LastError)
	}
	_ = w.Flush()
}

func newGCCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete blobs whose reference count stayed at zero past the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			var override *bool
			if cmd.Flags().Changed("dry-run") {
				override = &dryRun
			}
			stats, err := adminClient().GC(cmd.Context(), override)
			if err != nil {
				return err
			}
			mode := ""
			if stats.DryRun {
				mode = " (dry run)"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, deleted %d, corrected %d, skipped %d, failed %d%s.\n",
				stats.Scanned, stats.Deleted, stats.Corrected, stats.Skipped, stats.Failed, mode)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted (default: server setting)")
	return cmd
}

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect credential caches",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics per credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := adminClient().CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(stats) == 0 {
				_, _ = fmt.Fprintln(out, "No caches open.")
				return nil
			}
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "CREDENTIAL\tENTRIES\tSIZE\tDIRTY\tPENDING\tHITS\tMISSES\tFLUSH FAILURES")
			for _, k := range keys {
				s := stats[k]
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\t%d\t%d\n",
					credLabel(k), s.Entries, bytesize.Format(s.Bytes), s.Dirty, s.Pending, s.Hits, s.Misses, s.FlushFailures)
			}
			return w.Flush()
		},
	})
	return cacheCmd
}
