package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/offsync/internal/basestate"
	"github.com/hyperengineering/offsync/internal/config"
	"github.com/hyperengineering/offsync/internal/queue"
	"github.com/hyperengineering/offsync/internal/store"
)

var (
	queueDBOverride string
	queueJSONOutput bool
	// now is replaced in tests so ages are stable.
	now = time.Now
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline queue",
	Long: "Read or edit the offline queue recorded in the agent's store. " +
		"Cancel only while the agent is stopped; a running agent accepts DELETE /api/v1/queue/{id}.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in replay order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <operation-id>",
	Short: "Remove a queued operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCancel,
}

func init() {
	queueCmd.PersistentFlags().StringVar(&queueDBOverride, "db", "",
		"SQLite store path (overrides config and OFFSYNC_DB_PATH)")
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false,
		"Output in JSON format")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCancelCmd)
}

// openQueueStore opens the store the agent persists its queue in.
func openQueueStore() (store.Store, error) {
	if queueDBOverride != "" {
		return store.NewSQLiteStore(queueDBOverride)
	}
	sc, err := config.LoadStorageConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if sc.Driver == config.DriverMemory {
		return nil, errors.New("the memory driver keeps no queue between runs")
	}
	return store.Open(sc)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	kv, err := openQueueStore()
	if err != nil {
		return err
	}
	defer kv.Close()

	entries, report, err := queue.ReadPersisted(ctx, kv, nil)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}

	if queueJSONOutput {
		items := make([]map[string]any, len(entries))
		for i, e := range entries {
			items[i] = map[string]any{
				"id":          e.Operation.ID,
				"name":        e.Operation.Name,
				"entity_key":  e.Operation.EntityKey(),
				"sequence":    e.Operation.Sequence,
				"status":      e.Status,
				"retry_count": e.RetryCount,
				"enqueued_at": e.EnqueuedAt,
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"entries": items,
			"total":   len(items),
			"missing": report.Missing,
			"corrupt": report.Corrupt,
		})
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
	} else {
		w := newTabWriter(out)
		fmt.Fprintln(w, "SEQ\tID\tOPERATION\tENTITY\tSTATUS\tRETRIES\tQUEUED")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
				e.Operation.Sequence,
				e.Operation.ID,
				e.Operation.Name,
				e.Operation.EntityKey(),
				e.Status,
				e.RetryCount,
				queuedAge(e.EnqueuedAt),
			)
		}
		w.Flush()
	}
	if skipped := report.Missing + report.Corrupt; skipped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s unreadable %s skipped\n",
			humanize.Comma(int64(skipped)), plural(skipped, "entry", "entries"))
	}
	return nil
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := context.Background()

	kv, err := openQueueStore()
	if err != nil {
		return err
	}
	defer kv.Close()

	base := basestate.New(kv, nil)
	if _, err := base.Restore(ctx); err != nil {
		return fmt.Errorf("restore base state: %w", err)
	}
	q := queue.New(kv, base, queue.Options{})
	if _, err := q.Restore(ctx); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	if err := q.Cancel(ctx, id); err != nil {
		if errors.Is(err, queue.ErrUnknownOperation) {
			return fmt.Errorf("operation %q is not queued", id)
		}
		return err
	}

	if queueJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":        id,
			"cancelled": true,
			"remaining": q.Len(),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s (%s remaining)\n",
		id, humanize.Comma(int64(q.Len())))
	return nil
}

func queuedAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now(), "ago", "from now")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
