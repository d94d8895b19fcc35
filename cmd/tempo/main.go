package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/tempohq/tempo/internal/client"
)

var (
	serverURL string
	authToken string
	dbPath    string
	maxActive int64
	chunkSize int64
)

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tempo.sqlite"
	}
	return filepath.Join(home, ".tempo", "tasks.sqlite")
}

// openQueue builds the task store, protocol client, transfer engine and
// scheduler every command operates through.
func openQueue(ctx context.Context) (*client.Queue, *client.TaskStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state directory: %w", err)
	}

	store, err := client.OpenTaskStore(ctx, dbPath)
	if err != nil {
		return nil, nil, err
	}

	c := client.NewClient(serverURL, authToken)
	engine := client.NewEngine(c, store, client.EngineConfig{
		ChunkSize: chunkSize,
	})
	queue := client.NewQueue(store, engine, c, client.QueueConfig{
		MaxActive: maxActive,
	})
	return queue, store, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tempo",
		Short:         "Resumable upload client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9000/uploads", "upload server creation endpoint")
	root.PersistentFlags().StringVar(&authToken, "token", os.Getenv("TEMPO_TOKEN"), "bearer token")
	root.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "task database path")
	root.PersistentFlags().Int64Var(&maxActive, "max-active", 2, "maximum concurrent uploads")
	root.PersistentFlags().Int64Var(&chunkSize, "chunk-size", 5*1024*1024, "chunk size in bytes")

	root.AddCommand(
		newUploadCmd(),
		newRunCmd(),
		newStatusCmd(),
		newTaskCmd("pause", "Pause an upload at the next chunk boundary", func(ctx context.Context, q *client.Queue, id string) error {
			return q.Pause(ctx, id)
		}),
		newTaskCmd("resume", "Resume a paused upload", func(ctx context.Context, q *client.Queue, id string) error {
			return q.Resume(ctx, id)
		}),
		newTaskCmd("cancel", "Cancel an upload and terminate its server session", func(ctx context.Context, q *client.Queue, id string) error {
			return q.Cancel(ctx, id)
		}),
		newTaskCmd("retry", "Re-queue a failed upload", func(ctx context.Context, q *client.Queue, id string) error {
			return q.Retry(ctx, id)
		}),
	)
	return root
}

func newUploadCmd() *cobra.Command {
	var target string
	var wait bool

	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Queue files for upload",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			queue, store, err := openQueue(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, path := range args {
				task, err := queue.Enqueue(ctx, path, target)
				if err != nil {
					return err
				}
				fmt.Printf("queued %s as %s\n", path, task.ID)
			}

			if !wait {
				return nil
			}
			if err := queue.ResyncAll(ctx); err != nil {
				return err
			}
			return queue.Drain(ctx)
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "domain object the finished upload attaches to")
	cmd.Flags().BoolVar(&wait, "wait", true, "process the queue until it drains")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process the queue until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			queue, store, err := openQueue(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			// Server offsets are authoritative; resync before scheduling so
			// interrupted uploads continue from where the server left them.
			if err := queue.ResyncAll(ctx); err != nil {
				return err
			}

			err = queue.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List tasks and their progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, err := openQueue(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.List(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tFILE\tERROR")
			for _, t := range tasks {
				progress := fmt.Sprintf("%d/%d", t.BytesTransferred, t.DeclaredSize)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, progress, t.FilePath, t.LastError)
			}
			return tw.Flush()
		},
	}
}

func newTaskCmd(use string, short string, fn func(ctx context.Context, q *client.Queue, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			queue, store, err := openQueue(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			return fn(ctx, queue, args[0])
		},
	}
}

func main() {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("tempo exited with error", "error", err)
		os.Exit(1)
	}
}
