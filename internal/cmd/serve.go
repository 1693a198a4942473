package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jra3/rbxsync/internal/changeproc"
	"github.com/jra3/rbxsync/internal/config"
	"github.com/jra3/rbxsync/internal/mqueue"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/vfs"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve [project-root]",
	Short: "Run the sync server against a project directory",
	Long:  `Watches the given project directory and keeps the authoritative instance tree in sync with it. No editor plugin protocol listener is started.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	projectRoot := cfg.ProjectRoot
	if len(args) > 0 {
		projectRoot = args[0]
	}
	if projectRoot == "" {
		return fmt.Errorf("project root required: rbxsync serve /path/to/project")
	}

	v, err := vfs.New(projectRoot)
	if err != nil {
		return fmt.Errorf("failed to watch project root: %w", err)
	}
	defer v.Close()

	q := mqueue.New(cfg.Queue.RetentionSize)
	if cfg.Queue.DBPath != "" {
		store, err := mqueue.OpenStore(cfg.Queue.DBPath)
		if err != nil {
			fmt.Printf("Warning: message history disabled: %v\n", err)
		} else {
			defer store.Close()
			if err := q.WithStore(store); err != nil {
				fmt.Printf("Warning: failed to load message history: %v\n", err)
			}
		}
	}

	t := tree.New()
	proc := changeproc.New(t, v, q)

	fmt.Printf("Watching %s (configured bind address %s is not listened on)\n", projectRoot, cfg.Server.BindAddr)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	proc.Reconcile()
	log.Printf("[serve] initial reconcile found %d instances", t.Len())

	proc.Run(ctx)
	return nil
}
