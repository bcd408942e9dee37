package main

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/githubnext/xchecker/pkg/status"
	"github.com/githubnext/xchecker/pkg/xcpaths"
)

func newStatusCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status <spec-id>",
		Short: "Show the current state of a spec as canonical JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specID := args[0]
			home, _ := cmd.Flags().GetString("home")

			paths, err := xcpaths.Discover(home)
			if err != nil {
				return err
			}

			print := func() error {
				out, err := status.Gather(paths, specID, nil, "", "", "")
				if err != nil {
					return err
				}
				data, err := status.MarshalJCS(out)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			if err := print(); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchAndReprint(print, paths.ArtifactsDir(specID), paths.ReceiptsDir(specID))
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-print status whenever artifacts or receipts change")
	return cmd
}

// watchAndReprint blocks, calling reprint whenever a file under dirs is
// created, written, or renamed. Directories that don't exist yet are
// skipped; it returns once the watcher's event channel closes.
func watchAndReprint(reprint func() error, dirs ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := 0
	for _, dir := range dirs {
		if _, statErr := os.Stat(dir); statErr != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return err
		}
		watched++
	}
	if watched == 0 {
		return nil
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if err := reprint(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
