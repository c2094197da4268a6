package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/datallboy/presetdl/internal/broadcast"
	"github.com/datallboy/presetdl/internal/domain"
	"github.com/datallboy/presetdl/internal/engine"
)

func newFetchCmd() *cobra.Command {
	var (
		force bool
		list  bool
	)

	cmd := &cobra.Command{
		Use:   "fetch [PRESET_ID...]",
		Short: "Download presets from the catalog and wait for them to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			appCtx, cleanup, err := bootstrap(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			if appCtx.Catalog == nil {
				return errors.New("no preset catalog loaded (set catalog.path)")
			}
			if list || len(args) == 0 {
				for _, id := range appCtx.Catalog.IDs() {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}

			mgr := engine.NewManager(appCtx, nil)
			defer mgr.Close()

			sub := mgr.Broadcaster().Subscribe(1024)
			defer func() { sub.Close() }()

			view := newProgressView(cmd.OutOrStdout())
			pending := make(map[string]bool)
			for _, id := range args {
				files, err := appCtx.Catalog.Resolve(id)
				if err != nil {
					view.fail(id, err)
					continue
				}
				res, err := mgr.Submit(ctx, id, files, force)
				if err != nil {
					view.fail(id, err)
					continue
				}
				view.submitted(id, res)
				if res.Outcome == domain.Accepted {
					pending[id] = true
				}
			}

			tick := time.NewTicker(time.Second)
			defer tick.Stop()

			failed := false
			for len(pending) > 0 {
				select {
				case <-ctx.Done():
					view.info("Interrupted; partial files are kept for the next run")
					return ctx.Err()
				case <-tick.C:
					// Also settles groups whose final event was lost
					if poll(mgr, pending, view) {
						failed = true
					}
				case ev, ok := <-sub.Events():
					if !ok {
						// Fell behind; carry on polling
						sub = mgr.Broadcaster().Subscribe(1024)
						continue
					}
					if !pending[ev.PresetID] {
						continue
					}
					switch ev.Type {
					case broadcast.DownloadCompleted, broadcast.DownloadFailed:
						// Per-file failures share the type; only the group event has a status
						if _, final := ev.Data["status"]; !final {
							view.event(ev)
							continue
						}
						st, _ := mgr.Status(ev.PresetID)
						if st != nil {
							view.finished(st)
							failed = failed || st.Status != domain.GroupCompleted
						}
						delete(pending, ev.PresetID)
					default:
						view.event(ev)
					}
				}
			}

			if failed {
				return errors.New("one or more presets did not complete")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "re-download files that already exist")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list catalog presets and exit")
	return cmd
}

type statusSource interface {
	Status(presetID string) (*domain.Status, bool)
}

// poll renders every pending group and drops the ones that are finished or
// already evicted. It reports whether any of them did not complete.
func poll(src statusSource, pending map[string]bool, view *progressView) bool {
	failed := false
	for id := range pending {
		st, ok := src.Status(id)
		switch {
		case !ok:
			view.fail(id, errors.New("download is gone, outcome unknown"))
			failed = true
			delete(pending, id)
		case st.Status.IsFinished():
			view.finished(st)
			failed = failed || st.Status != domain.GroupCompleted
			delete(pending, id)
		default:
			view.status(st)
		}
	}
	return failed
}
