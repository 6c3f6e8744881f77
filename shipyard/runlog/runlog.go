// Package runlog reads the per-run JSON log, optionally following it while
// the run is still writing.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hpcloud/tail"

	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

// Finished reports whether line is the last one a run writes: the outcome
// of its terminal archive stage.
func Finished(line models.LogLine) bool {
	return line.Kind == models.LogKindControl &&
		line.Stage == models.StageArchiveReports &&
		line.StageStatus != ""
}

// Read hands every line of the log at path to fn. With follow it waits
// for new lines until the run finishes or ctx ends; a log that does not
// exist yet is waited for.
func Read(ctx context.Context, path string, follow bool, fn func(models.LogLine) error) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		MustExist: !follow,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Wait()
			}
			if line.Err != nil {
				return line.Err
			}
			if line.Text == "" {
				continue
			}

			var ll models.LogLine
			if err := json.Unmarshal([]byte(line.Text), &ll); err != nil {
				return fmt.Errorf("malformed run log line: %w", err)
			}
			if err := fn(ll); err != nil {
				return err
			}
			if follow && Finished(ll) {
				return nil
			}
		}
	}
}
