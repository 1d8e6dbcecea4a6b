// Package output writes rendered EML messages to their destination: a
// directory of .eml files, an mbox file, or standard output.
package output

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/kadin2048/ichat-to-eml/model"
	"github.com/kadin2048/ichat-to-eml/runner"
	"github.com/kadin2048/ichat-to-eml/state"
	"github.com/kadin2048/ichat-to-eml/stats"
)

type Options struct {
	// Dir receives one .eml file per conversation when set.
	Dir string
	// MboxPath appends every conversation to one mbox file when set.
	MboxPath string
	// Stdout dumps the rendered message to standard output. Only
	// sensible for a single input.
	Stdout io.Writer
	DryRun bool
}

// Writer is the pipeline sink for local output modes.
type Writer struct {
	opts    Options
	runner  *runner.Runner
	tracker state.Tracker
	outputs <-chan model.Output
	logger  *slog.Logger
}

func NewWriter(opts Options, r *runner.Runner, logger *slog.Logger) (*Writer, error) {
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}

	w := &Writer{
		opts:    opts,
		runner:  r,
		tracker: tracker,
		outputs: r.Outputs(),
		logger:  logger,
	}
	r.AddStage("output", w.run)
	return w, nil
}

func (w *Writer) run(ctx context.Context) error {
	var (
		mboxFile   *os.File
		mboxWriter *mboxlib.Writer
	)
	defer func() {
		if mboxWriter != nil {
			if err := mboxWriter.Close(); err != nil && w.logger != nil {
				w.logger.Warn("closing mbox writer", "err", err)
			}
		}
		if mboxFile != nil {
			if err := mboxFile.Close(); err != nil && w.logger != nil {
				w.logger.Warn("closing mbox file", "err", err)
			}
		}
	}()

	if w.opts.Dir != "" && !w.opts.DryRun {
		if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	used := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-w.outputs:
			if !ok {
				return nil
			}

			if w.opts.DryRun {
				if err := w.tracker.MarkConverted(out.Hash, out.Source); err != nil {
					w.emitError(out, err)
					return err
				}
				w.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeDryRunOutput, Source: out.Source})
				if w.logger != nil {
					w.logger.Debug("dry-run output", "source", out.Source, "name", out.Name, "size", len(out.EML))
				}
				continue
			}

			var err error
			switch {
			case w.opts.Dir != "":
				err = w.writeFile(out, used)
			case w.opts.MboxPath != "":
				if mboxWriter == nil {
					mboxFile, mboxWriter, err = w.openMbox()
					if err != nil {
						w.emitError(out, err)
						return err
					}
				}
				err = appendMbox(mboxWriter, out)
			default:
				_, err = w.opts.Stdout.Write(out.EML)
			}
			if err != nil {
				err = fmt.Errorf("write %s: %w", out.Name, err)
				w.emitError(out, err)
				return err
			}

			if err := w.tracker.MarkConverted(out.Hash, out.Source); err != nil {
				w.emitError(out, err)
				return err
			}

			w.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeWritten, Source: out.Source})
			if w.logger != nil {
				w.logger.Debug("wrote message", "source", out.Source, "name", out.Name, "size", len(out.EML))
			}
		}
	}
}

// writeFile stores one message under its log-derived name, suffixing
// duplicates so two logs with the same base name both survive.
func (w *Writer) writeFile(out model.Output, used map[string]int) error {
	name := out.Name
	if n := used[out.Name]; n > 0 {
		ext := filepath.Ext(name)
		name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
	}
	used[out.Name]++

	return os.WriteFile(filepath.Join(w.opts.Dir, name), out.EML, 0o644)
}

func (w *Writer) openMbox() (*os.File, *mboxlib.Writer, error) {
	file, err := os.OpenFile(w.opts.MboxPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open mbox: %w", err)
	}
	return file, mboxlib.NewWriter(file), nil
}

func appendMbox(writer *mboxlib.Writer, out model.Output) error {
	t := out.Time
	if t.IsZero() {
		t = time.Now()
	}
	from := out.From
	if from == "" {
		from = model.UnknownParticipant
	}

	msg, err := writer.CreateMessage(from, t)
	if err != nil {
		return fmt.Errorf("create mbox message: %w", err)
	}
	if _, err := msg.Write(out.EML); err != nil {
		return fmt.Errorf("write mbox message: %w", err)
	}
	return nil
}

func (w *Writer) emitError(out model.Output, err error) {
	w.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeError, Source: out.Source, Err: err})
}
