package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kadin2048/ichat-to-eml/config"
	"github.com/kadin2048/ichat-to-eml/eml"
	"github.com/kadin2048/ichat-to-eml/model"
	"github.com/kadin2048/ichat-to-eml/state"
	"github.com/kadin2048/ichat-to-eml/stats"
)

type StageFunc func(context.Context) error

// Runner owns the conversion pipeline: a scanner stage feeds decoded
// conversations in, the bridge renders them to EML, and sink stages
// consume the rendered output. A decode failure in one archive is
// recorded and the batch continues; only infrastructure failures stop
// the run.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	envelopes chan model.Envelope
	outputs   chan model.Output

	subsMu sync.Mutex
	subs   []chan stats.Event

	tracker *state.FileTracker

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEnvelopesOnce sync.Once
	closeOutputsOnce   sync.Once
	closeEventsOnce    sync.Once
	since              time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())

	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		envelopes: make(chan model.Envelope, 32),
		outputs:   make(chan model.Output, 32),
		tracker:   tracker,
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) EnvelopeWriter() chan<- model.Envelope {
	return r.envelopes
}

func (r *Runner) CloseEnvelopes() {
	r.closeEnvelopesOnce.Do(func() {
		close(r.envelopes)
	})
}

func (r *Runner) Outputs() <-chan model.Output {
	return r.outputs
}

// EmitEvent broadcasts the event to every subscriber. Each subscriber
// owns its own channel, so the progress bar and the stats collectors
// all observe the complete event stream.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.Lock()
	subs := r.subs
	r.subsMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if err := r.tracker.Close(); err != nil {
		r.logger.Warn("closing state tracker", "err", err)
	}

	err := r.err
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeOutputs()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.envelopes:
			if !ok {
				return nil
			}

			r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeScanned, Source: envelope.Source})

			if envelope.Err != nil {
				// One bad archive must not sink the batch.
				r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeError, Source: envelope.Source, Err: envelope.Err})
				r.logger.Warn("skipping undecodable archive", "source", envelope.Source, "err", envelope.Err)
				continue
			}

			if envelope.Hash != "" && r.tracker.AlreadyConverted(envelope.Hash) {
				r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeDuplicate, Source: envelope.Source})
				continue
			}

			out, err := r.convert(envelope)
			if err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeError, Source: envelope.Source, Err: err})
				r.logger.Warn("skipping unconvertible archive", "source", envelope.Source, "err", err)
				continue
			}
			r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeConverted, Source: envelope.Source})

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.outputs <- out:
			}
		}
	}
}

func (r *Runner) convert(envelope model.Envelope) (model.Output, error) {
	conv := envelope.Conversation
	if conv == nil {
		return model.Output{}, fmt.Errorf("envelope for %s carries no conversation", envelope.Source)
	}

	opts := eml.Options{
		Location:        r.cfg.Location,
		StripBackground: r.cfg.NoBackground,
	}
	if r.cfg.AttachOriginal {
		opts.Original = envelope.Raw
	}

	raw, err := eml.Build(conv, envelope.Source, opts)
	if err != nil {
		return model.Output{}, fmt.Errorf("render eml: %w", err)
	}

	out := model.Output{
		Source: envelope.Source,
		Hash:   envelope.Hash,
		Name:   emlName(envelope.Source),
		EML:    raw,
	}
	if len(conv.Participants) > 0 {
		out.From = conv.Participants[0]
	}
	if t, ok := conv.Time(); ok {
		out.Time = t
	}
	return out, nil
}

// emlName maps a source log path to the output file name, keeping the
// original base name so the sender's real name survives.
func emlName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".eml"
}

func (r *Runner) closeOutputs() {
	r.closeOutputsOnce.Do(func() {
		close(r.outputs)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subsMu.Lock()
		for _, ch := range r.subs {
			close(ch)
		}
		r.subsMu.Unlock()
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
