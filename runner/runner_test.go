package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/kadin2048/ichat-to-eml/config"
	"github.com/kadin2048/ichat-to-eml/stats"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := config.Config{
		StateDir: t.TempDir(),
		DryRun:   true,
		LogLevel: "error",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func countEvents(counter *int) func(context.Context, <-chan stats.Event) error {
	return func(ctx context.Context, events <-chan stats.Event) error {
		for range events {
			*counter++
		}
		return nil
	}
}

func TestSubscribersEachSeeEveryEvent(t *testing.T) {
	r := testRunner(t)

	var sawA, sawB int
	r.SubscribeStats("a", countEvents(&sawA))
	r.SubscribeStats("b", countEvents(&sawB))

	const emitted = 100
	r.AddStage("emit", func(ctx context.Context) error {
		defer r.CloseEnvelopes()
		for i := 0; i < emitted; i++ {
			r.EmitEvent(stats.Event{
				Stage:  stats.StageScan,
				Type:   stats.EventTypeScanned,
				Source: fmt.Sprintf("log-%d.chat", i),
			})
		}
		return nil
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if sawA != emitted {
		t.Errorf("subscriber a saw %d events, want %d", sawA, emitted)
	}
	if sawB != emitted {
		t.Errorf("subscriber b saw %d events, want %d", sawB, emitted)
	}
}

func TestSubscriberChannelsCloseAfterStages(t *testing.T) {
	r := testRunner(t)

	done := make(chan struct{})
	r.SubscribeStats("closer", func(ctx context.Context, events <-chan stats.Event) error {
		for range events {
		}
		close(done)
		return nil
	})

	r.AddStage("noop", func(ctx context.Context) error {
		r.CloseEnvelopes()
		return nil
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-done:
	default:
		t.Error("subscriber channel was never closed")
	}
}
