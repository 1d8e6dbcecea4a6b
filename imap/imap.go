package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/kadin2048/ichat-to-eml/model"
	"github.com/kadin2048/ichat-to-eml/runner"
	"github.com/kadin2048/ichat-to-eml/state"
	"github.com/kadin2048/ichat-to-eml/stats"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// Uploader is the pipeline sink that appends converted conversations
// to an IMAP mailbox.
type Uploader struct {
	opts    Options
	runner  *runner.Runner
	tracker state.Tracker
	outputs <-chan model.Output
	logger  *slog.Logger
}

func NewUploader(opts Options, r *runner.Runner, logger *slog.Logger) (*Uploader, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	uploader := &Uploader{
		opts:    opts,
		runner:  r,
		tracker: tracker,
		outputs: r.Outputs(),
		logger:  logger,
	}
	r.AddStage("imap", uploader.run)
	return uploader, nil
}

func (u *Uploader) run(ctx context.Context) error {
	var (
		client  *imapclient.Client
		cleanup func()
	)
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-u.outputs:
			if !ok {
				return nil
			}
			if out.Hash == "" {
				err := fmt.Errorf("conversation %s missing hash", out.Source)
				u.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeError, Source: out.Source, Err: err})
				return err
			}

			if u.opts.DryRun {
				if err := u.tracker.MarkConverted(out.Hash, out.Source); err != nil {
					u.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeError, Source: out.Source, Err: err})
					return err
				}
				u.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeDryRunOutput, Source: out.Source})
				if u.logger != nil {
					u.logger.Debug("dry-run upload", "source", out.Source, "target", u.targetFolder(), "hash", out.Hash)
				}
				continue
			}

			if client == nil {
				var err error
				client, cleanup, err = u.dial(ctx)
				if err != nil {
					u.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeError, Source: out.Source, Err: err})
					return err
				}
			}

			if err := u.appendMessage(client, out); err != nil {
				err = fmt.Errorf("upload conversation %s: %w", out.Source, err)
				u.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeError, Source: out.Source, Err: err})
				return err
			}

			if err := u.tracker.MarkConverted(out.Hash, out.Source); err != nil {
				u.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeError, Source: out.Source, Err: err})
				return err
			}

			u.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeUploaded, Source: out.Source})
			if u.logger != nil {
				u.logger.Debug("uploaded conversation", "source", out.Source, "target", u.targetFolder(), "hash", out.Hash)
			}
		}
	}
}

func (u *Uploader) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(u.opts.Host, strconv.Itoa(u.opts.Port))
	options := &imapclient.Options{}

	if u.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         u.opts.Host,
			InsecureSkipVerify: u.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if u.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(u.opts.Username, u.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := u.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	if u.logger != nil {
		u.logger.Debug("imap connection established", "address", address, "user", u.opts.Username, "target", u.targetFolder(), "tls", u.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if u.logger != nil {
					u.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && u.logger != nil {
			u.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (u *Uploader) appendMessage(client *imapclient.Client, out model.Output) error {
	target := u.targetFolder()
	size := int64(len(out.EML))

	var opts *imapv2.AppendOptions
	if !out.Time.IsZero() {
		// Dating the append keeps the mailbox sorted by when the
		// conversation happened, not when it was imported.
		opts = &imapv2.AppendOptions{Time: out.Time}
	}

	cmd := client.Append(target, size, opts)

	remaining := out.EML
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

func (u *Uploader) targetFolder() string {
	if u.opts.TargetFolder == "" {
		return "INBOX"
	}
	return u.opts.TargetFolder
}

func (u *Uploader) ensureMailbox(client *imapclient.Client) error {
	target := u.targetFolder()
	cmd := client.Create(target, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				if u.logger != nil {
					u.logger.Debug("imap mailbox already exists", "mailbox", target)
				}
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	if u.logger != nil {
		u.logger.Info("imap mailbox created", "mailbox", target)
	}

	return nil
}
