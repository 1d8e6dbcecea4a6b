// Package chatlog finds iChat log files on disk and decodes them into
// the canonical conversation model, dispatching on the archive format.
package chatlog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kadin2048/ichat-to-eml/filter"
	"github.com/kadin2048/ichat-to-eml/model"
	"github.com/kadin2048/ichat-to-eml/plist"
	"github.com/kadin2048/ichat-to-eml/runner"
	"github.com/kadin2048/ichat-to-eml/stats"
	"github.com/kadin2048/ichat-to-eml/typedstream"
)

// Format identifies the serialization of one log file.
type Format string

const (
	// FormatTypedstream is the token-tagged stream iChat 1 and 2 wrote
	// to .chat files.
	FormatTypedstream Format = "typedstream"
	// FormatKeyedArchive is the keyed-archive binary plist iChat 3 and
	// later wrote to .ichat files.
	FormatKeyedArchive Format = "keyed-archive"
)

var ErrUnknownFormat = errors.New("unrecognized chat log format")

var bplistMagic = []byte("bplist00")

// DetectFormat maps a log file name to its archive format.
func DetectFormat(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".chat":
		return FormatTypedstream, true
	case ".ichat":
		return FormatKeyedArchive, true
	}
	return "", false
}

// SniffFormat inspects the leading bytes when the file name gives no
// answer. Keyed archives always begin with the binary plist magic;
// typedstream logs carry their signature a few bytes in.
func SniffFormat(data []byte) (Format, bool) {
	if bytes.HasPrefix(data, bplistMagic) {
		return FormatKeyedArchive, true
	}
	if len(data) > 2 {
		head := data[:min(len(data), 16)]
		if bytes.Contains(head, []byte("streamtyped")) || bytes.Contains(head, []byte("typedstream")) {
			return FormatTypedstream, true
		}
	}
	return "", false
}

// Decoder decodes any supported log format.
type Decoder struct {
	Logger *slog.Logger
}

// Decode dispatches to the format-specific decoder. The file name
// decides first; the content is sniffed when the extension is foreign.
func (d *Decoder) Decode(path string, data []byte) (*model.Conversation, error) {
	format, ok := DetectFormat(path)
	if !ok {
		format, ok = SniffFormat(data)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(path))
	}

	switch format {
	case FormatKeyedArchive:
		dec := plist.Decoder{Logger: d.Logger}
		return dec.DecodeConversation(data)
	case FormatTypedstream:
		dec := typedstream.Decoder{Logger: d.Logger}
		return dec.DecodeConversation(data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
}

// ListInputs expands the given paths into the sorted list of log files
// to convert. Directories are walked recursively; files are accepted
// whatever their extension, the decoder sniffs those.
func ListInputs(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})

	add := func(path string) {
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat input: %w", err)
		}

		if !info.IsDir() {
			add(path)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if _, ok := DetectFormat(p); ok {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", path, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

// Producer is the pipeline stage that reads, decodes and filters the
// input logs.
type Producer struct {
	files   []string
	decoder Decoder
	filter  *filter.Filter
	runner  *runner.Runner
	logger  *slog.Logger
}

// NewProducer registers the scan stage on the runner. The file list is
// resolved up front so callers can size the progress display.
func NewProducer(files []string, f *filter.Filter, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no chat logs to convert")
	}

	producer := &Producer{
		files:   files,
		decoder: Decoder{Logger: logger},
		filter:  f,
		runner:  r,
		logger:  logger,
	}
	r.AddStage("scan", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseEnvelopes()

	for _, path := range p.files {
		if err := ctx.Err(); err != nil {
			return err
		}

		env := p.read(path)

		if env.Err == nil && p.filter != nil && !p.filter.Allows(env.Conversation) {
			p.runner.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeScanned, Source: path})
			p.runner.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeFiltered, Source: path})
			if p.logger != nil {
				p.logger.Debug("filtered out conversation", "source", path)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.runner.EnvelopeWriter() <- env:
		}
	}

	return nil
}

func (p *Producer) read(path string) model.Envelope {
	env := model.Envelope{Source: path}

	data, err := os.ReadFile(path)
	if err != nil {
		env.Err = fmt.Errorf("read log: %w", err)
		return env
	}

	sum := sha256.Sum256(data)
	env.Hash = base64.StdEncoding.EncodeToString(sum[:])
	env.Raw = data

	conv, err := p.decoder.Decode(path, data)
	if err != nil {
		env.Err = err
		return env
	}
	env.Conversation = conv
	return env
}
