package connector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/ship-commander/destharness/internal/destination"
	"github.com/ship-commander/destharness/internal/envvars"
	"github.com/ship-commander/destharness/internal/protocol"
	"github.com/ship-commander/destharness/internal/staging"
)

const maxLineBytes = 16 << 20

type streamKey struct {
	namespace string
	name      string
}

type writeWorker struct {
	spec   destination.LaunchSpec
	logger *log.Logger

	cfg          Config
	stager       *staging.Stager
	out          destination.Emitter
	fileTransfer bool

	buffers  map[streamKey][]protocol.RecordMessage
	pending  map[streamKey]int
	received map[streamKey]bool
	total    int
}

// Run consumes input until end of input. Records are staged per stream and
// every state is acknowledged only after the records before it are staged.
// At end of input every stream is published and reported complete.
func (w *writeWorker) Run(ctx context.Context, in io.Reader, out destination.Emitter) error {
	w.out = out
	w.buffers = map[streamKey][]protocol.RecordMessage{}
	w.pending = map[streamKey]int{}
	w.received = map[streamKey]bool{}
	w.fileTransfer = w.spec.Env.Bool(envvars.UseFileTransfer)

	cfg, err := ParseConfig(w.spec.Config)
	if err != nil {
		return w.fail(protocol.FailureTypeConfigError, "invalid destination config", err)
	}
	w.cfg = cfg

	stager, err := staging.Open(cfg.DatabasePath, cfg.StagingDir, w.logger)
	if err != nil {
		return w.fail(protocol.FailureTypeConfigError, "open destination database", err)
	}
	defer stager.Close()
	w.stager = stager

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		message, err := protocol.Parse(line)
		if err != nil {
			return w.fail(protocol.FailureTypeSystemError, "failed to parse input message", err)
		}
		if err := w.handle(ctx, message); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	if err := w.flushAll(ctx); err != nil {
		return w.fail(protocol.FailureTypeSystemError, "flush records", err)
	}
	if err := w.publish(ctx); err != nil {
		return w.fail(protocol.FailureTypeSystemError, "publish streams", err)
	}
	w.logger.Info("write complete", "records", w.total)
	return nil
}

func (w *writeWorker) handle(ctx context.Context, message protocol.Message) error {
	switch message.Type {
	case protocol.TypeRecord:
		return w.handleRecord(ctx, *message.Record)
	case protocol.TypeState:
		return w.handleState(ctx, message)
	default:
		w.logger.Debug("ignoring message", "type", string(message.Type))
		return nil
	}
}

func (w *writeWorker) handleRecord(ctx context.Context, record protocol.RecordMessage) error {
	key := streamKey{namespace: record.Namespace, name: record.Stream}
	if w.spec.Catalog != nil {
		if _, ok := w.spec.Catalog.Find(record.Namespace, record.Stream); !ok {
			return w.fail(protocol.FailureTypeConfigError,
				fmt.Sprintf("record for stream %s not in configured catalog", qualified(key)),
				errors.New("unknown stream"))
		}
	}

	if w.fileTransfer && record.File != nil {
		file, err := consumeFile(*record.File)
		if err != nil {
			return w.fail(protocol.FailureTypeSystemError, "transfer file", err)
		}
		record.File = &file
	}

	w.buffers[key] = append(w.buffers[key], record)
	w.pending[key]++
	w.received[key] = true
	w.total++
	if len(w.buffers[key]) >= w.cfg.BatchSize {
		if err := w.flush(ctx, key); err != nil {
			return w.fail(protocol.FailureTypeSystemError, "flush records", err)
		}
	}
	return nil
}

// handleState stages everything the state covers, then echoes it with the
// number of records it acknowledges.
func (w *writeWorker) handleState(ctx context.Context, message protocol.Message) error {
	state := *message.State
	var count int
	if state.Type == protocol.StateTypeStream && state.Stream != nil {
		key := streamKey{namespace: state.Stream.StreamDescriptor.Namespace, name: state.Stream.StreamDescriptor.Name}
		if err := w.flush(ctx, key); err != nil {
			return w.fail(protocol.FailureTypeSystemError, "flush records", err)
		}
		count = w.pending[key]
		w.pending[key] = 0
	} else {
		if err := w.flushAll(ctx); err != nil {
			return w.fail(protocol.FailureTypeSystemError, "flush records", err)
		}
		for key, n := range w.pending {
			count += n
			w.pending[key] = 0
		}
	}

	state.DestinationStats = &protocol.Stats{RecordCount: float64(count)}
	return w.out.Append(protocol.Message{Type: protocol.TypeState, State: &state})
}

func (w *writeWorker) flush(ctx context.Context, key streamKey) error {
	records := w.buffers[key]
	if len(records) == 0 {
		return nil
	}
	batch := staging.Batch{Namespace: key.namespace, Stream: key.name, Records: records}
	if stream, ok := w.spec.Catalog.Find(key.namespace, key.name); ok {
		batch.GenerationID = stream.GenerationID
		batch.SyncID = stream.SyncID
	}
	if _, err := w.stager.StageBatch(ctx, batch); err != nil {
		return err
	}
	w.buffers[key] = nil
	return nil
}

func (w *writeWorker) flushAll(ctx context.Context) error {
	for _, key := range sortedKeys(w.buffers) {
		if err := w.flush(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// publish promotes every stream that received data, plus every overwrite
// stream in the catalog so an empty overwrite sync still truncates.
func (w *writeWorker) publish(ctx context.Context) error {
	targets := map[streamKey]bool{}
	for key := range w.received {
		targets[key] = false
	}
	if w.spec.Catalog != nil {
		for _, stream := range w.spec.Catalog.Streams {
			key := streamKey{namespace: stream.Stream.Namespace, name: stream.Stream.Name}
			overwrite := stream.DestinationSyncMode == protocol.DestinationSyncModeOverwrite
			if _, ok := targets[key]; ok || overwrite {
				targets[key] = overwrite
			}
		}
	}

	for _, key := range sortedKeys(targets) {
		if err := w.stager.Publish(ctx, key.namespace, key.name, targets[key]); err != nil {
			return err
		}
	}

	var complete []streamKey
	if w.spec.Catalog != nil {
		for _, stream := range w.spec.Catalog.Streams {
			complete = append(complete, streamKey{namespace: stream.Stream.Namespace, name: stream.Stream.Name})
		}
	} else {
		complete = sortedKeys(targets)
	}
	for _, key := range complete {
		if err := w.out.Append(protocol.NewStreamStatus(key.namespace, key.name, protocol.StreamStatusComplete)); err != nil {
			return err
		}
	}
	return nil
}

// fail emits an error trace and returns the unclean exit for it.
func (w *writeWorker) fail(failureType, message string, cause error) error {
	w.logger.Error(message, "error", cause)
	trace := protocol.NewErrorTrace(message, cause.Error(), failureType)
	if err := w.out.Append(trace); err != nil {
		w.logger.Warn("emit error trace", "error", err)
	}
	return &destination.ExitError{Code: 1, Err: fmt.Errorf("%s: %w", message, cause)}
}

// consumeFile reads the referenced file, records its size and removes it.
func consumeFile(ref protocol.FileReference) (protocol.FileReference, error) {
	path := strings.TrimPrefix(ref.FileURL, "file://")
	if path == "" {
		return ref, errors.New("file reference has no url")
	}
	// #nosec G304 -- path comes from the record's file reference.
	content, err := os.ReadFile(path)
	if err != nil {
		return ref, fmt.Errorf("read transferred file: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return ref, fmt.Errorf("remove transferred file: %w", err)
	}
	ref.Bytes = int64(len(content))
	return ref, nil
}

func sortedKeys[V any](m map[streamKey]V) []streamKey {
	keys := make([]streamKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].namespace != keys[j].namespace {
			return keys[i].namespace < keys[j].namespace
		}
		return keys[i].name < keys[j].name
	})
	return keys
}

func qualified(key streamKey) string {
	if key.namespace == "" {
		return key.name
	}
	return key.namespace + "." + key.name
}
