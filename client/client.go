package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opd-ai/filewire/chunker"
	"github.com/opd-ai/filewire/compress"
	"github.com/opd-ai/filewire/config"
	"github.com/opd-ai/filewire/crypto"
	"github.com/opd-ai/filewire/fault"
	"github.com/opd-ai/filewire/sd"
	"github.com/opd-ai/filewire/telemetry"
	"github.com/opd-ai/filewire/transport"
)

// ErrTransferFailed indicates the receiver rejected the session with a
// terminal non-OK verdict.
var ErrTransferFailed = errors.New("transfer failed")

// Client is the sending endpoint of filewire transfers.
type Client struct {
	serverAddr string
	key        crypto.Key
	chunkSize  int
	window     int
	ioTimeout  time.Duration

	provider *telemetry.Provider
	injector *fault.Injector
	sdw      *sd.Writer
}

// New builds a client from validated configuration. The telemetry
// provider is supplied by the caller, which owns its shutdown.
func New(cfg *config.ClientConfig, provider *telemetry.Provider) (*Client, error) {
	key, err := cfg.ParseKey()
	if err != nil {
		return nil, err
	}
	injector, err := fault.New(cfg.Fault)
	if err != nil {
		return nil, err
	}

	c := &Client{
		serverAddr: cfg.ServerAddr,
		key:        key,
		chunkSize:  cfg.ChunkSize,
		window:     cfg.Window,
		ioTimeout:  transport.DefaultIOTimeout,
		provider:   provider,
		injector:   injector,
	}
	if cfg.SDPath != "" {
		c.sdw, err = sd.NewWriter(cfg.SDPath)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Close releases the SD writer.
func (c *Client) Close() error {
	if c.sdw == nil {
		return nil
	}
	return c.sdw.Close()
}

// SendFile transfers one file and blocks until the receiver reports its
// terminal verdict. A non-OK verdict returns the Result alongside an
// error wrapping ErrTransferFailed.
func (c *Client) SendFile(ctx context.Context, path string) (*transport.Result, error) {
	checksum, size, err := chunker.HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}

	sessionID := uuid.New()
	name := filepath.Base(path)
	started := time.Now()

	// The root span carries the session's single sampling decision;
	// every stage span below inherits it.
	ctx, span := c.provider.Tracer().Start(ctx, telemetry.SpanClientSendFile,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			telemetry.AttrSessionID.String(sessionID.String()),
			telemetry.AttrFileName.String(name),
			telemetry.AttrFileOriginalSize.Int64(int64(size)),
			telemetry.AttrChunkCount.Int64(int64(chunker.CountChunks(size, c.chunkSize))),
			telemetry.AttrBugEnabled.Bool(c.injector.Enabled()),
			telemetry.AttrBugStage.String(c.injector.Stage()),
		),
	)

	var collector *sd.Collector
	var observer telemetry.StageObserver
	if c.sdw != nil {
		collector = sd.NewCollector(sessionID.String(), c.injector.Enabled())
		observer = collector
	}
	emitter := telemetry.NewEmitter(c.provider.Tracer(), observer)

	result, err := c.push(ctx, emitter, sessionID, path, name, checksum, size)

	latencyMs := float64(time.Since(started).Microseconds()) / 1000.0
	success := err == nil && result != nil && result.Status == transport.StatusOK

	telemetry.ClientFileTransferLatency.Observe(latencyMs)
	telemetry.ClientFilesSent.WithLabelValues(strconv.FormatBool(success)).Inc()

	if collector != nil {
		var throughput float64
		if latencyMs > 0 {
			throughput = float64(size) / (latencyMs / 1000.0)
		}
		if sdErr := c.sdw.Append(collector.Records(latencyMs, throughput)...); sdErr != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "SendFile",
				"session_id": sessionID,
				"error":      sdErr,
			}).Error("Failed to append SD records")
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return result, err
	}
	if result.Status != transport.StatusOK {
		err = fmt.Errorf("%w: %s: %s", ErrTransferFailed, result.Status, result.Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return result, err
	}

	span.SetAttributes(telemetry.AttrChecksumOK.Bool(true))
	span.End()

	logrus.WithFields(logrus.Fields{
		"function":   "SendFile",
		"session_id": sessionID,
		"file_name":  name,
		"bytes":      size,
		"latency_ms": latencyMs,
	}).Info("File transferred")
	return result, nil
}

// SendDir transfers every regular file directly under dir, continuing
// past individual failures and returning them joined.
func (c *Client) SendDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	var errs []error
	sent := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, err := c.SendFile(ctx, filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		sent++
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendDir",
		"dir":      dir,
		"sent":     sent,
		"failed":   len(errs),
	}).Info("Directory transfer finished")
	return errors.Join(errs...)
}

// push runs the send pipeline for one session: manifest, chunked
// compress/encrypt on a worker pool, serialized frame sends, completion
// marker, and the receiver's verdict.
func (c *Client) push(ctx context.Context, emitter *telemetry.Emitter, sessionID uuid.UUID, path, name string, checksum chunker.Checksum, size uint64) (*transport.Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	sender := transport.NewSender(c.serverAddr,
		transport.WithIOTimeout(c.ioTimeout),
		transport.WithRetryCallback(func(attempt int, err error) {
			telemetry.AddEvent(ctx, telemetry.EventRetryAttempted)
		}),
	)
	defer sender.Close()

	manifest := &transport.Manifest{
		SessionID:    sessionID,
		ChunkCount:   chunker.CountChunks(size, c.chunkSize),
		ChunkSize:    uint32(c.chunkSize),
		FileSize:     size,
		FileChecksum: checksum,
		FileName:     name,
	}
	if err := sender.Send(manifest); err != nil {
		return nil, err
	}
	telemetry.AddEvent(ctx, telemetry.EventUploadStarted)

	ck, err := chunker.New(file, c.chunkSize)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	var pipeErr error
	fail := func(err error) {
		once.Do(func() {
			pipeErr = err
			cancel()
		})
	}

	jobs := make(chan *chunker.Chunk)
	frames := make(chan *transport.ChunkFrame)
	var wg sync.WaitGroup

	// Producer: sequential chunk reads off the file.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)
		for {
			cctx, end := emitter.StartStage(pctx, telemetry.StageChunk)
			if c.injector.Delay(telemetry.StageChunk) {
				telemetry.AddEvent(cctx, telemetry.EventBugTriggered)
			}
			chunk, err := ck.Next()
			if errors.Is(err, io.EOF) {
				end(nil, 0)
				return
			}
			if err != nil {
				end(err, 0)
				fail(err)
				return
			}
			if out, hit := c.injector.Corrupt(telemetry.StageChunk, chunk.Data); hit {
				chunk.Data = out
				telemetry.AddEvent(cctx, telemetry.EventBugTriggered)
			}
			end(nil, len(chunk.Data), telemetry.AttrChunkIndex.Int64(int64(chunk.Index)))

			select {
			case jobs <- chunk:
			case <-pctx.Done():
				return
			}
		}
	}()

	// Bounded pool of compress/encrypt workers. The receiver's
	// reordering window absorbs their completion skew.
	var workers sync.WaitGroup
	for i := 0; i < c.window; i++ {
		workers.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer workers.Done()
			for chunk := range jobs {
				frame, err := c.buildFrame(pctx, emitter, sessionID, chunk)
				if err != nil {
					fail(err)
					return
				}
				select {
				case frames <- frame:
				case <-pctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		workers.Wait()
		close(frames)
	}()

	// Single sender keeps the frame stream well-formed on the wire.
	for frame := range frames {
		sctx, end := emitter.StartStage(ctx, telemetry.StageSend)
		if c.injector.Delay(telemetry.StageSend) {
			telemetry.AddEvent(sctx, telemetry.EventBugTriggered)
		}
		if c.injector.ShouldDrop(telemetry.StageSend, frame.Index) {
			telemetry.AddEvent(sctx, telemetry.EventBugTriggered)
			end(nil, 0, telemetry.AttrChunkIndex.Int64(int64(frame.Index)))
			continue
		}
		if out, hit := c.injector.Corrupt(telemetry.StageSend, frame.Payload); hit {
			frame.Payload = out
			telemetry.AddEvent(sctx, telemetry.EventBugTriggered)
		}

		err := sender.Send(frame)
		end(err, len(frame.Payload), telemetry.AttrChunkIndex.Int64(int64(frame.Index)))
		if err != nil {
			fail(err)
			break
		}
	}

	cancel()
	wg.Wait()
	if pipeErr != nil {
		return nil, pipeErr
	}

	if err := sender.Send(&transport.Complete{SessionID: sessionID}); err != nil {
		return nil, err
	}
	result, err := sender.ReadResult(c.ioTimeout)
	if err != nil {
		return nil, err
	}
	telemetry.AddEvent(ctx, telemetry.EventUploadFinished)
	return result, nil
}

// buildFrame compresses and encrypts one chunk into its wire frame.
func (c *Client) buildFrame(ctx context.Context, emitter *telemetry.Emitter, sessionID uuid.UUID, chunk *chunker.Chunk) (*transport.ChunkFrame, error) {
	zctx, end := emitter.StartStage(ctx, telemetry.StageCompress)
	if c.injector.Delay(telemetry.StageCompress) {
		telemetry.AddEvent(zctx, telemetry.EventBugTriggered)
	}
	compressed, stored, ratio, err := compress.Compress(chunk.Data)
	if err == nil {
		if out, hit := c.injector.Corrupt(telemetry.StageCompress, compressed); hit {
			compressed = out
			telemetry.AddEvent(zctx, telemetry.EventBugTriggered)
		}
	}
	end(err, len(compressed),
		telemetry.AttrChunkIndex.Int64(int64(chunk.Index)),
		telemetry.AttrCompressionRatio.Float64(ratio),
	)
	if err != nil {
		return nil, err
	}

	nonce := crypto.DeriveNonce(sessionID, chunk.Index)

	ectx, end := emitter.StartStage(ctx, telemetry.StageEncrypt)
	if c.injector.Delay(telemetry.StageEncrypt) {
		telemetry.AddEvent(ectx, telemetry.EventBugTriggered)
	}
	sealed, err := crypto.Seal(c.key, nonce, compressed)
	if err == nil {
		if out, hit := c.injector.Corrupt(telemetry.StageEncrypt, sealed); hit {
			sealed = out
			telemetry.AddEvent(ectx, telemetry.EventBugTriggered)
		}
	}
	end(err, len(sealed), telemetry.AttrChunkIndex.Int64(int64(chunk.Index)))
	if err != nil {
		return nil, err
	}

	return &transport.ChunkFrame{
		SessionID: sessionID,
		Index:     chunk.Index,
		Stored:    stored,
		Checksum:  chunk.Checksum,
		Nonce:     nonce,
		Payload:   sealed,
	}, nil
}
