package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opd-ai/filewire/compress"
	"github.com/opd-ai/filewire/config"
	"github.com/opd-ai/filewire/crypto"
	"github.com/opd-ai/filewire/fault"
	"github.com/opd-ai/filewire/pipeline"
	"github.com/opd-ai/filewire/sd"
	"github.com/opd-ai/filewire/telemetry"
	"github.com/opd-ai/filewire/transport"
)

// sweepInterval is how often stalled sessions are checked for timeout.
const sweepInterval = time.Second

// terminalRetention is how long a finished session stays in the
// registry so late duplicate frames still get the stored verdict.
const terminalRetention = 5 * time.Minute

// Server is the receiving endpoint of filewire transfers.
type Server struct {
	listenAddr   string
	key          crypto.Key
	outputDir    string
	window       int
	stallTimeout time.Duration
	ioTimeout    time.Duration

	provider *telemetry.Provider
	injector *fault.Injector
	sdw      *sd.Writer
	ledger   *Ledger

	reg *registry

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a server from validated configuration. The telemetry
// provider is supplied by the caller, which owns its shutdown.
func New(cfg *config.ServerConfig, provider *telemetry.Provider) (*Server, error) {
	key, err := cfg.ParseKey()
	if err != nil {
		return nil, err
	}
	injector, err := fault.New(cfg.Fault)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	s := &Server{
		listenAddr:   cfg.ListenAddr,
		key:          key,
		outputDir:    cfg.OutputDir,
		window:       cfg.Window,
		stallTimeout: cfg.StallTimeout(),
		ioTimeout:    transport.DefaultIOTimeout,
		provider:     provider,
		injector:     injector,
		reg:          newRegistry(),
	}

	if cfg.SDPath != "" {
		s.sdw, err = sd.NewWriter(cfg.SDPath)
		if err != nil {
			return nil, err
		}
	}
	if cfg.LedgerPath != "" {
		s.ledger, err = OpenLedger(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Serve listens for transfers until ctx is canceled. It returns after
// the listener is closed and every connection handler has finished.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listenAddr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"addr":     listener.Addr().String(),
	}).Info("Transfer listener started")

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	s.wg.Add(1)
	go s.sweep(sweepCtx)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err,
			}).Warn("Accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound listener address, or "" before Serve starts.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Sessions returns admin-facing snapshots of every known session.
func (s *Server) Sessions() []SessionInfo {
	return s.reg.snapshot()
}

// Session returns the snapshot of one session by id string.
func (s *Server) Session(id string) (SessionInfo, error) {
	parsed, err := parseSessionID(id)
	if err != nil {
		return SessionInfo{}, err
	}
	sess, err := s.reg.get(parsed)
	if err != nil {
		return SessionInfo{}, err
	}
	return sess.info(), nil
}

// Close releases the SD writer and ledger. Call after Serve returns.
func (s *Server) Close() error {
	var firstErr error
	if s.sdw != nil {
		if err := s.sdw.Close(); err != nil {
			firstErr = err
		}
	}
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleConn reads frames off one connection until it closes. Results
// are written back on the same connection the triggering frame arrived
// on.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logrus.WithFields(logrus.Fields{
		"function": "handleConn",
		"remote":   remote,
	}).Debug("Connection accepted")

	for {
		ptype, payload, err := transport.ReadFrame(conn, s.ioTimeout)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"function": "handleConn",
					"remote":   remote,
					"error":    err,
				}).Debug("Connection closed")
			}
			return
		}

		result, err := s.dispatch(ptype, payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleConn",
				"remote":   remote,
				"error":    err,
			}).Warn("Dropping connection after protocol error")
			return
		}
		if result != nil {
			s.writeResult(conn, result)
		}
	}
}

// dispatch routes one frame. A non-nil Result is sent back to the
// client; a non-nil error tears the connection down.
func (s *Server) dispatch(ptype transport.PacketType, payload []byte) (*transport.Result, error) {
	switch ptype {
	case transport.PacketManifest:
		manifest, err := transport.ParseManifest(payload)
		if err != nil {
			return nil, err
		}
		return nil, s.handleManifest(manifest)

	case transport.PacketChunk:
		frame, err := transport.ParseChunkFrame(payload)
		if err != nil {
			return nil, err
		}
		sess, err := s.reg.get(frame.SessionID)
		if err != nil {
			return &transport.Result{
				SessionID: frame.SessionID,
				Status:    transport.StatusError,
				Message:   err.Error(),
			}, nil
		}
		return s.processChunk(sess, frame), nil

	case transport.PacketComplete:
		complete, err := transport.ParseComplete(payload)
		if err != nil {
			return nil, err
		}
		sess, err := s.reg.get(complete.SessionID)
		if err != nil {
			return &transport.Result{
				SessionID: complete.SessionID,
				Status:    transport.StatusError,
				Message:   err.Error(),
			}, nil
		}
		return s.handleComplete(sess), nil

	default:
		return nil, fmt.Errorf("%w: unexpected packet type %d", transport.ErrMalformedFrame, ptype)
	}
}

// handleManifest opens a new session: temp output file, reassembler,
// root span, and SD collector. A manifest for an already known session
// is ignored so a reconnecting sender can replay its preamble.
func (s *Server) handleManifest(m *transport.Manifest) error {
	if _, err := s.reg.get(m.SessionID); err == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleManifest",
			"session_id": m.SessionID,
		}).Debug("Ignoring duplicate manifest")
		return nil
	}

	name := filepath.Base(m.FileName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return fmt.Errorf("%w: unusable file name %q", transport.ErrMalformedFrame, m.FileName)
	}

	tmp, err := os.CreateTemp(s.outputDir, ".upload-*")
	if err != nil {
		return fmt.Errorf("creating session temp file: %w", err)
	}

	ctx, span := s.provider.Tracer().Start(context.Background(),
		telemetry.SpanServerHandleUpload,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			telemetry.AttrSessionID.String(m.SessionID.String()),
			telemetry.AttrFileName.String(name),
			telemetry.AttrFileOriginalSize.Int64(int64(m.FileSize)),
			telemetry.AttrChunkCount.Int64(int64(m.ChunkCount)),
			telemetry.AttrBugEnabled.Bool(s.injector.Enabled()),
			telemetry.AttrBugStage.String(s.injector.Stage()),
		),
	)
	telemetry.AddEvent(ctx, telemetry.EventUploadStarted)

	sess := &session{
		id:        m.SessionID,
		manifest:  m,
		tmp:       tmp,
		tmpPath:   tmp.Name(),
		finalPath: filepath.Join(s.outputDir, name),
		started:   time.Now(),
		ctx:       ctx,
		span:      span,
	}
	sess.reasm = pipeline.NewReassembler(m, tmp,
		pipeline.WithWindow(s.window),
		pipeline.WithStallTimeout(s.stallTimeout),
	)

	var observer telemetry.StageObserver
	if s.sdw != nil {
		sess.collector = sd.NewCollector(m.SessionID.String(), s.injector.Enabled())
		observer = sess.collector
	}
	sess.emitter = telemetry.NewEmitter(s.provider.Tracer(), observer)

	if err := s.reg.put(sess); err != nil {
		span.End()
		tmp.Close()
		os.Remove(sess.tmpPath)
		return nil // lost the race to a concurrent duplicate; theirs wins
	}

	logrus.WithFields(logrus.Fields{
		"function":    "handleManifest",
		"session_id":  m.SessionID,
		"file_name":   name,
		"file_size":   m.FileSize,
		"chunk_count": m.ChunkCount,
	}).Info("Session opened")
	return nil
}

// processChunk runs one chunk through receive, decrypt, decompress and
// reassemble. It returns a Result only when the chunk drove the session
// to a terminal verdict.
func (s *Server) processChunk(sess *session, frame *transport.ChunkFrame) *transport.Result {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	// Late duplicates of a finished session are discarded; the stored
	// verdict goes out again on the completion marker, not per chunk.
	if sess.terminal() {
		return nil
	}

	rctx, end := sess.emitter.StartStage(sess.ctx, telemetry.StageReceive)
	if s.injector.Delay(telemetry.StageReceive) {
		telemetry.AddEvent(rctx, telemetry.EventBugTriggered)
	}
	payload, corrupted := s.injector.Corrupt(telemetry.StageReceive, frame.Payload)
	if corrupted {
		telemetry.AddEvent(rctx, telemetry.EventBugTriggered)
	}
	end(nil, len(payload), telemetry.AttrChunkIndex.Int64(int64(frame.Index)))

	// The nonce is derived from session id and index on both sides, so
	// a frame cannot smuggle in a different one.
	nonce := crypto.DeriveNonce(sess.id, frame.Index)

	dctx, end := sess.emitter.StartStage(sess.ctx, telemetry.StageDecrypt)
	if s.injector.Delay(telemetry.StageDecrypt) {
		telemetry.AddEvent(dctx, telemetry.EventBugTriggered)
	}
	plain, err := crypto.Open(s.key, nonce, payload)
	end(err, len(payload), telemetry.AttrChunkIndex.Int64(int64(frame.Index)))
	if err != nil {
		return s.finishLocked(sess, fmt.Errorf("chunk %d: %w", frame.Index, err))
	}

	zctx, end := sess.emitter.StartStage(sess.ctx, telemetry.StageDecompress)
	if s.injector.Delay(telemetry.StageDecompress) {
		telemetry.AddEvent(zctx, telemetry.EventBugTriggered)
	}
	telemetry.AddEvent(zctx, telemetry.EventDecompressionStarted)
	raw, err := compress.Decompress(plain, frame.Stored)
	if err == nil {
		telemetry.AddEvent(zctx, telemetry.EventDecompressionFinished)
	}
	end(err, len(raw))
	if err != nil {
		return s.finishLocked(sess, fmt.Errorf("chunk %d: %w", frame.Index, err))
	}

	actx, end := sess.emitter.StartStage(sess.ctx, telemetry.StageReassemble)
	if s.injector.Delay(telemetry.StageReassemble) {
		telemetry.AddEvent(actx, telemetry.EventBugTriggered)
	}
	accepted, err := sess.reasm.Add(frame.Index, raw, frame.Checksum)
	end(err, len(raw), telemetry.AttrChunkIndex.Int64(int64(frame.Index)))
	if err != nil {
		return s.finishLocked(sess, fmt.Errorf("chunk %d: %w", frame.Index, err))
	}
	if accepted {
		telemetry.AddEvent(actx, telemetry.EventChunkVerified,
			telemetry.AttrChunkIndex.Int64(int64(frame.Index)))
	}
	return nil
}

// handleComplete reacts to the sender's end-of-stream marker and always
// produces the session's terminal Result. Repeated completion markers
// return the stored verdict unchanged.
func (s *Server) handleComplete(sess *session) *transport.Result {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.terminal() {
		return sess.result
	}
	if err := sess.reasm.Finish(); err != nil {
		return s.finishLocked(sess, err)
	}
	return s.succeedLocked(sess)
}

// succeedLocked promotes a verified session: the temp file becomes the
// final output, metrics and SD rows are recorded, and the ledger entry
// is written. Callers hold the session mutex.
func (s *Server) succeedLocked(sess *session) *transport.Result {
	if err := sess.tmp.Close(); err != nil {
		return s.finishLocked(sess, fmt.Errorf("closing output: %w", err))
	}
	if err := os.Rename(sess.tmpPath, sess.finalPath); err != nil {
		return s.finishLocked(sess, fmt.Errorf("moving output into place: %w", err))
	}

	latencyMs := float64(time.Since(sess.started).Microseconds()) / 1000.0
	bytes := sess.reasm.BytesWritten()

	telemetry.ServerFileWriteLatency.Observe(latencyMs)
	telemetry.ServerFilesProcessed.WithLabelValues("true").Inc()

	sess.span.SetAttributes(telemetry.AttrChecksumOK.Bool(true))
	telemetry.AddEvent(sess.ctx, telemetry.EventUploadFinished)
	sess.span.End()

	lastIdx, _ := sess.reasm.LastWrittenIndex()
	sess.result = &transport.Result{
		SessionID: sess.id,
		Status:    transport.StatusOK,
		LastIndex: lastIdx,
	}

	s.flushSD(sess, latencyMs, bytes)
	s.record(sess, transport.StatusOK)

	logrus.WithFields(logrus.Fields{
		"function":   "succeedLocked",
		"session_id": sess.id,
		"path":       sess.finalPath,
		"bytes":      bytes,
		"latency_ms": latencyMs,
	}).Info("Session completed")
	return sess.result
}

// finishLocked records a terminal failure: partial output is discarded
// and the verdict is stored for idempotent replies. Callers hold the
// session mutex.
func (s *Server) finishLocked(sess *session, failure error) *transport.Result {
	if sess.terminal() {
		return sess.result
	}

	sess.reasm.Abort(failure)
	sess.tmp.Close()
	os.Remove(sess.tmpPath)

	status := statusFor(failure)
	if status == transport.StatusChecksumMismatch {
		telemetry.AddEvent(sess.ctx, telemetry.EventChecksumMismatch)
	}
	sess.span.SetAttributes(telemetry.AttrChecksumOK.Bool(false))
	sess.span.RecordError(failure)
	sess.span.SetStatus(codes.Error, failure.Error())
	sess.span.End()

	telemetry.ServerFilesProcessed.WithLabelValues("false").Inc()

	lastIdx, _ := sess.reasm.LastWrittenIndex()
	sess.result = &transport.Result{
		SessionID: sess.id,
		Status:    status,
		LastIndex: lastIdx,
		Message:   failure.Error(),
	}

	latencyMs := float64(time.Since(sess.started).Microseconds()) / 1000.0
	s.flushSD(sess, latencyMs, sess.reasm.BytesWritten())
	s.record(sess, status)

	logrus.WithFields(logrus.Fields{
		"function":   "finishLocked",
		"session_id": sess.id,
		"status":     status.String(),
		"error":      failure,
	}).Warn("Session failed")
	return sess.result
}

// flushSD appends the session's per-stage and total SD rows.
func (s *Server) flushSD(sess *session, latencyMs float64, bytes uint64) {
	if s.sdw == nil || sess.collector == nil {
		return
	}
	var throughput float64
	if latencyMs > 0 {
		throughput = float64(bytes) / (latencyMs / 1000.0)
	}
	if err := s.sdw.Append(sess.collector.Records(latencyMs, throughput)...); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "flushSD",
			"session_id": sess.id,
			"error":      err,
		}).Error("Failed to append SD records")
	}
}

// record writes the session's ledger entry, if a ledger is configured.
func (s *Server) record(sess *session, status transport.SessionStatus) {
	if s.ledger == nil {
		return
	}
	entry := LedgerEntry{
		SessionID:   sess.id.String(),
		FileName:    sess.manifest.FileName,
		FileSize:    sess.manifest.FileSize,
		Checksum:    sess.manifest.FileChecksum.String(),
		Status:      status.String(),
		CompletedAt: time.Now().UTC(),
	}
	if err := s.ledger.Record(entry); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "record",
			"session_id": sess.id,
			"error":      err,
		}).Error("Failed to write ledger entry")
	}
}

// sweep periodically fails stalled sessions and evicts finished ones
// after the retention period.
func (s *Server) sweep(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, sess := range s.reg.all() {
			if err := sess.reasm.CheckTimeout(); err != nil {
				sess.mu.Lock()
				s.finishLocked(sess, err)
				sess.mu.Unlock()
			}

			sess.mu.Lock()
			evict := sess.terminal() && time.Since(sess.started) > terminalRetention
			sess.mu.Unlock()
			if evict {
				s.reg.remove(sess.id)
			}
		}
	}
}

func (s *Server) writeResult(conn net.Conn, result *transport.Result) {
	frame, err := result.Serialize()
	if err == nil {
		err = transport.WriteFrame(conn, frame, s.ioTimeout)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "writeResult",
			"session_id": result.SessionID,
			"error":      err,
		}).Warn("Failed to deliver result")
	}
}

// statusFor maps a terminal failure to its wire status.
func statusFor(err error) transport.SessionStatus {
	switch {
	case errors.Is(err, pipeline.ErrChecksumMismatch):
		return transport.StatusChecksumMismatch
	case errors.Is(err, crypto.ErrIntegrity),
		errors.Is(err, pipeline.ErrChunkChecksum),
		errors.Is(err, compress.ErrCorruptData):
		return transport.StatusIntegrityError
	case errors.Is(err, pipeline.ErrReassemblyTimeout):
		return transport.StatusTimeout
	default:
		return transport.StatusError
	}
}
