package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opd-ai/filewire/pipeline"
	"github.com/opd-ai/filewire/sd"
	"github.com/opd-ai/filewire/telemetry"
	"github.com/opd-ai/filewire/transport"
)

// ErrUnknownSession indicates a chunk or completion frame for a session
// the server has never seen a manifest for.
var ErrUnknownSession = errors.New("unknown session")

// ErrDuplicateSession indicates a manifest for a session id that is
// already in progress.
var ErrDuplicateSession = errors.New("session already exists")

// parseSessionID converts an admin-supplied id string to a session id.
func parseSessionID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: %q is not a session id", ErrUnknownSession, id)
	}
	return parsed, nil
}

// session is the server-side state of one transfer. Sessions are keyed
// globally by session id, not per connection, so a sender that re-dials
// after a transient failure resumes against the same state and its
// duplicate chunks are discarded idempotently.
type session struct {
	id       uuid.UUID
	manifest *transport.Manifest

	mu        sync.Mutex
	reasm     *pipeline.Reassembler
	tmp       *os.File
	tmpPath   string
	finalPath string
	started   time.Time
	ctx       context.Context
	span      trace.Span
	emitter   *telemetry.Emitter
	collector *sd.Collector
	result    *transport.Result
}

// terminal reports whether the session has reached its verdict.
// Callers hold the session mutex.
func (s *session) terminal() bool {
	return s.result != nil
}

// SessionInfo is the admin-facing snapshot of one session.
type SessionInfo struct {
	ID           string    `json:"id"`
	FileName     string    `json:"file_name"`
	FileSize     uint64    `json:"file_size"`
	ChunkCount   uint64    `json:"chunk_count"`
	BytesWritten uint64    `json:"bytes_written"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
}

// registry holds every session the server currently knows about.
type registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[uuid.UUID]*session)}
}

// put registers a new session. It fails if the id is already present.
func (r *registry) put(s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.id]; exists {
		return ErrDuplicateSession
	}
	r.sessions[s.id] = s
	return nil
}

// get looks a session up by id.
func (r *registry) get(id uuid.UUID) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// remove drops a session from the registry.
func (r *registry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// all returns every registered session.
func (r *registry) all() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// snapshot builds admin-facing session infos.
func (r *registry) snapshot() []SessionInfo {
	sessions := r.all()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	return infos
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := "in_progress"
	if s.result != nil {
		status = s.result.Status.String()
	}
	return SessionInfo{
		ID:           s.id.String(),
		FileName:     s.manifest.FileName,
		FileSize:     s.manifest.FileSize,
		ChunkCount:   s.manifest.ChunkCount,
		BytesWritten: s.reasm.BytesWritten(),
		Status:       status,
		StartedAt:    s.started,
	}
}
