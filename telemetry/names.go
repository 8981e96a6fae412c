package telemetry

import "go.opentelemetry.io/otel/attribute"

// Span names. These are protocol constants for the tracing dashboards;
// changing them breaks existing queries.
const (
	SpanClientSendFile     = "client_send_file"
	SpanServerHandleUpload = "server_handle_upload"
)

// Pipeline stage names, used as span names for per-chunk stage spans,
// as the stage label on duration metrics, and as the stage column in
// statistical-debugging records.
const (
	StageChunk      = "chunk"
	StageCompress   = "compress"
	StageEncrypt    = "encrypt"
	StageSend       = "send"
	StageReceive    = "receive"
	StageDecrypt    = "decrypt"
	StageDecompress = "decompress"
	StageReassemble = "reassemble"
)

// Stages lists every pipeline stage in data-flow order.
var Stages = []string{
	StageChunk,
	StageCompress,
	StageEncrypt,
	StageSend,
	StageReceive,
	StageDecrypt,
	StageDecompress,
	StageReassemble,
}

// Span attribute keys.
const (
	AttrFileName         = attribute.Key("file.name")
	AttrFileOriginalSize = attribute.Key("file.original_size")
	AttrFileCompressed   = attribute.Key("file.compressed_size")
	AttrCompressionRatio = attribute.Key("file.compression_ratio")
	AttrChunkCount       = attribute.Key("file.chunk_count")
	AttrChunkIndex       = attribute.Key("chunk.index")
	AttrSessionID        = attribute.Key("session.id")
	AttrChecksumOK       = attribute.Key("file.checksum_ok")
	AttrBugEnabled       = attribute.Key("predicate.bug_enabled")
	AttrBugStage         = attribute.Key("predicate.bug_stage")
)

// Span event names.
const (
	EventUploadStarted         = "upload_started"
	EventUploadFinished        = "upload_finished"
	EventDecompressionStarted  = "decompression_started"
	EventDecompressionFinished = "decompression_finished"
	EventChunkVerified         = "chunk_checksum_verified"
	EventChecksumMismatch      = "checksum_mismatch"
	EventRetryAttempted        = "retry_attempted"
	EventBugTriggered          = "bug_injection_triggered"
)
