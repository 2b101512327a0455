package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// NewConsoleLogger writes human readable output, for CLIs attached to a terminal.
func NewConsoleLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return NewLogger(service, version, zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05.000"})
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// SetLevel filters events below level ("debug", "info", "warn", "error").
// Unknown levels leave the logger unchanged.
func (l *Logger) SetLevel(level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return l
	}
	return &Logger{logger: l.logger.Level(lvl)}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithComponent tags every event with the emitting component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", component).Logger(),
	}
}

// WithNode tags events with the node id used in traces.
func (l *Logger) WithNode(node string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("node", node).Logger(),
	}
}

// WithObject adds the object name being fetched or served.
func (l *Logger) WithObject(name string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("object", name).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// FetchStarted logs the start of an object fetch.
func (l *Logger) FetchStarted(object, pacing string) {
	l.logger.Info().
		Str("object", object).
		Str("pacing", pacing).
		Msg("fetch started")
}

// ManifestReceived logs the object geometry announced by the producer.
func (l *Logger) ManifestReceived(object string, size int64, chunks int, maxPayload uint32) {
	l.logger.Debug().
		Str("object", object).
		Int64("size", size).
		Int("chunks", chunks).
		Uint32("max_payload", maxPayload).
		Msg("manifest received")
}

// ChunkTimedOut logs a request that went unanswered.
func (l *Logger) ChunkTimedOut(object string, seq int, rto time.Duration) {
	l.logger.Debug().
		Str("object", object).
		Int("seq", seq).
		Dur("rto", rto).
		Msg("request timed out")
}

// TransportStats logs the periodic per-session counters.
func (l *Logger) TransportStats(object string, sent, received, timeouts, retransmitted uint64, rtt, dev time.Duration) {
	l.logger.Debug().
		Str("object", object).
		Uint64("sent", sent).
		Uint64("received", received).
		Uint64("timeouts", timeouts).
		Uint64("retransmitted", retransmitted).
		Dur("rtt_estimate", rtt).
		Dur("rtt_deviation", dev).
		Msg("transport stats")
}

// FetchCompleted logs the end of a fetch.
func (l *Logger) FetchCompleted(object, status string, size int64, bitrate float64, elapsed time.Duration) {
	l.logger.Info().
		Str("object", object).
		Str("status", status).
		Int64("size", size).
		Float64("bitrate_bps", bitrate).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("fetch completed")
}

// FetchAborted logs a fetch stopped before completion.
func (l *Logger) FetchAborted(object string, received, total int, missing string) {
	l.logger.Info().
		Str("object", object).
		Int("chunks_received", received).
		Int("chunks_total", total).
		Str("missing", missing).
		Msg("fetch aborted")
}

// SegmentDecision logs an adaptation decision.
func (l *Logger) SegmentDecision(decision string, segment int, representation string, lastBitrate float64) {
	l.logger.Debug().
		Str("decision", decision).
		Int("segment", segment).
		Str("representation", representation).
		Float64("last_bitrate_bps", lastBitrate).
		Msg("adaptation decision")
}

// SegmentPlayed logs one consumed segment.
func (l *Logger) SegmentPlayed(segment int, representation string, experiencedBitrate float64, stall time.Duration, bufferLevel float64) {
	l.logger.Info().
		Int("segment", segment).
		Str("representation", representation).
		Float64("experienced_bitrate_bps", experiencedBitrate).
		Int64("stall_ms", stall.Milliseconds()).
		Float64("buffer_level_seconds", bufferLevel).
		Msg("segment played")
}

// SegmentRejected logs a downloaded segment the buffer refused.
func (l *Logger) SegmentRejected(segment int, representation string, err error) {
	l.logger.Warn().
		Int("segment", segment).
		Str("representation", representation).
		Err(err).
		Msg("segment rejected by buffer")
}

// SegmentSkipped logs a segment playback gave up on.
func (l *Logger) SegmentSkipped(segment int) {
	l.logger.Warn().
		Int("segment", segment).
		Msg("segment unavailable, skipped")
}

// StreamFailed logs a fatal stream error.
func (l *Logger) StreamFailed(stream string, err error) {
	l.logger.Error().
		Str("stream", stream).
		Err(err).
		Msg("stream failed")
}

// InterestServed logs a producer answer.
func (l *Logger) InterestServed(name string, kind string, size int) {
	l.logger.Debug().
		Str("name", name).
		Str("kind", kind).
		Int("size", size).
		Msg("interest served")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, connectionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("QUIC connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("QUIC connection failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
