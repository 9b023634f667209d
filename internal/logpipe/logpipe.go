// Package logpipe forwards gateway logs to the telemetry backend. Every
// record goes to the local logger unconditionally; records at or above the
// configured threshold are additionally published as telemetry, falling back
// to the log-buffer database when the broker is unreachable so nothing is
// lost across outages.
package logpipe

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tum-esm/edge-gateway/internal/metrics"
	"github.com/tum-esm/edge-gateway/internal/store"
)

// Publisher is the MQTT capability the pipeline needs.
type Publisher interface {
	PublishLog(level, message string, timestampMS int64) bool
}

const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

type Pipeline struct {
	// log must not carry the pipeline's own hook, or internal errors would
	// recurse back into the forwarding path.
	log       zerolog.Logger
	threshold int

	mu        sync.Mutex
	publisher Publisher
	buffer    *store.DB

	forwarding atomic.Bool
}

// New builds a pipeline with the given forwarding threshold (one of the
// level constants; unknown values fall back to INFO). The publisher may be
// nil until the MQTT session is up; records produced in that window are
// buffered.
func New(log zerolog.Logger, threshold string, buffer *store.DB) *Pipeline {
	rank, ok := levelRank[threshold]
	if !ok {
		rank = levelRank[LevelInfo]
	}
	return &Pipeline{log: log, threshold: rank, buffer: buffer}
}

// SetPublisher wires the MQTT session once it exists.
func (p *Pipeline) SetPublisher(pub Publisher) {
	p.mu.Lock()
	p.publisher = pub
	p.mu.Unlock()
}

func (p *Pipeline) Debug(message string) { p.Log(LevelDebug, message) }
func (p *Pipeline) Info(message string)  { p.Log(LevelInfo, message) }
func (p *Pipeline) Warn(message string)  { p.Log(LevelWarn, message) }
func (p *Pipeline) Error(message string) { p.Log(LevelError, message) }

// Log writes the record locally and forwards it when the level is at or
// above the threshold.
func (p *Pipeline) Log(level, message string) {
	p.logLocal(level, message)
	p.Forward(level, message)
}

// Forward publishes one record to the backend, buffering it when the
// publish fails or no session exists yet. The 1 ms sleep keeps millisecond
// timestamps unique across bursts, which the backend uses as dedup keys.
//
// Only one caller publishes at a time. A Forward that arrives while a
// publish is in flight goes straight to the buffer instead: a reentrant
// call (a publish failure logging a warning that forwards again) cannot
// recurse because the buffer path never publishes, and an unrelated
// concurrent caller still loses nothing — the forwarding loop drains the
// buffer once the broker is reachable.
func (p *Pipeline) Forward(level, message string) {
	rank, ok := levelRank[level]
	if !ok || rank < p.threshold {
		return
	}

	timestampMS := time.Now().UnixMilli()

	if p.forwarding.CompareAndSwap(false, true) {
		defer p.forwarding.Store(false)

		p.mu.Lock()
		pub := p.publisher
		p.mu.Unlock()

		if pub != nil && pub.PublishLog(level, message, timestampMS) {
			time.Sleep(time.Millisecond)
			return
		}
	}

	p.bufferRecord(level, message, timestampMS)
	time.Sleep(time.Millisecond)
}

func (p *Pipeline) bufferRecord(level, message string, timestampMS int64) {
	if p.buffer == nil {
		return
	}
	if err := p.buffer.BufferLog(level, message, timestampMS); err != nil {
		p.log.Error().Err(err).Msg("failed to buffer unpublished log record")
		return
	}
	metrics.LogsBuffered.Inc()
}

// Hook adapts the pipeline to a zerolog hook so every component logger
// feeds the backend without explicit wiring.
func (p *Pipeline) Hook() zerolog.Hook {
	return forwardHook{p: p}
}

type forwardHook struct {
	p *Pipeline
}

func (h forwardHook) Run(_ *zerolog.Event, level zerolog.Level, message string) {
	if message == "" {
		return
	}
	name, ok := levelName(level)
	if !ok {
		return
	}
	h.p.Forward(name, message)
}

func levelName(level zerolog.Level) (string, bool) {
	switch level {
	case zerolog.DebugLevel:
		return LevelDebug, true
	case zerolog.InfoLevel:
		return LevelInfo, true
	case zerolog.WarnLevel:
		return LevelWarn, true
	case zerolog.ErrorLevel, zerolog.FatalLevel:
		return LevelError, true
	}
	return "", false
}

func (p *Pipeline) logLocal(level, message string) {
	switch level {
	case LevelDebug:
		p.log.Debug().Msg(message)
	case LevelWarn:
		p.log.Warn().Msg(message)
	case LevelError:
		p.log.Error().Msg(message)
	default:
		p.log.Info().Msg(message)
	}
}
