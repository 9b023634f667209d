// Package rpc executes the fixed registry of remotely invoked operations.
// Every request gets a response on its own topic suffix; errors never cross
// into the forwarding loop.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tum-esm/edge-gateway/internal/filesync"
	"github.com/tum-esm/edge-gateway/internal/jsonx"
	"github.com/tum-esm/edge-gateway/internal/metrics"
	"github.com/tum-esm/edge-gateway/internal/store"
)

// Sanity bounds for archive time ranges (2025-01-01 .. 2050-01-01, ms).
const (
	archiveRangeMinMS = 1735719469000
	archiveRangeMaxMS = 2524637869000
)

const archiveBatchSize = 200

// Publisher is the backend-facing capability of the handler set.
type Publisher interface {
	PublishRPCResponse(requestID string, message any) bool
	PublishTelemetry(payload string) bool
	PublishAttributes(payload string) bool
	RequestSharedAttributes(keys string) bool
}

// Controller is the container capability of the handler set.
type Controller interface {
	Stop(ctx context.Context) error
}

type Options struct {
	Pub        Publisher
	Controller Controller
	Files      *filesync.Engine
	Archive    *store.DB

	// RequestExit raises SIGTERM in-process; overridable in tests.
	RequestExit func()
	// ResetWatchdog clears the restart backoff so the next loop iteration
	// relaunches the controller immediately.
	ResetWatchdog func()
	// HostCommand runs a host OS command (reboot, shutdown); overridable in
	// tests.
	HostCommand func(name string, args ...string) error

	Log zerolog.Logger
}

type method struct {
	description string
	exec        func(ctx context.Context, requestID string, params any)
}

type Registry struct {
	pub        Publisher
	controller Controller
	files      *filesync.Engine
	archive    *store.DB

	requestExit   func()
	resetWatchdog func()
	hostCommand   func(name string, args ...string) error

	methods map[string]method
	log     zerolog.Logger
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		pub:           opts.Pub,
		controller:    opts.Controller,
		files:         opts.Files,
		archive:       opts.Archive,
		requestExit:   opts.RequestExit,
		resetWatchdog: opts.ResetWatchdog,
		hostCommand:   opts.HostCommand,
		log:           opts.Log,
	}
	if r.requestExit == nil {
		r.requestExit = func() { _ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM) }
	}
	if r.resetWatchdog == nil {
		r.resetWatchdog = func() {}
	}
	if r.hostCommand == nil {
		r.hostCommand = func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		}
	}

	r.methods = map[string]method{
		"reboot": {
			description: "Reboot the device",
			exec:        r.rpcReboot,
		},
		"shutdown": {
			description: "Shutdown the device",
			exec:        r.rpcShutdown,
		},
		"exit": {
			description: "Exits the gateway process (triggers gateway restart)",
			exec:        r.rpcExit,
		},
		"ping": {
			description: "Ping the device (returns 'Pong' reply)",
			exec:        r.rpcPing,
		},
		"init_files": {
			description: "Initialize file-related client attributes (FILE_HASHES, FILE_READ_*)",
			exec:        r.rpcInitFiles,
		},
		"restart_controller": {
			description: "Restart the controller docker container",
			exec:        r.rpcRestartController,
		},
		"run_command": {
			description: "Run arbitrary command ({command: list [str], timeout_s: int [default 30s]}) - use with caution!",
			exec:        r.rpcRunCommand,
		},
		"archive_republish_messages": {
			description: "Republish messages from archive ({start_timestamp_ms: int, end_timestamp_ms: int})",
			exec:        r.rpcArchiveRepublish,
		},
		"archive_discard_messages": {
			description: "Discard messages from archive ({start_timestamp_ms: int, end_timestamp_ms: int})",
			exec:        r.rpcArchiveDiscard,
		},
	}
	return r
}

// Handle dispatches one RPC request. Unknown methods get an error reply
// pointing at 'list'.
func (r *Registry) Handle(ctx context.Context, requestID, methodName string, params any) {
	r.log.Info().Str("request_id", requestID).Str("method", methodName).Msg("rpc request")
	metrics.RPCRequests.WithLabelValues(methodName).Inc()

	if m, ok := r.methods[methodName]; ok {
		m.exec(ctx, requestID, params)
		return
	}
	if methodName == "list" {
		r.rpcList(requestID)
		return
	}
	r.log.Error().Str("method", methodName).Msg("unknown rpc method")
	r.respond(requestID, fmt.Sprintf("Unknown RPC method: '%s' - use command 'list' to get a list of available methods", methodName))
}

func (r *Registry) respond(requestID string, message any) {
	r.pub.PublishRPCResponse(requestID, message)
}

func (r *Registry) respondError(requestID, msg string) {
	r.log.Error().Str("request_id", requestID).Msg(msg)
	r.respond(requestID, "Error - "+msg)
}

func (r *Registry) rpcPing(_ context.Context, requestID string, _ any) {
	r.respond(requestID, "Pong")
}

func (r *Registry) rpcReboot(_ context.Context, requestID string, _ any) {
	r.log.Info().Msg("rebooting on rpc request")
	r.respond(requestID, "OK - Rebooting")
	time.Sleep(3 * time.Second)
	if err := r.hostCommand("reboot"); err != nil {
		r.log.Error().Err(err).Msg("reboot command failed")
	}
}

func (r *Registry) rpcShutdown(_ context.Context, requestID string, _ any) {
	r.log.Info().Msg("shutting down on rpc request")
	r.respond(requestID, "OK - Shutting down")
	time.Sleep(3 * time.Second)
	if err := r.hostCommand("shutdown", "now"); err != nil {
		r.log.Error().Err(err).Msg("shutdown command failed")
	}
}

func (r *Registry) rpcExit(_ context.Context, requestID string, _ any) {
	r.log.Info().Msg("exiting on rpc request")
	r.respond(requestID, "OK - Exiting")
	time.Sleep(3 * time.Second)
	r.requestExit()
}

func (r *Registry) rpcRestartController(ctx context.Context, requestID string, _ any) {
	r.log.Info().Msg("restarting controller on rpc request")
	r.respond(requestID, "OK - Restarting Controller")
	time.Sleep(3 * time.Second)
	if err := r.controller.Stop(ctx); err != nil {
		r.log.Warn().Err(err).Msg("controller stop failed")
	}
	r.resetWatchdog()
}

func (r *Registry) rpcInitFiles(_ context.Context, requestID string, _ any) {
	r.log.Info().Msg("initializing file attributes on rpc request")
	payload, _ := json.Marshal(map[string]any{filesync.FileHashesKey: map[string]any{}})
	r.pub.PublishAttributes(string(payload))
	r.files.SetRemoteHashes(map[string]filesync.RemoteHash{})
	r.pub.RequestSharedAttributes("FILES")
	r.respond(requestID, "Files client attributes initialized")
}

func (r *Registry) rpcList(requestID string) {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{"Available RPC methods:"}
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s: %s", name, r.methods[name].description))
	}
	r.respond(requestID, lines)
}

// parseArchiveRange validates the shared params shape of the archive RPCs.
func parseArchiveRange(params any) (int64, int64, string) {
	p, ok := jsonx.Map(params)
	if !ok {
		return 0, 0, "params is not a dictionary"
	}
	start, ok := jsonx.Int(p["start_timestamp_ms"])
	if !ok {
		return 0, 0, "'start_timestamp_ms' and 'end_timestamp_ms' must be integers"
	}
	end, ok := jsonx.Int(p["end_timestamp_ms"])
	if !ok {
		return 0, 0, "'start_timestamp_ms' and 'end_timestamp_ms' must be integers"
	}
	if start >= end {
		return 0, 0, "'start_timestamp_ms' must be less than 'end_timestamp_ms'"
	}
	if start <= archiveRangeMinMS || end >= archiveRangeMaxMS {
		return 0, 0, fmt.Sprintf("'start_timestamp_ms' and 'end_timestamp_ms' must be within the range of %d and %d", archiveRangeMinMS, archiveRangeMaxMS)
	}
	return start, end, ""
}

func (r *Registry) rpcArchiveRepublish(_ context.Context, requestID string, params any) {
	start, end, problem := parseArchiveRange(params)
	if problem != "" {
		r.respondError(requestID, "Republishing archived messages failed: "+problem)
		return
	}

	r.log.Info().Int64("start", start).Int64("end", end).Msg("republishing archived messages")
	count := 0
	// Keyset cursor (timestamp, id): rows sharing a timestamp across a
	// batch boundary are picked up by the id tiebreak.
	lastTS, lastID := start, int64(0)
	for {
		rows, err := r.archive.ArchiveRangeAfter(start, end, lastTS, lastID, archiveBatchSize)
		if err != nil {
			r.respondError(requestID, "Republishing archived messages failed: archive database unavailable")
			return
		}
		for _, row := range rows {
			lastTS, lastID = row.TimestampMS, row.ID
			payload, err := telemetryEnvelope(row)
			if err != nil {
				r.log.Warn().Err(err).Int64("id", row.ID).Msg("skipping unparseable archive row")
				continue
			}
			r.pub.PublishTelemetry(payload)
			count++
		}
		if len(rows) < archiveBatchSize {
			break
		}
	}
	r.respond(requestID, fmt.Sprintf("OK - %d messages republished - %d -> %d", count, start, end))
}

func telemetryEnvelope(row store.ArchiveRow) (string, error) {
	var values any
	if err := json.Unmarshal([]byte(row.Message), &values); err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{"ts": row.TimestampMS, "values": values})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (r *Registry) rpcArchiveDiscard(_ context.Context, requestID string, params any) {
	start, end, problem := parseArchiveRange(params)
	if problem != "" {
		r.respondError(requestID, "Discarding archived messages failed: "+problem)
		return
	}

	r.log.Info().Int64("start", start).Int64("end", end).Msg("discarding archived messages")
	n, err := r.archive.ArchiveDiscard(start, end)
	if err != nil {
		r.respondError(requestID, "Discarding archived messages failed: archive database unavailable")
		return
	}
	r.respond(requestID, fmt.Sprintf("OK - %d messages discarded - %d -> %d", n, start, end))
}
