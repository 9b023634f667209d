package router

import (
	"bytes"
	"context"
	"encoding/json"
	"os"

	"github.com/tum-esm/edge-gateway/internal/filesync"
	"github.com/tum-esm/edge-gateway/internal/jsonx"
)

// handleControllerConfig applies a controller_config shared attribute: when
// the incoming document differs from the one on disk, the controller is
// stopped, the new config written, and the watchdog brings the controller
// back up against it.
func (r *Router) handleControllerConfig(ctx context.Context, payload any) bool {
	cfg := jsonx.Get(payload, "controller_config")
	if cfg == nil {
		cfg = jsonx.Get(payload, "shared", "controller_config")
	}
	if cfg == nil {
		return false
	}

	r.log.Info().Msg("controller config received")
	incoming, err := json.Marshal(cfg)
	if err != nil {
		r.log.Error().Err(err).Msg("controller config not serializable")
		return true
	}

	existing := []byte("{}")
	if raw, err := os.ReadFile(r.configPath); err == nil {
		// Normalize before comparing; the file may carry formatting.
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			existing, _ = json.Marshal(parsed)
		} else {
			r.log.Error().Err(err).Msg("existing config file is not valid JSON")
		}
	} else {
		r.log.Info().Str("path", r.configPath).Msg("no existing config file")
	}

	if bytes.Equal(existing, incoming) {
		r.log.Info().Msg("controller config is up to date")
		return true
	}

	r.log.Info().Msg("controller config outdated, stopping controller and updating")
	if err := r.containers.Stop(ctx); err != nil {
		r.log.Warn().Err(err).Msg("controller stop failed")
	}

	pretty, _ := json.MarshalIndent(cfg, "", "    ")
	if err := r.files.WriteFile(r.configPath, pretty); err != nil {
		r.log.Error().Err(err).Str("path", r.configPath).Msg("failed to write controller config")
		return true
	}
	r.log.Info().Msg("new controller config written, controller restarts on next loop iteration")
	return true
}

// handleOTA reacts to sw_title/sw_version shared attributes. The legacy
// sf_* spellings are still emitted by older backend rule chains.
func (r *Router) handleOTA(ctx context.Context, payload any) bool {
	version, ok := jsonx.FirstString(
		jsonx.Get(payload, "sw_version"),
		jsonx.Get(payload, "shared", "sw_version"),
		jsonx.Get(payload, "sf_version"),
		jsonx.Get(payload, "shared", "sf_version"),
	)
	if !ok {
		return false
	}
	title, _ := jsonx.FirstString(
		jsonx.Get(payload, "sw_title"),
		jsonx.Get(payload, "shared", "sw_title"),
		jsonx.Get(payload, "sf_title"),
		jsonx.Get(payload, "shared", "sf_title"),
	)

	if r.containers.IsRunning(ctx) {
		current, known := r.containers.RunningVersion(ctx)
		if known && current == version {
			r.log.Info().Str("version", current).Msg("software is up to date")
			r.containers.RecordLastLaunched(current)
			return true
		}
		r.log.Info().Str("title", title).Str("from", current).Str("to", version).Msg("software update available")
		r.containers.StartSafely(ctx, version)
		return true
	}

	r.log.Info().Str("title", title).Str("version", version).Msg("launching controller software")
	r.containers.StartSafely(ctx, version)
	return true
}

// handleFileDefinitions installs a FILES definition set and kicks off
// reconciliation by asking for the backend's hash table.
func (r *Router) handleFileDefinitions(payload any) bool {
	raw := jsonx.Get(payload, "shared", "FILES")
	if raw == nil {
		raw = jsonx.Get(payload, "FILES")
	}
	obj, ok := jsonx.Map(raw)
	if !ok {
		return false
	}

	r.log.Info().Int("count", len(obj)).Msg("file definitions received")
	defs, err := filesync.ParseDefinitions(obj)
	if err != nil {
		r.log.Error().Err(err).Msg("invalid file definition set")
		return false
	}
	r.files.SetDefinitions(defs)
	r.pub.RequestClientAttributes(filesync.FileHashesKey)
	return true
}

// handleFileHashes reconciles the backend's hash table against disk.
func (r *Router) handleFileHashes(payload any) bool {
	raw := jsonx.Get(payload, "client", filesync.FileHashesKey)
	if raw == nil {
		return false
	}
	obj, ok := jsonx.Map(raw)
	if !ok {
		r.log.Error().Msg("invalid file hashes update received")
		return false
	}

	r.log.Info().Int("count", len(obj)).Msg("file hashes received")
	r.files.Reconcile(filesync.ParseRemoteHashes(obj))
	return true
}

// handleFileContent applies an incoming FILE_CONTENT_<key> value.
func (r *Router) handleFileContent(ctx context.Context, payload any) bool {
	section := payload
	if shared, ok := jsonx.Map(jsonx.Get(payload, "shared")); ok {
		section = shared
	}
	obj, ok := jsonx.Map(section)
	if !ok {
		return false
	}

	for attr, value := range obj {
		key, ok := filesync.ContentKey(attr)
		if !ok {
			continue
		}
		r.log.Info().Str("key", key).Msg("file content received")
		r.files.ApplyContent(ctx, key, value, r.containers)
		return true
	}
	return false
}
