package filesync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tum-esm/edge-gateway/internal/jsonx"
	"github.com/tum-esm/edge-gateway/internal/metrics"
)

// ControllerStopper lets a content update bounce the controller; the
// watchdog brings it back up.
type ControllerStopper interface {
	Stop(ctx context.Context) error
}

// ParseDefinitions validates a FILES attribute object into a definition
// set. The payload is loosely typed; every field is checked here so the
// rest of the engine can trust its inputs.
func ParseDefinitions(raw map[string]any) (map[string]Definition, error) {
	defs := make(map[string]Definition, len(raw))
	for key, v := range raw {
		entry, ok := jsonx.Map(v)
		if !ok {
			return nil, fmt.Errorf("definition %q is not an object", key)
		}
		path, ok := jsonx.String(entry["path"])
		if !ok || path == "" {
			return nil, fmt.Errorf("definition %q is missing 'path'", key)
		}

		def := Definition{Path: path}

		if enc, present := entry["encoding"]; present && enc != nil {
			s, ok := jsonx.String(enc)
			if !ok {
				return nil, fmt.Errorf("definition %q has a non-string 'encoding'", key)
			}
			switch s {
			case EncodingText, EncodingJSON, EncodingBase64:
				def.Encoding = s
			default:
				return nil, fmt.Errorf("definition %q has unsupported encoding %q", key, s)
			}
		}

		if v, present := entry["create_if_not_exist"]; present && v != nil {
			b, ok := jsonx.Bool(v)
			if !ok {
				return nil, fmt.Errorf("definition %q: 'create_if_not_exist' must be a boolean", key)
			}
			def.CreateIfNotExist = &b
		}

		if v, present := entry["restart_controller_on_change"]; present && v != nil {
			b, ok := jsonx.Bool(v)
			if !ok {
				return nil, fmt.Errorf("definition %q: 'restart_controller_on_change' must be a boolean", key)
			}
			def.RestartControllerOnChange = b
		}

		if v, present := entry["write_version"]; present && v != nil {
			s, ok := jsonx.String(v)
			if !ok {
				return nil, fmt.Errorf("definition %q: 'write_version' must be a string", key)
			}
			def.WriteVersion = s
		}

		defs[key] = def
	}
	return defs, nil
}

// ParseRemoteHashes reads a FILE_HASHES attribute object into the mirror
// representation. Malformed entries are skipped.
func ParseRemoteHashes(raw map[string]any) map[string]RemoteHash {
	out := make(map[string]RemoteHash, len(raw))
	for key, v := range raw {
		entry, ok := jsonx.Map(v)
		if !ok {
			continue
		}
		rh := RemoteHash{}
		if s, ok := jsonx.String(entry["hash"]); ok {
			rh.Hash = s
		}
		if s, ok := jsonx.String(entry["write_version"]); ok {
			rh.WriteVersion = s
		}
		out[key] = rh
	}
	return out
}

// ContentKey extracts the file key from a FILE_CONTENT_<key> attribute name.
func ContentKey(attribute string) (string, bool) {
	if !strings.HasPrefix(attribute, fileContentPrefix) {
		return "", false
	}
	return strings.TrimPrefix(attribute, fileContentPrefix), true
}

// Reconcile diffs the backend's hash table against local disk state. For
// abandoned keys it publishes tombstones; for defined keys it publishes
// drifted content, requests write intent where hashes or write versions
// disagree, and finally mirrors the freshly computed hash set back to the
// backend. Idempotent: re-running without drift publishes the same hash set
// and requests nothing.
func (e *Engine) Reconcile(remote map[string]RemoteHash) {
	defs, have := e.Definitions()
	if !have {
		e.log.Error().Msg("file hashes received before any definition set")
		return
	}

	for key := range remote {
		if _, defined := defs[key]; !defined {
			e.log.Warn().Str("key", key).Msg("file no longer defined, publishing tombstone")
			e.PublishFileRead(key, "")
		}
	}

	newHashes := make(map[string]RemoteHash, len(defs))
	for key, def := range defs {
		path := e.ExpandPath(def.Path)
		if path == "" {
			e.log.Warn().Str("key", key).Msg("definition has no path, skipping")
			continue
		}
		encoding := def.Encoding
		if encoding == "" {
			encoding = EncodingText
		}

		currentHash := e.CalcHash(path)
		newHashes[key] = RemoteHash{Hash: currentHash, WriteVersion: def.WriteVersion}
		remoteHash := remote[key]

		if fi, err := os.Stat(path); err != nil || fi.IsDir() {
			if def.CreateIfMissing() {
				e.log.Info().Str("key", key).Str("path", path).Msg("file missing, requesting content")
				e.requestContent(key)
			}
			if currentHash != remoteHash.Hash {
				e.PublishFileRead(key, HashNoFile)
			}
			continue
		}

		if currentHash != remoteHash.Hash {
			e.log.Info().Str("key", key).Str("path", path).Msg("file changed on disk, publishing content")
			content, ok := e.Read(path, encoding)
			if !ok || content == "" {
				content = "E_EMPTYFILE"
			}
			e.PublishFileRead(key, content)
			e.requestContent(key)
		} else if def.WriteVersion != "" && def.WriteVersion != remoteHash.WriteVersion {
			e.log.Info().Str("key", key).Msg("write version changed, requesting content")
			e.requestContent(key)
		}
	}

	e.publishHashes(newHashes)
	e.SetRemoteHashes(newHashes)
	metrics.FileReconciliations.Inc()
}

// ApplyContent decodes an incoming FILE_CONTENT_<key> value, writes it to
// disk, refreshes the hash mirror, and mirrors the content back. Changed
// content may stop the controller; the watchdog restarts it.
func (e *Engine) ApplyContent(ctx context.Context, key string, value any, stopper ControllerStopper) {
	defs, have := e.Definitions()
	if !have {
		e.log.Error().Str("key", key).Msg("file content received before any definition set")
		return
	}
	def, ok := defs[key]
	if !ok {
		e.log.Error().Str("key", key).Msg("file content received for unknown key")
		return
	}
	path := e.ExpandPath(def.Path)

	content, err := decodeContent(value, def.Encoding)
	if err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("invalid file content update")
		return
	}

	if _, statErr := os.Stat(path); statErr != nil {
		if !def.CreateIfMissing() {
			e.log.Error().Str("key", key).Str("path", path).Msg("file missing and create_if_not_exist is false")
			return
		}
		e.log.Info().Str("key", key).Str("path", path).Msg("file missing, creating")
	}

	if err := e.WriteFile(path, content); err != nil {
		e.log.Error().Err(err).Str("key", key).Str("path", path).Msg("failed to write file content")
		return
	}

	previous := e.RemoteHashes()[key].Hash
	newHash := e.CalcHash(path)

	hashes := e.RemoteHashes()
	hashes[key] = RemoteHash{Hash: newHash, WriteVersion: def.WriteVersion}
	e.SetRemoteHashes(hashes)
	e.publishHashes(hashes)

	if newHash != previous {
		if mirrored, ok := e.Read(path, def.Encoding); ok {
			e.PublishFileRead(key, mirrored)
		}
		if def.RestartControllerOnChange && stopper != nil {
			e.log.Info().Str("key", key).Msg("content changed, stopping controller for restart")
			if err := stopper.Stop(ctx); err != nil {
				e.log.Warn().Err(err).Msg("controller stop failed")
			}
		}
	}

	// Re-verify the definition set after a write.
	e.pub.RequestSharedAttributes("FILES")
}

// decodeContent maps a wire value to file bytes according to the declared
// encoding: objects and arrays are JSON-encoded, base64 strings decoded,
// other strings land as UTF-8. Any other value type is rejected.
func decodeContent(value any, encoding string) ([]byte, error) {
	switch v := value.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode JSON content: %w", err)
		}
		return raw, nil
	case string:
		if encoding == EncodingBase64 {
			raw, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("decode base64 content: %w", err)
			}
			return raw, nil
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported content type %T", value)
	}
}

func marshalAttr(key, value string) string {
	raw, _ := json.Marshal(map[string]string{key: value})
	return string(raw)
}

func marshalAttrAny(key string, value any) string {
	raw, _ := json.Marshal(map[string]any{key: value})
	return string(raw)
}
