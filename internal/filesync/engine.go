// Package filesync keeps named files on the gateway's filesystem in step
// with remote key/value attributes. The backend declares which files exist
// and how they are encoded (the definition set); hashes drive convergence in
// both directions; content updates land on disk and may trigger a
// controller restart.
package filesync

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// HashNoFile is published in place of a hash (and as content) for files
// that do not exist on disk.
const HashNoFile = "E_NOFILE"

// FileHashesKey is the client attribute mirroring local file state.
const FileHashesKey = "FILE_HASHES"

const (
	fileContentPrefix = "FILE_CONTENT_"
	fileReadPrefix    = "FILE_READ_"
)

// Supported content encodings.
const (
	EncodingText   = "text"
	EncodingJSON   = "json"
	EncodingBase64 = "base64"
)

// Publisher is the backend-facing capability the engine needs.
type Publisher interface {
	PublishAttributes(payload string) bool
	RequestSharedAttributes(keys string) bool
	RequestClientAttributes(keys string) bool
}

// Definition describes one managed file.
type Definition struct {
	Path     string
	Encoding string // "", text, json, base64

	// CreateIfNotExist nil means unset; the reconciler treats unset as true,
	// the content handler refuses to create only on an explicit false.
	CreateIfNotExist          *bool
	RestartControllerOnChange bool
	WriteVersion              string
}

// CreateIfMissing reports whether a missing file may be created.
func (d Definition) CreateIfMissing() bool {
	return d.CreateIfNotExist == nil || *d.CreateIfNotExist
}

// RemoteHash is the backend's recorded state for one file key.
type RemoteHash struct {
	Hash         string `json:"hash"`
	WriteVersion string `json:"write_version,omitempty"`
}

type Engine struct {
	pub                Publisher
	controllerDataPath string
	log                zerolog.Logger

	mu           sync.Mutex
	defs         map[string]Definition
	haveDefs     bool
	remoteHashes map[string]RemoteHash
	localHashes  map[string]string // path → last computed hash
}

func New(pub Publisher, controllerDataPath string, log zerolog.Logger) *Engine {
	return &Engine{
		pub:                pub,
		controllerDataPath: controllerDataPath,
		log:                log,
		remoteHashes:       make(map[string]RemoteHash),
		localHashes:        make(map[string]string),
	}
}

// ExpandPath substitutes the data-directory tokens a definition path may
// carry. The two legacy spellings are kept for deployed definition sets.
func (e *Engine) ExpandPath(path string) string {
	path = strings.ReplaceAll(path, "%DATA_PATH%", e.controllerDataPath)
	path = strings.ReplaceAll(path, "$DATA_PATH$", e.controllerDataPath)
	path = strings.ReplaceAll(path, "$DATA_PATH", e.controllerDataPath)
	return path
}

// SetDefinitions replaces the definition set.
func (e *Engine) SetDefinitions(defs map[string]Definition) {
	e.mu.Lock()
	e.defs = defs
	e.haveDefs = true
	e.mu.Unlock()
}

// Definitions returns the current definition set and whether one has been
// received yet.
func (e *Engine) Definitions() (map[string]Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Definition, len(e.defs))
	for k, v := range e.defs {
		out[k] = v
	}
	return out, e.haveDefs
}

// SetRemoteHashes replaces the mirror of the backend's hash table.
func (e *Engine) SetRemoteHashes(hashes map[string]RemoteHash) {
	e.mu.Lock()
	e.remoteHashes = hashes
	e.mu.Unlock()
}

// RemoteHashes returns a copy of the backend hash mirror.
func (e *Engine) RemoteHashes() map[string]RemoteHash {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]RemoteHash, len(e.remoteHashes))
	for k, v := range e.remoteHashes {
		out[k] = v
	}
	return out
}

// ReadRaw is the only disk-read primitive.
func (e *Engine) ReadRaw(path string) ([]byte, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Read returns the file content in its wire representation for the given
// encoding. Unknown encodings fall back to text with a warning.
func (e *Engine) Read(path, encoding string) (string, bool) {
	raw, ok := e.ReadRaw(path)
	if !ok {
		return "", false
	}
	switch encoding {
	case "", EncodingText, EncodingJSON:
		return string(raw), true
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(raw), true
	default:
		e.log.Warn().Str("encoding", encoding).Str("path", path).Msg("unknown file encoding, defaulting to text")
		return string(raw), true
	}
}

// CalcHash returns the MD5 hex digest of the file bytes, or the E_NOFILE
// sentinel for a missing file.
func (e *Engine) CalcHash(path string) string {
	raw, ok := e.ReadRaw(path)
	if !ok {
		return HashNoFile
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// DidFileChange recomputes the file hash and compares it to the cached
// value. The first observation primes the cache and reports no change.
func (e *Engine) DidFileChange(path string) bool {
	hash := e.CalcHash(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, seen := e.localHashes[path]
	e.localHashes[path] = hash
	if !seen {
		return false
	}
	return hash != prev
}

// WriteFile lands content on disk atomically (temp file + rename) so a
// crash mid-write never leaves a torn managed file.
func (e *Engine) WriteFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".filesync-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// PublishFileRead mirrors a file's content back as a client attribute.
func (e *Engine) PublishFileRead(key, content string) bool {
	return e.pub.PublishAttributes(marshalAttr(fileReadPrefix+key, content))
}

func (e *Engine) publishHashes(hashes map[string]RemoteHash) bool {
	return e.pub.PublishAttributes(marshalAttrAny(FileHashesKey, hashes))
}

func (e *Engine) requestContent(key string) {
	e.pub.RequestSharedAttributes(fileContentPrefix + key)
}
