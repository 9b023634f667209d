// Package router classifies inbound MQTT envelopes and hands them to the
// right handler family. Attribute messages run through a fixed handler
// chain; the first handler whose shape matches consumes the message.
package router

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tum-esm/edge-gateway/internal/filesync"
	"github.com/tum-esm/edge-gateway/internal/jsonx"
	"github.com/tum-esm/edge-gateway/internal/mqttclient"
	"github.com/tum-esm/edge-gateway/internal/rpc"
)

// ControllerManager is the container capability the handlers need.
type ControllerManager interface {
	IsRunning(ctx context.Context) bool
	RunningVersion(ctx context.Context) (string, bool)
	Stop(ctx context.Context) error
	StartSafely(ctx context.Context, version string)
	RecordLastLaunched(version string)
}

type Options struct {
	Containers ControllerManager
	Files      *filesync.Engine
	RPC        *rpc.Registry
	Pub        filesync.Publisher
	// ConfigPath is where the controller_config shared attribute lands.
	ConfigPath string
	Log        zerolog.Logger
}

type Router struct {
	containers ControllerManager
	files      *filesync.Engine
	rpc        *rpc.Registry
	pub        filesync.Publisher
	configPath string
	log        zerolog.Logger
}

func New(opts Options) *Router {
	return &Router{
		containers: opts.Containers,
		files:      opts.Files,
		rpc:        opts.RPC,
		pub:        opts.Pub,
		configPath: opts.ConfigPath,
		log:        opts.Log,
	}
}

// Dispatch routes one envelope. Unroutable messages are logged and dropped.
func (r *Router) Dispatch(ctx context.Context, env mqttclient.Envelope) {
	switch {
	case strings.Contains(env.Topic, "v1/devices/me/rpc/request"):
		r.dispatchRPC(ctx, env)
	case strings.Contains(env.Topic, "v1/devices/me/attributes"):
		r.dispatchAttributes(ctx, env)
	default:
		r.log.Warn().Str("topic", env.Topic).Msg("dropping message on unexpected topic")
	}
}

func (r *Router) dispatchRPC(ctx context.Context, env mqttclient.Envelope) {
	segments := strings.Split(env.Topic, "/")
	requestID := segments[len(segments)-1]

	method, ok := jsonx.String(jsonx.Get(env.Payload, "method"))
	if !ok {
		r.log.Error().Str("topic", env.Topic).Msg("rpc request without a method")
		return
	}
	params := jsonx.Get(env.Payload, "params")
	r.rpc.Handle(ctx, requestID, method, params)
}

func (r *Router) dispatchAttributes(ctx context.Context, env mqttclient.Envelope) {
	handled := r.handleControllerConfig(ctx, env.Payload) ||
		r.handleOTA(ctx, env.Payload) ||
		r.handleFileDefinitions(env.Payload) ||
		r.handleFileHashes(env.Payload) ||
		r.handleFileContent(ctx, env.Payload)
	if !handled {
		r.log.Warn().Str("topic", env.Topic).Interface("payload", env.Payload).Msg("skipping unrecognized attribute message")
	}
}
