// Package loop is the gateway's main event loop: it dispatches inbound
// messages, drains the durable queues to the broker, archives telemetry,
// and keeps the controller container alive with exponential restart
// backoff. Errors never cross the loop boundary; publishes report success
// as booleans and failed work is retried on a later iteration.
package loop

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tum-esm/edge-gateway/internal/metrics"
	"github.com/tum-esm/edge-gateway/internal/mqttclient"
	"github.com/tum-esm/edge-gateway/internal/store"
)

const (
	backoffFactor      = 1.6
	auxPublishInterval = 20 * time.Second
	idleSleep          = 5 * time.Second
)

// Transport is the MQTT capability the loop needs.
type Transport interface {
	Messages() <-chan mqttclient.Envelope
	IsConnected() bool
	PublishTelemetry(payload string) bool
	PublishLog(level, message string, timestampMS int64) bool
	PublishSwState(version, state, errMsg string) bool
	RequestSharedAttributes(keys string) bool
}

// Dispatcher routes one inbound envelope.
type Dispatcher interface {
	Dispatch(ctx context.Context, env mqttclient.Envelope)
}

// Containers is the controller-lifecycle capability the loop needs.
type Containers interface {
	IsRunning(ctx context.Context) bool
	StartupTimestampMS(ctx context.Context) (int64, bool)
	Stop(ctx context.Context) error
	StartSafely(ctx context.Context, version string)
	LastLaunchedVersion() (string, bool)
}

type Options struct {
	Queue   *store.DB
	Archive *store.DB
	Logs    *store.DB

	Transport  Transport
	Dispatcher Dispatcher
	Containers Containers

	// RestartBackoffMin floors the watchdog delay.
	RestartBackoffMin time.Duration
	// HealthStaleAfter is the heartbeat age that forces a controller restart.
	HealthStaleAfter time.Duration

	// Fatal is the single termination path; called when durable state or the
	// broker session is beyond recovery.
	Fatal func(msg string)

	Log zerolog.Logger
}

type Loop struct {
	queue   *store.DB
	archive *store.DB
	logs    *store.DB

	transport  Transport
	dispatcher Dispatcher
	containers Containers

	backoffMin       time.Duration
	restartDelay     time.Duration
	lastRestart      time.Time
	healthStaleAfter time.Duration
	lastAuxPublish   time.Time

	fatal func(msg string)
	log   zerolog.Logger

	// Overridable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New(opts Options) *Loop {
	l := &Loop{
		queue:            opts.Queue,
		archive:          opts.Archive,
		logs:             opts.Logs,
		transport:        opts.Transport,
		dispatcher:       opts.Dispatcher,
		containers:       opts.Containers,
		backoffMin:       opts.RestartBackoffMin,
		restartDelay:     opts.RestartBackoffMin,
		healthStaleAfter: opts.HealthStaleAfter,
		fatal:            opts.Fatal,
		log:              opts.Log,
		now:              time.Now,
		sleep:            sleepCtx,
	}
	metrics.RestartBackoffMS.Set(float64(l.restartDelay.Milliseconds()))
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// ResetWatchdog clears the backoff so the next iteration restarts the
// controller immediately. Used by the restart_controller RPC.
func (l *Loop) ResetWatchdog() {
	l.lastRestart = time.Time{}
	l.restartDelay = l.backoffMin
	metrics.RestartBackoffMS.Set(float64(l.restartDelay.Milliseconds()))
}

// Run iterates until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.log.Info().Msg("forwarding loop started")
	for ctx.Err() == nil {
		if !l.iterate(ctx) {
			l.sleep(ctx, idleSleep)
		}
	}
	l.log.Info().Msg("forwarding loop stopped")
}

// iterate performs one pass in priority order and reports whether any work
// was done.
func (l *Loop) iterate(ctx context.Context) bool {
	// 1. Inbound dispatch.
	select {
	case env := <-l.transport.Messages():
		l.dispatcher.Dispatch(ctx, env)
		return true
	default:
	}

	// 2. Controller watchdog with exponential backoff.
	if l.watchdog(ctx) {
		return true
	}

	// 3. MQTT liveness: the session does not auto-reconnect; a dead session
	// means this process restarts and replays from the durable queues.
	if !l.transport.IsConnected() {
		l.log.Warn().Msg("mqtt session lost, exiting in 30 seconds")
		l.sleep(ctx, 30*time.Second)
		l.fatal("mqtt session lost")
		return true
	}

	// 4. Buffered log drain.
	if done, err := l.drainLogBuffer(); err != nil {
		l.fatal(err.Error())
		return true
	} else if done {
		return true
	}

	// 5. Controller-message stage (archive + copy to pending).
	if done, err := l.stageControllerMessage(); err != nil {
		l.fatal(err.Error())
		return true
	} else if done {
		return true
	}

	// 6. Pending publish.
	if done, err := l.publishPending(); err != nil {
		l.fatal(err.Error())
		return true
	} else if done {
		return true
	}

	// 7. Auxiliary telemetry.
	l.publishAuxData(ctx)

	// 8. Heartbeat staleness.
	l.checkHeartbeat(ctx)

	return false
}

// watchdog restarts a dead controller once per backoff window, growing the
// delay on every attempt and shrinking it while the controller is observed
// healthy.
func (l *Loop) watchdog(ctx context.Context) bool {
	if l.now().Sub(l.lastRestart) < l.restartDelay {
		return false
	}
	l.lastRestart = l.now()

	if !l.containers.IsRunning(ctx) {
		l.restartDelay = time.Duration(float64(l.restartDelay) * backoffFactor)
		metrics.RestartBackoffMS.Set(float64(l.restartDelay.Milliseconds()))
		l.log.Info().Dur("next_backoff", l.restartDelay).Msg("controller not running, starting new container in 10s")
		l.sleep(ctx, 10*time.Second)

		version, known := l.containers.LastLaunchedVersion()
		if !known {
			l.log.Error().Msg("no last-launched version known, requesting version from backend")
			l.transport.RequestSharedAttributes("sw_title,sw_url,sw_version")
			l.transport.PublishSwState("UNKNOWN", "FAILED",
				"No previous version known to launch from, requested version info from backend")
			l.sleep(ctx, 20*time.Second)
			return true
		}
		l.containers.StartSafely(ctx, version)
		return true
	}

	if l.restartDelay > l.backoffMin {
		l.restartDelay = max(l.backoffMin, time.Duration(float64(l.restartDelay)/backoffFactor))
		metrics.RestartBackoffMS.Set(float64(l.restartDelay.Milliseconds()))
		l.log.Info().Dur("next_backoff", l.restartDelay).Msg("controller healthy, shrinking restart backoff")
	}
	return false
}

// drainLogBuffer forwards the oldest buffered log record. The row is
// deleted only after the broker ack.
func (l *Loop) drainLogBuffer() (bool, error) {
	row, err := l.logs.NextBufferedLog()
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	l.log.Debug().Int64("id", row.ID).Msg("sending buffered log record")
	if !l.transport.PublishLog(row.Level, row.Message, row.TimestampMS) {
		metrics.PublishFailures.Inc()
		return true, nil
	}
	return true, l.logs.DeleteBufferedLog(row.ID)
}

// stageControllerMessage archives the oldest controller message and copies
// it into the pending queue. The original row is deleted only after both
// writes are committed; a crash in between costs at most one duplicate.
func (l *Loop) stageControllerMessage() (bool, error) {
	msg, err := l.queue.NextControllerMessage()
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	l.log.Debug().Int64("id", msg.ID).Str("type", msg.Type).Msg("staging controller message")

	// Log-typed messages skip the archive; the substring match is kept for
	// compatibility with deployed controllers.
	if !strings.Contains(msg.Type, "log") {
		ts, values, err := splitTelemetry(msg.Message)
		if err != nil {
			l.log.Warn().Err(err).Int64("id", msg.ID).Msg("controller message is not a telemetry envelope, skipping archive")
		} else if err := l.archive.ArchiveInsert(ts, values); err != nil {
			return false, err
		}
	}

	if err := l.queue.StagePendingMessage(msg.Type, msg.Message); err != nil {
		return false, err
	}
	return true, l.queue.DeleteControllerMessage(msg.ID)
}

// publishPending forwards the oldest staged message; the row is deleted
// only after the broker ack.
func (l *Loop) publishPending() (bool, error) {
	msg, err := l.queue.NextPendingMessage()
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	l.log.Debug().Int64("id", msg.ID).Msg("publishing staged message")
	if !l.transport.PublishTelemetry(msg.Message) {
		metrics.PublishFailures.Inc()
		return true, nil
	}
	metrics.TelemetryForwarded.Inc()
	return true, l.queue.DeletePendingMessage(msg.ID)
}

// publishAuxData reports controller uptime and heartbeat age every 20 s.
func (l *Loop) publishAuxData(ctx context.Context) {
	nowMS := l.now().UnixMilli()
	if !l.lastAuxPublish.IsZero() && l.now().Sub(l.lastAuxPublish) <= auxPublishInterval {
		return
	}
	l.lastAuxPublish = l.now()

	startedMS, _ := l.containers.StartupTimestampMS(ctx)
	heartbeatMS, err := l.queue.HealthCheckTS()
	if err != nil {
		l.fatal(err.Error())
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"ts": nowMS,
		"values": map[string]int64{
			"ms_since_controller_startup":           nowMS - startedMS,
			"ms_since_last_controller_health_check": nowMS - heartbeatMS,
		},
	})
	l.transport.PublishTelemetry(string(payload))
}

// checkHeartbeat stops a controller that claims to run but has neither
// heartbeat nor recent startup; the watchdog relaunches it with backoff.
func (l *Loop) checkHeartbeat(ctx context.Context) {
	heartbeatMS, err := l.queue.HealthCheckTS()
	if err != nil {
		l.fatal(err.Error())
		return
	}
	startedMS, _ := l.containers.StartupTimestampMS(ctx)

	freshest := max(heartbeatMS, startedMS)
	staleBefore := l.now().Add(-l.healthStaleAfter).UnixMilli()
	if freshest < staleBefore && l.containers.IsRunning(ctx) {
		l.log.Warn().Dur("threshold", l.healthStaleAfter).Msg("controller heartbeat stale, stopping container for restart")
		if err := l.containers.Stop(ctx); err != nil {
			l.log.Warn().Err(err).Msg("controller stop failed")
		}
		// Relaunch on the next iteration instead of waiting out the window.
		l.ResetWatchdog()
	}
}

// splitTelemetry pulls ts and values out of a controller telemetry
// envelope, re-serializing values for the archive.
func splitTelemetry(message string) (int64, string, error) {
	var envelope struct {
		TS     int64           `json:"ts"`
		Values json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal([]byte(message), &envelope); err != nil {
		return 0, "", err
	}
	return envelope.TS, string(envelope.Values), nil
}
