// Package mqttclient is the gateway's single TLS MQTT session against the
// telemetry backend. Inbound messages become envelopes on a bounded channel
// consumed by the forwarding loop; publishes block until the broker ack or a
// 5 s timeout and report success as a boolean.
package mqttclient

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	TelemetryTopic        = "v1/devices/me/telemetry"
	AttributesTopic       = "v1/devices/me/attributes"
	attributeRequestTopic = "v1/devices/me/attributes/request/%d"
	rpcResponseTopic      = "v1/devices/me/rpc/response/"

	publishAckTimeout = 5 * time.Second
)

var subscriptions = []string{
	"v1/devices/me/rpc/request/+",
	"v1/devices/me/attributes/response/+",
	"v1/devices/me/attributes",
	"v2/fw/response/+",
}

// Envelope is one inbound message with its payload already parsed.
type Envelope struct {
	Topic   string
	Payload any
}

type Options struct {
	Host        string
	Port        int
	AccessToken string
	CACertPath  string
	// InboundBuffer bounds the envelope channel; 0 uses a default.
	InboundBuffer int
	Log           zerolog.Logger
}

type Client struct {
	conn      mqtt.Client
	inbound   chan Envelope
	connected atomic.Bool
	reqID     atomic.Int64
	log       zerolog.Logger
}

// Connect establishes the session and blocks until the broker accepts it.
// The access token is the MQTT username; there is no password.
func Connect(opts Options) (*Client, error) {
	buffer := opts.InboundBuffer
	if buffer <= 0 {
		buffer = 256
	}
	c := &Client{
		inbound: make(chan Envelope, buffer),
		log:     opts.Log,
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.CACertPath != "" {
		pem, err := os.ReadFile(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", opts.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", opts.Host, opts.Port)).
		SetTLSConfig(tlsCfg).
		SetUsername(opts.AccessToken).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Strs("topics", subscriptions).Msg("mqtt connected, subscribing")

	filters := make(map[string]byte, len(subscriptions))
	for _, t := range subscriptions {
		filters[t] = 1
	}
	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
		return
	}

	// Ask the backend what software and files this device should carry.
	c.RequestSharedAttributes("sw_title,sw_url,sw_version,FILES")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var payload any
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		c.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping inbound message with invalid JSON")
		return
	}
	select {
	case c.inbound <- Envelope{Topic: msg.Topic(), Payload: payload}:
	default:
		c.log.Warn().Str("topic", msg.Topic()).Msg("inbound channel full, dropping message")
	}
}

// Messages is the channel the forwarding loop drains.
func (c *Client) Messages() <-chan Envelope {
	return c.inbound
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// PublishRaw publishes payload and waits for the broker ack. Failures are
// logged, never raised; the boolean drives retry decisions upstream.
func (c *Client) PublishRaw(topic, payload string) bool {
	if !c.connected.Load() {
		c.log.Debug().Str("topic", topic).Msg("not connected, cannot publish")
		return false
	}
	token := c.conn.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishAckTimeout) {
		c.log.Warn().Str("topic", topic).Msg("publish ack timeout")
		return false
	}
	if err := token.Error(); err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		return false
	}
	return true
}

// PublishTelemetry publishes one telemetry record.
func (c *Client) PublishTelemetry(payload string) bool {
	return c.PublishRaw(TelemetryTopic, payload)
}

// PublishAttributes publishes client attributes.
func (c *Client) PublishAttributes(payload string) bool {
	return c.PublishRaw(AttributesTopic, payload)
}

// PublishSwState reports one OTA lifecycle transition.
func (c *Client) PublishSwState(version, state, errMsg string) bool {
	payload, _ := json.Marshal(map[string]string{
		"current_sw_title":   version,
		"current_sw_version": version,
		"sw_state":           state,
		"sw_error":           errMsg,
	})
	return c.PublishTelemetry(string(payload))
}

// PublishRPCResponse replies to an RPC request by id.
func (c *Client) PublishRPCResponse(requestID string, message any) bool {
	payload, err := json.Marshal(map[string]any{"message": message})
	if err != nil {
		c.log.Error().Err(err).Str("request_id", requestID).Msg("rpc response not serializable")
		return false
	}
	return c.PublishRaw(rpcResponseTopic+requestID, string(payload))
}

// PublishLog publishes one gateway log record as telemetry.
func (c *Client) PublishLog(level, message string, timestampMS int64) bool {
	payload, _ := json.Marshal(map[string]any{
		"ts": timestampMS,
		"values": map[string]string{
			"severity": level,
			"message":  "GATEWAY - " + message,
		},
	})
	return c.PublishTelemetry(string(payload))
}

// RequestSharedAttributes asks the backend for shared attribute values. Each
// request carries a fresh id so responses arrive on a distinct topic suffix.
func (c *Client) RequestSharedAttributes(keys string) bool {
	return c.requestAttributes(map[string]string{"sharedKeys": keys})
}

// RequestClientAttributes asks the backend for client attribute values.
func (c *Client) RequestClientAttributes(keys string) bool {
	return c.requestAttributes(map[string]string{"clientKeys": keys})
}

func (c *Client) requestAttributes(req map[string]string) bool {
	id := c.reqID.Add(1)
	payload, _ := json.Marshal(req)
	return c.PublishRaw(fmt.Sprintf(attributeRequestTopic, id), string(payload))
}

// UpdateSysInfoAttribute publishes the parsed contents of /proc/stat as a
// one-shot client attribute. Best-effort: a read failure is logged and an
// empty object published.
func (c *Client) UpdateSysInfoAttribute() {
	sysInfo := map[string][]string{}
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to read /proc/stat")
	} else {
		sysInfo = parseProcStat(raw)
	}
	payload, _ := json.Marshal(map[string]any{"sys_info": sysInfo})
	c.PublishAttributes(string(payload))
}

// parseProcStat maps each /proc/stat line to its whitespace-split fields,
// keyed by the first field.
func parseProcStat(raw []byte) map[string][]string {
	out := make(map[string][]string)
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		out[fields[0]] = fields[1:]
	}
	return out
}

// Close disconnects the session. Safe to call on an already-lost connection.
func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.connected.Store(false)
	c.conn.Disconnect(1000)
}
