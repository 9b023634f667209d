// Package provision obtains the gateway's access token. A persisted token is
// reused; otherwise a one-shot MQTT exchange against the provisioning
// endpoint yields one. Provisioning failure is boot-fatal: the gateway is
// useless without credentials.
package provision

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/tum-esm/edge-gateway/internal/config"
)

const (
	requestTopic  = "/provision/request"
	responseTopic = "/provision/response"

	replyTimeout = 10 * time.Second
)

// Result carries the token and whether a fresh provisioning exchange ran.
type Result struct {
	AccessToken string
	Provisioned bool
}

// GetAccessToken returns the persisted token when one exists, or performs
// the provisioning exchange and persists the result.
func GetAccessToken(cfg *config.Config, log zerolog.Logger) (Result, error) {
	if raw, err := os.ReadFile(cfg.AccessTokenPath); err == nil {
		token := string(raw)
		if len(token) >= 4 {
			log.Debug().Str("path", cfg.AccessTokenPath).Msg("access token found on disk")
			return Result{AccessToken: token}, nil
		}
		log.Warn().Str("path", cfg.AccessTokenPath).Msg("token file too short, re-provisioning")
	}

	log.Info().Msg("no access token found, performing self-provisioning")
	token, err := exchange(cfg, log)
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(cfg.AccessTokenPath, []byte(token), 0o600); err != nil {
		return Result{}, fmt.Errorf("persist access token: %w", err)
	}
	return Result{AccessToken: token, Provisioned: true}, nil
}

func exchange(cfg *config.Config, log zerolog.Logger) (string, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return "", fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return "", fmt.Errorf("no certificates parsed from %s", cfg.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}

	replies := make(chan []byte, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", cfg.TBHost, cfg.TBPort)).
		SetTLSConfig(tlsCfg).
		SetUsername("provision").
		SetAutoReconnect(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return "", fmt.Errorf("provisioning connect: %w", err)
	}
	defer client.Disconnect(250)

	sub := client.Subscribe(responseTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case replies <- msg.Payload():
		default:
		}
	})
	sub.Wait()
	if err := sub.Error(); err != nil {
		return "", fmt.Errorf("provisioning subscribe: %w", err)
	}

	request, _ := json.Marshal(map[string]string{
		"deviceName":            deviceName(cfg),
		"provisionDeviceKey":    cfg.ProvisionDeviceKey,
		"provisionDeviceSecret": cfg.ProvisionDeviceSecret,
	})
	pub := client.Publish(requestTopic, 1, false, request)
	pub.Wait()
	if err := pub.Error(); err != nil {
		return "", fmt.Errorf("provisioning request: %w", err)
	}

	select {
	case raw := <-replies:
		return parseReply(raw, log)
	case <-time.After(replyTimeout):
		return "", fmt.Errorf("no provisioning reply within %s", replyTimeout)
	}
}

func parseReply(raw []byte, log zerolog.Logger) (string, error) {
	var reply struct {
		Status           string `json:"status"`
		ErrorMsg         string `json:"errorMsg"`
		CredentialsType  string `json:"credentialsType"`
		CredentialsValue string `json:"credentialsValue"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("parse provisioning reply: %w", err)
	}
	if reply.Status == "FAILURE" {
		return "", fmt.Errorf("provisioning rejected: %s", reply.ErrorMsg)
	}
	if reply.CredentialsType != "ACCESS_TOKEN" || reply.CredentialsValue == "" {
		return "", fmt.Errorf("unexpected credentials type %q", reply.CredentialsType)
	}
	log.Info().Msg("self-provisioning successful")
	return reply.CredentialsValue, nil
}

func deviceName(cfg *config.Config) string {
	if cfg.DeviceName != "" {
		return cfg.DeviceName
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fmt.Sprintf("teg-%d", rand.Intn(9000000)+1000000)
}
