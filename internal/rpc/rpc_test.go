package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tum-esm/edge-gateway/internal/filesync"
	"github.com/tum-esm/edge-gateway/internal/store"
)

type fakePub struct {
	responses  []any
	telemetry  []string
	attributes []string
	sharedReqs []string
}

func (f *fakePub) PublishRPCResponse(requestID string, message any) bool {
	f.responses = append(f.responses, message)
	return true
}

func (f *fakePub) PublishTelemetry(payload string) bool {
	f.telemetry = append(f.telemetry, payload)
	return true
}

func (f *fakePub) PublishAttributes(payload string) bool {
	f.attributes = append(f.attributes, payload)
	return true
}

func (f *fakePub) RequestSharedAttributes(keys string) bool {
	f.sharedReqs = append(f.sharedReqs, keys)
	return true
}

type fakeController struct{ stops int }

func (f *fakeController) Stop(_ context.Context) error {
	f.stops++
	return nil
}

type filesyncPub struct{}

func (filesyncPub) PublishAttributes(string) bool       { return true }
func (filesyncPub) RequestSharedAttributes(string) bool { return true }
func (filesyncPub) RequestClientAttributes(string) bool { return true }

func newTestRegistry(t *testing.T) (*Registry, *fakePub, *fakeController, *store.DB) {
	t.Helper()
	archive, err := store.Open(filepath.Join(t.TempDir(), "archive.db"), store.ArchiveSchema, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(archive.Close)

	pub := &fakePub{}
	controller := &fakeController{}
	registry := NewRegistry(Options{
		Pub:           pub,
		Controller:    controller,
		Files:         filesync.New(filesyncPub{}, t.TempDir(), zerolog.Nop()),
		Archive:       archive,
		RequestExit:   func() {},
		ResetWatchdog: func() {},
		HostCommand:   func(string, ...string) error { return nil },
		Log:           zerolog.Nop(),
	})
	return registry, pub, controller, archive
}

func lastResponse(t *testing.T, pub *fakePub) string {
	t.Helper()
	if len(pub.responses) == 0 {
		t.Fatal("no rpc response published")
	}
	s, ok := pub.responses[len(pub.responses)-1].(string)
	if !ok {
		t.Fatalf("response is %T, want string", pub.responses[len(pub.responses)-1])
	}
	return s
}

func TestPing(t *testing.T) {
	r, pub, _, _ := newTestRegistry(t)
	r.Handle(context.Background(), "1", "ping", nil)
	if got := lastResponse(t, pub); got != "Pong" {
		t.Errorf("response = %q, want Pong", got)
	}
}

func TestUnknownMethod(t *testing.T) {
	r, pub, _, _ := newTestRegistry(t)
	r.Handle(context.Background(), "1", "frobnicate", nil)
	if got := lastResponse(t, pub); !strings.Contains(got, "Unknown RPC method") {
		t.Errorf("response = %q", got)
	}
}

func TestList(t *testing.T) {
	r, pub, _, _ := newTestRegistry(t)
	r.Handle(context.Background(), "1", "list", nil)

	lines, ok := pub.responses[len(pub.responses)-1].([]string)
	if !ok {
		t.Fatalf("response is %T, want []string", pub.responses[len(pub.responses)-1])
	}
	if lines[0] != "Available RPC methods:" {
		t.Errorf("lines[0] = %q", lines[0])
	}
	found := false
	for _, line := range lines {
		if strings.HasPrefix(line, "archive_republish_messages:") {
			found = true
		}
	}
	if !found {
		t.Errorf("archive_republish_messages missing from %v", lines)
	}
}

func TestRestartController(t *testing.T) {
	r, pub, controller, _ := newTestRegistry(t)
	reset := 0
	r.resetWatchdog = func() { reset++ }

	r.Handle(context.Background(), "1", "restart_controller", nil)

	if got := lastResponse(t, pub); got != "OK - Restarting Controller" {
		t.Errorf("response = %q", got)
	}
	if controller.stops != 1 {
		t.Errorf("stops = %d, want 1", controller.stops)
	}
	if reset != 1 {
		t.Errorf("watchdog resets = %d, want 1", reset)
	}
}

func TestInitFiles(t *testing.T) {
	r, pub, _, _ := newTestRegistry(t)
	r.Handle(context.Background(), "1", "init_files", nil)

	if len(pub.attributes) != 1 || !strings.Contains(pub.attributes[0], `"FILE_HASHES":{}`) {
		t.Errorf("attributes = %v, want empty FILE_HASHES", pub.attributes)
	}
	if len(pub.sharedReqs) != 1 || pub.sharedReqs[0] != "FILES" {
		t.Errorf("sharedReqs = %v, want [FILES]", pub.sharedReqs)
	}
	if got := lastResponse(t, pub); got != "Files client attributes initialized" {
		t.Errorf("response = %q", got)
	}
}

func decodeParams(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}

func TestArchiveRepublish(t *testing.T) {
	r, pub, _, archive := newTestRegistry(t)

	base := int64(archiveRangeMinMS)
	for _, offset := range []int64{100, 200, 300, 400} {
		if err := archive.ArchiveInsert(base+offset, fmt.Sprintf(`{"v":%d}`, offset)); err != nil {
			t.Fatalf("ArchiveInsert: %v", err)
		}
	}

	params := decodeParams(t, fmt.Sprintf(`{"start_timestamp_ms":%d,"end_timestamp_ms":%d}`, base+150, base+350))
	r.Handle(context.Background(), "1", "archive_republish_messages", params)

	if len(pub.telemetry) != 2 {
		t.Fatalf("republished %d messages, want 2: %v", len(pub.telemetry), pub.telemetry)
	}
	// Non-decreasing timestamp order.
	var first, second struct {
		TS int64 `json:"ts"`
	}
	if err := json.Unmarshal([]byte(pub.telemetry[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := json.Unmarshal([]byte(pub.telemetry[1]), &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.TS != base+200 || second.TS != base+300 {
		t.Errorf("timestamps = %d,%d, want %d,%d", first.TS, second.TS, base+200, base+300)
	}
	if got := lastResponse(t, pub); !strings.Contains(got, "2 messages republished") {
		t.Errorf("response = %q", got)
	}
}

func TestArchiveRepublishTiedTimestampsAcrossBatches(t *testing.T) {
	r, pub, _, archive := newTestRegistry(t)

	// More same-timestamp rows than one batch holds: the boundary falls
	// inside the run and every row must still be republished once.
	base := int64(archiveRangeMinMS)
	total := archiveBatchSize + 50
	for i := 0; i < total; i++ {
		if err := archive.ArchiveInsert(base+100, fmt.Sprintf(`{"v":%d}`, i)); err != nil {
			t.Fatalf("ArchiveInsert: %v", err)
		}
	}

	params := decodeParams(t, fmt.Sprintf(`{"start_timestamp_ms":%d,"end_timestamp_ms":%d}`, base+50, base+150))
	r.Handle(context.Background(), "1", "archive_republish_messages", params)

	if len(pub.telemetry) != total {
		t.Fatalf("republished %d messages, want %d", len(pub.telemetry), total)
	}
	seen := make(map[string]bool)
	for _, payload := range pub.telemetry {
		if seen[payload] {
			t.Errorf("payload republished twice: %s", payload)
		}
		seen[payload] = true
	}
	if got := lastResponse(t, pub); !strings.Contains(got, fmt.Sprintf("%d messages republished", total)) {
		t.Errorf("response = %q", got)
	}
}

func TestArchiveDiscard(t *testing.T) {
	r, pub, _, archive := newTestRegistry(t)

	base := int64(archiveRangeMinMS)
	for _, offset := range []int64{100, 200, 300} {
		if err := archive.ArchiveInsert(base+offset, `{"v":1}`); err != nil {
			t.Fatalf("ArchiveInsert: %v", err)
		}
	}

	params := decodeParams(t, fmt.Sprintf(`{"start_timestamp_ms":%d,"end_timestamp_ms":%d}`, base+150, base+250))
	r.Handle(context.Background(), "1", "archive_discard_messages", params)

	if got := lastResponse(t, pub); !strings.Contains(got, "1 messages discarded") {
		t.Errorf("response = %q", got)
	}
	rows, err := archive.ArchiveRange(0, base+1000, 10)
	if err != nil {
		t.Fatalf("ArchiveRange: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("remaining = %d, want 2", len(rows))
	}
}

func TestArchiveRangeValidation(t *testing.T) {
	r, pub, _, _ := newTestRegistry(t)

	tests := []struct {
		name   string
		params string
	}{
		{"not_a_dict", `"nope"`},
		{"missing_fields", `{}`},
		{"non_integer", `{"start_timestamp_ms":"x","end_timestamp_ms":1}`},
		{"start_after_end", `{"start_timestamp_ms":2000000000000,"end_timestamp_ms":1900000000000}`},
		{"start_too_early", `{"start_timestamp_ms":1000,"end_timestamp_ms":2000000000000}`},
		{"end_too_late", `{"start_timestamp_ms":2000000000000,"end_timestamp_ms":9999999999999}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.Handle(context.Background(), "1", "archive_republish_messages", decodeParams(t, tt.params))
			if got := lastResponse(t, pub); !strings.HasPrefix(got, "Error - ") {
				t.Errorf("response = %q, want an error", got)
			}
		})
	}
}

func TestRunCommand(t *testing.T) {
	r, pub, _, _ := newTestRegistry(t)

	t.Run("success", func(t *testing.T) {
		params := decodeParams(t, `{"command":["echo","hello"]}`)
		r.Handle(context.Background(), "1", "run_command", params)
		got := lastResponse(t, pub)
		if !strings.Contains(got, "exited with code 0") || !strings.Contains(got, "hello") {
			t.Errorf("response = %q", got)
		}
	})

	t.Run("nonzero_exit", func(t *testing.T) {
		params := decodeParams(t, `{"command":["sh","-c","echo out; exit 3"]}`)
		r.Handle(context.Background(), "1", "run_command", params)
		got := lastResponse(t, pub)
		if !strings.Contains(got, "exited with code 3") {
			t.Errorf("response = %q", got)
		}
	})

	t.Run("timeout_kills", func(t *testing.T) {
		params := decodeParams(t, `{"command":["sleep","10"],"timeout_s":1}`)
		r.Handle(context.Background(), "1", "run_command", params)
		got := lastResponse(t, pub)
		if !strings.HasPrefix(got, "Error - ") || !strings.Contains(got, "timeout") {
			t.Errorf("response = %q", got)
		}
	})

	invalid := []struct {
		name   string
		params string
	}{
		{"not_a_dict", `42`},
		{"missing_command", `{"timeout_s":5}`},
		{"command_not_list", `{"command":"echo hi"}`},
		{"command_mixed_types", `{"command":["echo",7]}`},
		{"timeout_not_int", `{"command":["echo"],"timeout_s":"5"}`},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			r.Handle(context.Background(), "1", "run_command", decodeParams(t, tt.params))
			if got := lastResponse(t, pub); !strings.HasPrefix(got, "Error - ") {
				t.Errorf("response = %q, want an error", got)
			}
		})
	}
}
