package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestPublish_WritesEventFile(t *testing.T) {
	dir := t.TempDir()
	b := NewBus(dir, 0)
	b.Publish(TypeAgentResponded, map[string]any{"agent": "default", "messageId": "m1"})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasSuffix(name, "_"+TypeAgentResponded+".json") {
		t.Errorf("file name = %q", name)
	}
	if strings.HasSuffix(name, ".tmp") {
		t.Errorf("temp file exposed: %q", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != TypeAgentResponded || ev.Timestamp == 0 || ev.Data["agent"] != "default" {
		t.Errorf("event = %+v", ev)
	}
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	b := NewBus(t.TempDir(), 0)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(TypeMessageReceived, map[string]any{"channel": "telegram"})

	select {
	case ev := <-ch:
		if ev.Type != TypeMessageReceived {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}
}

func TestSubscribe_CancelStopsDelivery(t *testing.T) {
	b := NewBus(t.TempDir(), 0)
	ch, cancel := b.Subscribe()
	cancel()

	b.Publish(TypeMessageReceived, nil)
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("cancelled subscriber still receiving")
		}
	default:
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(t.TempDir(), 0)
	_, cancel := b.Subscribe() // never read
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(TypeAgentInvoked, nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCleanup_RemovesExpiredEvents(t *testing.T) {
	dir := t.TempDir()
	b := NewBus(dir, time.Hour)

	oldTS := time.Now().Add(-2 * time.Hour).UnixMilli()
	oldName := filepath.Join(dir, strconv.FormatInt(oldTS, 10)+"001_agent_invoked.json")
	if err := os.WriteFile(oldName, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	b.Publish(TypeAgentResponded, nil)
	b.cleanup()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() == filepath.Base(oldName) {
			t.Error("expired event file survived cleanup")
		}
	}
	if len(entries) == 0 {
		t.Error("fresh event removed by cleanup")
	}
}
