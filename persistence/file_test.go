package persistence

import (
	"testing"
)

func TestFileStore_MessageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir)
	if err := fs.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer fs.Shutdown()

	msgs := []StoredMessage{
		{ID: 1, Type: "order", Payload: []byte("hello")},
		{ID: 2, Type: "order", Payload: []byte("world")},
	}
	for _, m := range msgs {
		if err := fs.SaveMessage("orders", m); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	loaded, err := fs.LoadAllMessages("orders")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(loaded))
	}
	if loaded[0].ID != 1 || loaded[1].ID != 2 {
		t.Fatalf("expected on-disk append order, got %+v", loaded)
	}
}

func TestFileStore_QueueConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir)
	if err := fs.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	cfg := StoredQueueConfig{
		Name:     "orders",
		Settings: map[string]string{"type": "priority"},
		Stats:    map[string]int64{"total": 5},
	}
	if err := fs.SaveQueue("orders", cfg); err != nil {
		t.Fatalf("save queue: %v", err)
	}

	loaded, err := fs.LoadQueue("orders")
	if err != nil {
		t.Fatalf("load queue: %v", err)
	}
	if loaded.Settings["type"] != "priority" || loaded.Stats["total"] != 5 {
		t.Fatalf("unexpected loaded config: %+v", loaded)
	}

	names, err := fs.ListPersistedQueues()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "orders" {
		t.Fatalf("expected [orders], got %v", names)
	}
}

func TestFileStore_LoadQueue_NotFound(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir)
	if err := fs.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := fs.LoadQueue("missing"); err == nil {
		t.Fatal("expected error for missing queue")
	}
}
