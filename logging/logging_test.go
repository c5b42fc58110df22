package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/joeycumines/logiface"
)

func TestNew_EmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, logiface.LevelInformational)
	l.Info().Str("queue", "orders").Log("queue created")

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("not JSON: %q (%v)", line, err)
	}
	if record["queue"] != "orders" {
		t.Fatalf("missing field: %v", record)
	}
	if record["msg"] != "queue created" {
		t.Fatalf("missing message: %v", record)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, logiface.LevelWarning)
	l.Info().Log("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info line emitted below the minimum level: %q", buf.String())
	}
	l.Warning().Log("emitted")
	if buf.Len() == 0 {
		t.Fatal("warning line not emitted")
	}
}

func TestNop_IsSilentAndSafe(t *testing.T) {
	l := Nop()
	l.Info().Str("k", "v").Log("dropped")
	l.Err().Log("also dropped")
}

func TestWithCategory(t *testing.T) {
	var buf bytes.Buffer
	l := WithCategory(New(&buf, logiface.LevelInformational), "cluster")
	l.Info().Log("heartbeat")

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	if record["category"] != "cluster" {
		t.Fatalf("category not stamped: %v", record)
	}
}
