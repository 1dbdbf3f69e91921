package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tcpscan/internal/model"
)

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "history.csv")

	s1 := model.Sample{Timestamp: time.Unix(1, 0).UTC(), Interface: "eth0", Server: "example.com", ServerIP: "93.184.216.34", BitsPerSecond: 26214400}
	s2 := model.Sample{Timestamp: time.Unix(2, 0).UTC(), Interface: "eth0", Server: "nowhere.invalid", Error: "not_found"}

	if err := AppendCSV(path, []model.Sample{s1}); err != nil {
		t.Fatalf("AppendCSV #1: %v", err)
	}
	if err := AppendCSV(path, []model.Sample{s2}); err != nil {
		t.Fatalf("AppendCSV #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("missing header: %q", lines[0])
	}

	items, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items=%d", len(items))
	}
	if items[0].BitsPerSecond != 26214400 || items[0].ServerIP != "93.184.216.34" {
		t.Fatalf("item0=%+v", items[0])
	}
	if items[1].OK() || items[1].Error != "not_found" {
		t.Fatalf("item1=%+v", items[1])
	}
}

func TestWriteCSV_Header(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	want := "timestamp,interface,server,server_ip,rtt_ms,window_bytes,bits_per_second,error\n"
	if buf.String() != want {
		t.Fatalf("header=%q", buf.String())
	}
}

func TestReadCSV_ShortRecord(t *testing.T) {
	t.Parallel()

	row := "2024-01-01T00:00:00Z,eth0,example.com,93.184.216.34,20,65536,26214400,\n"

	items, err := readCSV(strings.NewReader(row + "2024-01-01T00:00:01Z,eth0\n"))
	if err != nil {
		t.Fatalf("truncated tail: %v", err)
	}
	if len(items) != 1 || items[0].WindowBytes != 65536 {
		t.Fatalf("items=%+v", items)
	}

	if _, err := readCSV(strings.NewReader("2024-01-01T00:00:01Z,eth0\n" + row)); err == nil {
		t.Fatalf("expected error for short record before the tail")
	}
}
