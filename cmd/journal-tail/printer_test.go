package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/marko911/counter-pulse/internal/journal"
)

func TestFilter(t *testing.T) {
	entry := journal.Entry{Cause: "tx_sent", Address: "0xAbC0000000000000000000000000000000000001"}

	tests := []struct {
		name    string
		address string
		causes  []string
		want    bool
	}{
		{name: "no criteria", want: true},
		{name: "address any case", address: "0xabc0000000000000000000000000000000000001", want: true},
		{name: "other address", address: "0x0000000000000000000000000000000000000002", want: false},
		{name: "cause listed", causes: []string{"tx_confirmed", "tx_sent"}, want: true},
		{name: "cause not listed", causes: []string{"connected"}, want: false},
		{name: "both must hold", address: entry.Address, causes: []string{"connected"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newFilter(tt.address, tt.causes).match(entry); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrinter_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, newFilter("", []string{"idle"}))

	entries := []journal.Entry{
		{ID: "e-1", Seq: 1, Cause: "idle", Counter: "1"},
		{ID: "e-2", Seq: 2, Cause: "tx_sent", Counter: "1"},
		{ID: "e-3", Seq: 3, Cause: "idle", Counter: "2"},
	}
	printed := 0
	for _, e := range entries {
		ok, err := p.print(e)
		if err != nil {
			t.Fatalf("print failed: %v", err)
		}
		if ok {
			printed++
		}
	}
	if printed != 2 {
		t.Errorf("printed %d entries, want 2", printed)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	var last journal.Entry
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if last.ID != "e-3" || last.Counter != "2" {
		t.Errorf("last line = %+v", last)
	}
}
