package hosta

import (
	"strings"
	"testing"

	"github.com/sandboxkit/sandboxkit/internal/violations"
)

func TestParseRecognizesDenyLine(t *testing.T) {
	p := &Parser{EncodedCommand: "abc"}
	var got []violations.Event
	stream := strings.NewReader("2026-08-03 10:00:01 sandboxd[123] deny file-read-data /etc/shadow pid 4567\n")
	err := p.Run(stream, func(ev violations.Event) { got = append(got, ev) }, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Kind != violations.FsRead || got[0].Subject != "/etc/shadow" || *got[0].PID != 4567 {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestParseSkipsMalformedLinesWithoutFailing(t *testing.T) {
	p := &Parser{}
	var got []violations.Event
	var degraded []string
	stream := strings.NewReader("garbage line\n\x00\x01binary\ndeny network-outbound example.com:443 pid 1\n")
	err := p.Run(stream, func(ev violations.Event) { got = append(got, ev) }, func(line string) { degraded = append(degraded, line) })
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if len(degraded) != 2 {
		t.Fatalf("got %d degraded lines, want 2", len(degraded))
	}
	if p.Stats.LinesMalformed != 2 || p.Stats.LinesRead != 3 {
		t.Fatalf("unexpected stats: %+v", p.Stats)
	}
}
