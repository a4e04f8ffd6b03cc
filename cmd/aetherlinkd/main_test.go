package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "aetherlinkd") {
		t.Fatalf("expected help output to mention aetherlinkd, got %q", out.String())
	}
}

func TestDefaultHomeIsNonEmpty(t *testing.T) {
	if defaultHome() == "" {
		t.Fatal("defaultHome returned empty string")
	}
}
