package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/carelink/unreadsync/internal/alert"
	"github.com/carelink/unreadsync/internal/config"
)

func TestDeriveSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":         "ws://127.0.0.1:8080/socket",
		"https://api.carelink.test/v1/": "wss://api.carelink.test/v1/socket",
		"http://host?x=1":               "ws://host/socket",
		"not a url":                     "",
	}
	for in, want := range cases {
		if got := deriveSocketURL(in); got != want {
			t.Fatalf("deriveSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildBindingsStatusFilesAndForcedTitle(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	bindings := buildBindings(&config.Config{
		StatusDir:    dir,
		TitleEnabled: true,
		TitleForce:   true,
		TabScope:     "messages",
	}, &out)
	if len(bindings) != 3 {
		t.Fatalf("expected tab plus two status bindings, got %d", len(bindings))
	}
	if bindings[0].Scope != "messages" {
		t.Fatalf("expected tab bound to messages, got %s", bindings[0].Scope)
	}
	if err := bindings[0].Renderer.Render(3); err != nil {
		t.Fatalf("render tab: %v", err)
	}
	if !strings.Contains(out.String(), "(3)") {
		t.Fatalf("expected title escape with count, got %q", out.String())
	}
	if err := bindings[1].Renderer.Render(120); err != nil {
		t.Fatalf("render status: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "notifications"))
	if err != nil {
		t.Fatalf("read status file: %v", err)
	}
	if strings.TrimSpace(string(data)) != "99+" {
		t.Fatalf("expected capped label, got %q", data)
	}
}

func TestBuildBindingsSkipsTitleOffTerminal(t *testing.T) {
	var out bytes.Buffer
	bindings := buildBindings(&config.Config{TitleEnabled: true}, &out)
	if len(bindings) != 0 {
		t.Fatalf("expected no bindings without a terminal, got %d", len(bindings))
	}
}

func TestBuildSounder(t *testing.T) {
	if _, ok := buildSounder(&config.Config{}).(*alert.BellSounder); !ok {
		t.Fatalf("expected bell sounder by default")
	}
	if _, ok := buildSounder(&config.Config{SoundCommand: "paplay /tmp/ding.oga"}).(*alert.CommandSounder); !ok {
		t.Fatalf("expected command sounder")
	}
}

type recordingCommander struct {
	gestures  int
	refreshes int
	reads     []string
}

func (c *recordingCommander) Gesture(context.Context) { c.gestures++ }

func (c *recordingCommander) Refresh(context.Context) error {
	c.refreshes++
	return nil
}

func (c *recordingCommander) MarkRead(_ context.Context, scope string, ids []string) error {
	c.reads = append(c.reads, scope+":"+strings.Join(ids, ","))
	return nil
}

func TestReadCommands(t *testing.T) {
	input := strings.NewReader("\nrefresh\nread messages m1 m2\nread\nread alerts\n")
	cmd := &recordingCommander{}
	if err := readCommands(context.Background(), input, cmd); err != nil {
		t.Fatalf("read commands: %v", err)
	}
	if cmd.gestures != 5 {
		t.Fatalf("expected every line to count as a gesture, got %d", cmd.gestures)
	}
	if cmd.refreshes != 1 {
		t.Fatalf("expected one refresh, got %d", cmd.refreshes)
	}
	want := []string{"messages:m1,m2", "notifications:"}
	if strings.Join(cmd.reads, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected mark-read calls: %v", cmd.reads)
	}
}
