package cdpcontrol

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/target"
)

func TestCleanupLockedLogsDetachFailure(t *testing.T) {
	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	client := &Client{
		cdp: &rawCDP{},
		tabs: map[target.ID]*tabSession{
			"target-1": {
				sessionID: "session-1",
			},
		},
	}
	client.cleanupLocked()

	if !strings.Contains(buf.String(), "detach cleanup failed") {
		t.Fatalf("expected detach cleanup debug log, got %q", buf.String())
	}
	if client.cdp != nil {
		t.Fatal("cleanupLocked() left the CDP connection set")
	}
	if got := len(client.tabs); got != 0 {
		t.Fatalf("len(tabs) = %d; want 0", got)
	}
}

func TestOnDetachedClearsMatchingSession(t *testing.T) {
	session := &tabSession{sessionID: "session-1"}
	client := &Client{tabs: map[target.ID]*tabSession{"target-1": session}}

	client.onDetached("", []byte(`{"sessionId":"session-0","targetId":"target-1"}`))
	if session.sessionID != "session-1" {
		t.Fatalf("stale detach cleared session: %q", session.sessionID)
	}

	client.onDetached("", []byte(`{"sessionId":"session-1","targetId":"target-1"}`))
	if session.sessionID != "" {
		t.Fatalf("sessionID = %q; want empty", session.sessionID)
	}
}
