package browser

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLauncherArgs(t *testing.T) {
	l := NewLauncher(Config{
		CDPAddress: "127.0.0.1",
		CDPPort:    9222,
		ProfileDir: "/tmp/profile",
		StartURLs:  []string{"https://a.example/", "https://b.example/"},
	})
	args := l.args()

	assert.Contains(t, args, "--remote-debugging-port=9222")
	assert.Contains(t, args, "--user-data-dir=/tmp/profile")
	assert.Contains(t, args, "--autoplay-policy=no-user-gesture-required")
	assert.Contains(t, args, "--window-size=1920,1080")
	assert.Equal(t, []string{"https://a.example/", "https://b.example/"}, args[len(args)-2:])
}

func TestLauncherArgsDefaultsToBlankPage(t *testing.T) {
	args := NewLauncher(Config{CDPAddress: "127.0.0.1", CDPPort: 9222}).args()
	if got, want := args[len(args)-1], "about:blank"; got != want {
		t.Fatalf("last arg = %q, want %q", got, want)
	}
}

func TestIsPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	if !isPortInUse("127.0.0.1", port) {
		t.Fatalf("isPortInUse(%d) = false, want true", port)
	}
}
