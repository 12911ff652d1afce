package manager

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zhubert/plural-acp/config"
	"github.com/zhubert/plural-acp/permission"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusError, "error"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestHandshakeError(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("connect: %w", &HandshakeError{Step: "initialize", Err: cause})

	if !errors.Is(err, ErrHandshake) {
		t.Error("errors.Is(err, ErrHandshake) = false")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("HandshakeError does not unwrap to its cause")
	}
	var he *HandshakeError
	if !errors.As(err, &he) || he.Step != "initialize" {
		t.Errorf("errors.As = %+v", he)
	}
	if got := he.Error(); got != "initialize failed: context deadline exceeded" {
		t.Errorf("Error() = %q", got)
	}
}

func TestOptionsFromSettings(t *testing.T) {
	s := config.DefaultSettings()
	s.TerminalAccess = true
	s.BypassPermissions = true
	s.GracePeriod = 3 * time.Second

	opts, err := OptionsFromSettings(s, "/work")
	if err != nil {
		t.Fatalf("OptionsFromSettings: %v", err)
	}
	if opts.Cwd != "/work" || !opts.TerminalAccess || !opts.BypassPermissions || opts.GracePeriod != 3*time.Second {
		t.Errorf("opts = %+v", opts)
	}
	if len(opts.Permissions.Order) == 0 {
		t.Error("permission order not populated")
	}
	if _, ok := opts.Launcher.(ProcessLauncher); !ok {
		t.Errorf("Launcher = %T, want ProcessLauncher", opts.Launcher)
	}
}

func TestOptions_ApplyDefaults(t *testing.T) {
	var o Options
	if err := o.applyDefaults(); err != nil {
		t.Fatal(err)
	}
	if o.Cwd == "" || o.Launcher == nil || o.Log == nil {
		t.Errorf("defaults not applied: %+v", o)
	}
	if o.GracePeriod != config.DefaultGracePeriod || o.HandshakeTimeout != config.DefaultHandshakeTimeout {
		t.Errorf("timeouts = %v, %v", o.GracePeriod, o.HandshakeTimeout)
	}
}

func TestNew_RejectsBadPermissionOrder(t *testing.T) {
	_, err := New(Options{
		Cwd:         t.TempDir(),
		Permissions: permission.Config{Order: []permission.Policy{"nonsense"}},
		Log:         testLogger(),
	})
	if err == nil {
		t.Fatal("New accepted an unknown policy")
	}
}
