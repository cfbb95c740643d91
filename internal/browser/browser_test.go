package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-rod/rod/lib/devices"

	"github.com/roelfdiedericks/browserclaw/internal/config"
)

func TestResolveDevice(t *testing.T) {
	tests := []struct {
		name string
		want devices.Device
	}{
		{"", devices.Clear},
		{"clear", devices.Clear},
		{"CLEAR", devices.Clear},
		{"laptop", devices.LaptopWithMDPIScreen},
		{"laptop-mdpi", devices.LaptopWithMDPIScreen},
		{"iphone-x", devices.IPhoneX},
		{"bogus-device", devices.Clear},
	}
	for _, tt := range tests {
		m := &Manager{cfg: config.BrowserConfig{Device: tt.name}}
		if got := m.ResolveDevice(); got.Title != tt.want.Title {
			t.Errorf("device %q: got %q, want %q", tt.name, got.Title, tt.want.Title)
		}
	}
}

func TestCleanupStaleLocks(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	keeper := filepath.Join(dir, "Preferences")
	if err := os.WriteFile(keeper, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	cleanupStaleLocks(dir)

	for _, name := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s not removed", name)
		}
	}
	if _, err := os.Stat(keeper); err != nil {
		t.Error("unrelated profile file removed")
	}
}

func TestIsExternal(t *testing.T) {
	local := &Manager{cfg: config.BrowserConfig{}}
	if local.IsExternal() {
		t.Error("launched browser reported as external")
	}
	attached := &Manager{cfg: config.BrowserConfig{ChromeCDP: "ws://localhost:9222"}}
	if !attached.IsExternal() {
		t.Error("attached Chrome not reported as external")
	}
}
