// Package browser launches or attaches to the Chromium instance the adapter
// drives, and keeps it alive across crashes.
package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/devices"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/roelfdiedericks/browserclaw/internal/config"
	. "github.com/roelfdiedericks/browserclaw/internal/logging"
)

// cleanupStaleLocks removes Chrome lock files left behind by crashed
// sessions. Chrome refuses to start while they exist.
func cleanupStaleLocks(profileDir string) {
	lockFiles := []string{
		"SingletonLock",
		"SingletonCookie",
		"SingletonSocket",
	}

	for _, lockFile := range lockFiles {
		lockPath := filepath.Join(profileDir, lockFile)
		if _, err := os.Stat(lockPath); err == nil {
			if err := os.Remove(lockPath); err != nil {
				L_warn("browser: failed to remove stale lock file", "file", lockPath, "error", err)
			} else {
				L_info("browser: removed stale lock file", "file", lockPath)
			}
		}
	}
}

// Manager owns the single browser instance and relaunches it when the CDP
// connection dies.
type Manager struct {
	cfg     config.BrowserConfig
	homeDir string

	mu      sync.Mutex
	browser *rod.Browser
}

func NewManager(cfg config.BrowserConfig) (*Manager, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("home directory: %w", err)
	}
	return &Manager{cfg: cfg, homeDir: homeDir}, nil
}

// Browser returns the live browser, launching or attaching on first use and
// relaunching when the existing instance is gone.
func (m *Manager) Browser() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		// rod has no IsConnected; probe with a cheap CDP call and recover
		// from the panic a dead client may throw.
		connected := func() (ok bool) {
			defer func() {
				if r := recover(); r != nil {
					L_debug("browser: connection check panicked, browser is dead", "panic", r)
					ok = false
				}
			}()
			_, err := m.browser.Call(nil, "", "Browser.getVersion", nil)
			return err == nil
		}()
		if connected {
			return m.browser, nil
		}
		L_warn("browser: instance disconnected, relaunching")
		m.browser = nil
	}

	browser, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = browser
	return browser, nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	// Attaching to an existing Chrome takes priority over launching.
	if m.cfg.ChromeCDP != "" {
		return m.attach()
	}

	dataDir := m.cfg.ResolveDataDir(m.homeDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	cleanupStaleLocks(dataDir)

	L_debug("browser: launching", "dataDir", dataDir, "headless", m.cfg.Headless)

	l := launcher.New().
		UserDataDir(dataDir).
		Headless(m.cfg.Headless).
		Set("disable-dev-shm-usage") // Docker/limited memory

	if m.cfg.Bin != "" {
		l = l.Bin(m.cfg.Bin)
	}

	// Headed Chrome defaults to a tiny window; force a desktop layout.
	if !m.cfg.Headless {
		l = l.Set("window-size", "1920,1080").
			Set("start-maximized")
	}

	if m.cfg.Stealth {
		l = l.Set("disable-blink-features", "AutomationControlled")
	}

	if m.cfg.NoSandbox {
		l = l.Set("no-sandbox")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	// Rod defaults to LaptopWithMDPIScreen which constrains the viewport.
	browser.DefaultDevice(m.ResolveDevice())

	L_info("browser: launched", "controlURL", controlURL)
	return browser, nil
}

func (m *Manager) attach() (*rod.Browser, error) {
	endpoint := m.cfg.ChromeCDP
	L_info("browser: attaching to Chrome", "endpoint", endpoint)

	browser := rod.New().ControlURL(endpoint)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to Chrome at %s: %w", endpoint, err)
	}
	return browser, nil
}

// NewPage opens a fresh tab, stealth-patched when configured. The tab
// session manager creates all its pages through here so the stealth JS
// patch applies to every tab, not just the launcher flags.
func (m *Manager) NewPage(url string) (*rod.Page, error) {
	browser, err := m.Browser()
	if err != nil {
		return nil, err
	}
	if m.cfg.Stealth {
		page, err := stealth.Page(browser)
		if err != nil {
			return nil, err
		}
		if url != "" {
			if err := page.Navigate(url); err != nil {
				return nil, err
			}
		}
		return page, nil
	}
	return browser.Page(proto.TargetCreateTarget{URL: url})
}

// IsExternal reports whether the browser belongs to the user rather than to
// us, in which case Close leaves it running.
func (m *Manager) IsExternal() bool {
	return m.cfg.ChromeCDP != ""
}

// Close shuts down a browser we launched ourselves.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return
	}
	if m.IsExternal() {
		L_debug("browser: leaving external Chrome running")
		m.browser = nil
		return
	}
	m.browser.Close()
	m.browser = nil
	L_debug("browser: closed")
}

// ResolveDevice maps the configured friendly device name to a rod device.
// "clear" (the default) means no emulation; the page fills the window.
func (m *Manager) ResolveDevice() devices.Device {
	switch strings.ToLower(m.cfg.Device) {
	case "", "clear":
		return devices.Clear
	case "laptop", "laptop-mdpi":
		return devices.LaptopWithMDPIScreen
	case "laptop-hidpi":
		return devices.LaptopWithHiDPIScreen
	case "laptop-touch":
		return devices.LaptopWithTouch
	case "iphone-x":
		return devices.IPhoneX
	case "iphone-8":
		return devices.IPhone6or7or8
	case "ipad":
		return devices.IPad
	case "pixel-2":
		return devices.Pixel2
	case "galaxy-s5":
		return devices.GalaxyS5
	default:
		L_warn("browser: unknown device name, using clear", "device", m.cfg.Device)
		return devices.Clear
	}
}
