// Package daemon installs chorus serve as a systemd or launchd service.
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

const labelPrefix = "dev.chorus."

// Config holds parameters for service installation.
type Config struct {
	Name       string
	BinaryPath string
	ConfigPath string
	WorkDir    string
	User       string
	LogPath    string
	HomeDir    string
	// System installs a system-wide systemd unit instead of a user unit.
	System bool
}

// Status describes an installed service.
type Status struct {
	Installed bool   `json:"installed"`
	Running   bool   `json:"running"`
	PID       int    `json:"pid,omitempty"`
	UnitPath  string `json:"unit_path,omitempty"`
}

// Runner executes an external command and returns its combined output.
type Runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Manager installs and inspects the service on one platform.
type Manager struct {
	goos string
	run  Runner
}

// NewManager returns a Manager for the running platform.
func NewManager() *Manager {
	return &Manager{goos: runtime.GOOS, run: execRunner}
}

// DefaultConfig returns a Config with auto-detected defaults.
func DefaultConfig() Config {
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/chorus"
	}

	username, homeDir := "root", "/root"
	if u, _ := user.Current(); u != nil {
		username, homeDir = u.Username, u.HomeDir
	}

	base := filepath.Join(homeDir, ".chorus")
	return Config{
		Name:       "chorus",
		BinaryPath: binary,
		ConfigPath: filepath.Join(base, "chorus.yaml"),
		WorkDir:    base,
		User:       username,
		LogPath:    filepath.Join(base, "logs"),
		HomeDir:    homeDir,
	}
}

// Validate checks the Config for correctness.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(c.Name, "/ \t") {
		return fmt.Errorf("service name %q contains a path separator or space", c.Name)
	}
	if c.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	return nil
}

// UnitPath returns where the service definition is written.
func (m *Manager) UnitPath(cfg Config) (string, error) {
	switch m.goos {
	case "linux":
		if cfg.System {
			return filepath.Join("/etc/systemd/system", cfg.Name+".service"), nil
		}
		return filepath.Join(cfg.HomeDir, ".config", "systemd", "user", cfg.Name+".service"), nil
	case "darwin":
		return filepath.Join(cfg.HomeDir, "Library", "LaunchAgents", labelPrefix+cfg.Name+".plist"), nil
	default:
		return "", fmt.Errorf("unsupported platform: %s", m.goos)
	}
}

// Install writes the service definition and starts it.
func (m *Manager) Install(cfg Config) (string, error) {
	path, err := m.UnitPath(cfg)
	if err != nil {
		return "", err
	}
	var content string
	if m.goos == "darwin" {
		content, err = RenderLaunchdPlist(cfg)
	} else {
		content, err = RenderSystemdUnit(cfg)
	}
	if err != nil {
		return "", err
	}

	for _, dir := range []string{cfg.LogPath, cfg.WorkDir, filepath.Dir(path)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	var cmds [][]string
	if m.goos == "darwin" {
		cmds = [][]string{{"launchctl", "load", path}}
	} else {
		cmds = [][]string{
			m.systemctl(cfg, "daemon-reload"),
			m.systemctl(cfg, "enable", cfg.Name),
			m.systemctl(cfg, "start", cfg.Name),
		}
	}
	for _, args := range cmds {
		if out, err := m.run(args[0], args[1:]...); err != nil {
			return path, fmt.Errorf("%s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
		}
	}
	return path, nil
}

// Uninstall stops the service and removes its definition.
func (m *Manager) Uninstall(cfg Config) error {
	path, err := m.UnitPath(cfg)
	if err != nil {
		return err
	}
	if m.goos == "darwin" {
		m.run("launchctl", "unload", path) // best effort
	} else {
		for _, args := range [][]string{
			m.systemctl(cfg, "stop", cfg.Name),
			m.systemctl(cfg, "disable", cfg.Name),
		} {
			m.run(args[0], args[1:]...) // best effort
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if m.goos == "linux" {
		args := m.systemctl(cfg, "daemon-reload")
		m.run(args[0], args[1:]...)
	}
	return nil
}

// Status reports whether the service is installed and running.
func (m *Manager) Status(cfg Config) (*Status, error) {
	path, err := m.UnitPath(cfg)
	if err != nil {
		return nil, err
	}
	st := &Status{UnitPath: path}
	if _, err := os.Stat(path); err == nil {
		st.Installed = true
	}

	if m.goos == "darwin" {
		out, err := m.run("launchctl", "list", labelPrefix+cfg.Name)
		if err != nil {
			return st, nil
		}
		st.Running = true
		st.PID = parseLaunchctlPID(string(out))
		return st, nil
	}

	args := m.systemctl(cfg, "is-active", cfg.Name)
	out, _ := m.run(args[0], args[1:]...)
	st.Running = strings.TrimSpace(string(out)) == "active"
	if !st.Running {
		return st, nil
	}
	args = m.systemctl(cfg, "show", "--property=MainPID", cfg.Name)
	if pidOut, err := m.run(args[0], args[1:]...); err == nil {
		if _, v, ok := strings.Cut(strings.TrimSpace(string(pidOut)), "="); ok {
			st.PID, _ = strconv.Atoi(v)
		}
	}
	return st, nil
}

func (m *Manager) systemctl(cfg Config, args ...string) []string {
	if cfg.System {
		return append([]string{"systemctl"}, args...)
	}
	return append([]string{"systemctl", "--user"}, args...)
}

func parseLaunchctlPID(out string) int {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, `"PID"`) {
			continue
		}
		_, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.Trim(strings.TrimSpace(v), ";"))
		if err == nil {
			return pid
		}
	}
	return 0
}

// --- systemd ---

const systemdTemplate = `[Unit]
Description={{.Name}} specialist registry and router
After=network.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} serve --config {{.ConfigPath}}
WorkingDirectory={{.WorkDir}}
{{- if .System}}
User={{.User}}
{{- end}}
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogPath}}/{{.Name}}.log
StandardError=append:{{.LogPath}}/{{.Name}}.log
Environment=HOME={{.HomeDir}}

[Install]
WantedBy={{if .System}}multi-user.target{{else}}default.target{{end}}
`

// RenderSystemdUnit renders the systemd service file content.
func RenderSystemdUnit(cfg Config) (string, error) {
	return render("systemd", systemdTemplate, cfg)
}

// --- launchd ---

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + labelPrefix + `{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.HomeDir}}</string>
    </dict>
</dict>
</plist>
`

// RenderLaunchdPlist renders the launchd plist content.
func RenderLaunchdPlist(cfg Config) (string, error) {
	return render("launchd", launchdTemplate, cfg)
}

func render(name, text string, cfg Config) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}
