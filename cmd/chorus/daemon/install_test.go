package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls  []string
	output map[string]string
	fail   map[string]bool
}

func (r *recorder) run(name string, args ...string) ([]byte, error) {
	call := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, call)
	if r.fail[call] {
		return []byte("boom"), errors.New("exit status 1")
	}
	return []byte(r.output[call]), nil
}

func testConfig(home string) Config {
	return Config{
		Name:       "chorus",
		BinaryPath: "/usr/local/bin/chorus",
		ConfigPath: filepath.Join(home, ".chorus", "chorus.yaml"),
		WorkDir:    filepath.Join(home, ".chorus"),
		User:       "ci",
		LogPath:    filepath.Join(home, ".chorus", "logs"),
		HomeDir:    home,
	}
}

func TestRenderSystemdUnit(t *testing.T) {
	cfg := testConfig("/home/ci")

	content, err := RenderSystemdUnit(cfg)
	require.NoError(t, err)
	assert.Contains(t, content, "ExecStart=/usr/local/bin/chorus serve --config /home/ci/.chorus/chorus.yaml")
	assert.Contains(t, content, "StandardOutput=append:/home/ci/.chorus/logs/chorus.log")
	assert.Contains(t, content, "WantedBy=default.target")
	assert.NotContains(t, content, "User=")

	cfg.System = true
	content, err = RenderSystemdUnit(cfg)
	require.NoError(t, err)
	assert.Contains(t, content, "User=ci")
	assert.Contains(t, content, "WantedBy=multi-user.target")
}

func TestRenderLaunchdPlist(t *testing.T) {
	content, err := RenderLaunchdPlist(testConfig("/Users/ci"))
	require.NoError(t, err)
	for _, want := range []string{
		"<string>dev.chorus.chorus</string>",
		"<string>serve</string>",
		"/Users/ci/.chorus/chorus.yaml",
		"RunAtLoad",
		"chorus.log",
	} {
		assert.Contains(t, content, want)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "chorus", cfg.Name)
	assert.NotEmpty(t, cfg.BinaryPath)
	assert.NotEmpty(t, cfg.User)
	assert.Equal(t, filepath.Join(cfg.HomeDir, ".chorus", "chorus.yaml"), cfg.ConfigPath)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Name: "a b", BinaryPath: "/bin/sh"}).Validate())
	assert.Error(t, (&Config{Name: "test"}).Validate())
	assert.Error(t, (&Config{Name: "test", BinaryPath: "/nonexistent/binary"}).Validate())

	notExec := filepath.Join(t.TempDir(), "notexec")
	require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh"), 0o644))
	err := (&Config{Name: "test", BinaryPath: notExec}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not executable")

	exe, err := os.Executable()
	require.NoError(t, err)
	assert.NoError(t, (&Config{Name: "test", BinaryPath: exe}).Validate())
}

func TestUnitPath(t *testing.T) {
	cfg := testConfig("/home/ci")

	path, err := (&Manager{goos: "linux"}).UnitPath(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/home/ci/.config/systemd/user/chorus.service", path)

	cfg.System = true
	path, err = (&Manager{goos: "linux"}).UnitPath(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/etc/systemd/system/chorus.service", path)

	path, err = (&Manager{goos: "darwin"}).UnitPath(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/home/ci/Library/LaunchAgents/dev.chorus.chorus.plist", path)

	_, err = (&Manager{goos: "plan9"}).UnitPath(cfg)
	assert.ErrorContains(t, err, "unsupported platform")
}

func TestInstallUserUnit(t *testing.T) {
	home := t.TempDir()
	rec := &recorder{}
	m := &Manager{goos: "linux", run: rec.run}

	path, err := m.Install(testConfig(home))
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.DirExists(t, filepath.Join(home, ".chorus", "logs"))
	assert.Equal(t, []string{
		"systemctl --user daemon-reload",
		"systemctl --user enable chorus",
		"systemctl --user start chorus",
	}, rec.calls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "serve --config")
}

func TestInstallReportsCommandFailure(t *testing.T) {
	rec := &recorder{fail: map[string]bool{"systemctl --user enable chorus": true}}
	m := &Manager{goos: "linux", run: rec.run}

	_, err := m.Install(testConfig(t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "systemctl --user enable chorus: boom")
}

func TestUninstall(t *testing.T) {
	home := t.TempDir()
	rec := &recorder{}
	m := &Manager{goos: "linux", run: rec.run}
	cfg := testConfig(home)

	path, err := m.Install(cfg)
	require.NoError(t, err)
	rec.calls = nil

	require.NoError(t, m.Uninstall(cfg))
	assert.NoFileExists(t, path)
	assert.Equal(t, "systemctl --user stop chorus", rec.calls[0])

	// Uninstalling twice is fine.
	assert.NoError(t, m.Uninstall(cfg))
}

func TestStatusSystemd(t *testing.T) {
	rec := &recorder{output: map[string]string{
		"systemctl --user is-active chorus":               "active\n",
		"systemctl --user show --property=MainPID chorus": "MainPID=4242\n",
	}}
	m := &Manager{goos: "linux", run: rec.run}

	st, err := m.Status(testConfig(t.TempDir()))
	require.NoError(t, err)
	assert.False(t, st.Installed)
	assert.True(t, st.Running)
	assert.Equal(t, 4242, st.PID)
}

func TestStatusLaunchd(t *testing.T) {
	rec := &recorder{output: map[string]string{
		"launchctl list dev.chorus.chorus": "{\n\t\"LimitLoadToSessionType\" = \"Aqua\";\n\t\"PID\" = 311;\n};\n",
	}}
	m := &Manager{goos: "darwin", run: rec.run}

	st, err := m.Status(testConfig(t.TempDir()))
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 311, st.PID)

	rec.fail = map[string]bool{"launchctl list dev.chorus.chorus": true}
	st, err = m.Status(testConfig(t.TempDir()))
	require.NoError(t, err)
	assert.False(t, st.Running)
}
