package agent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/execbridge/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []bridge.Event
}

func (s *sinkRecorder) record(e bridge.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sinkRecorder) NormalLine(text string)    { s.record(bridge.NormalLine(text)) }
func (s *sinkRecorder) NormalPartial(text string) { s.record(bridge.NormalPartial(text)) }
func (s *sinkRecorder) ErrorLine(text string)     { s.record(bridge.ErrorLine(text)) }
func (s *sinkRecorder) ErrorPartial(text string)  { s.record(bridge.ErrorPartial(text)) }

// writeFakeInstaller writes a shell script that echoes its arguments and working directory, then exits with code.
func writeFakeInstaller(t *testing.T, code int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tman")
	script := "#!/bin/sh\n" +
		"echo \"args: $*\"\n" +
		"echo \"dir: $(pwd -P)\"\n" +
		"echo \"registry: $TMAN_REGISTRY\"\n" +
		"echo 'warning: cache miss' 1>&2\n" +
		"exit " + strconv.Itoa(code) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestInstallRequestPackageRef(t *testing.T) {
	assert.Equal(t, "ext_a@1.0.0", InstallRequest{PkgName: "ext_a", PkgVersion: "1.0.0"}.PackageRef())
	assert.Equal(t, "ext_a", InstallRequest{PkgName: "ext_a"}.PackageRef())
}

func TestCommandInstaller(t *testing.T) {
	installer := &CommandInstaller{
		Path: writeFakeInstaller(t, 0),
		Env:  []string{"TMAN_REGISTRY=https://registry.example"},
		Log:  log,
	}
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	cases := []struct {
		name     string
		req      InstallRequest
		wantArgs string
	}{
		{
			name:     "single package",
			req:      InstallRequest{BaseDir: dir, PkgType: "extension", PkgName: "ext_a", PkgVersion: "1.0.0"},
			wantArgs: "args: install extension ext_a@1.0.0",
		},
		{
			name:     "all dependencies",
			req:      InstallRequest{BaseDir: dir},
			wantArgs: "args: install",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			out := &sinkRecorder{}
			require.NoError(t, installer.Install(ctx, c.req, out))

			assert.ElementsMatch(t, []bridge.Event{
				bridge.NormalLine(c.wantArgs),
				bridge.NormalLine("dir: " + dir),
				bridge.NormalLine("registry: https://registry.example"),
				bridge.ErrorLine("warning: cache miss"),
			}, out.events)
		})
	}
}

func TestCommandInstallerFailure(t *testing.T) {
	installer := &CommandInstaller{Path: writeFakeInstaller(t, 4)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := installer.Install(ctx, InstallRequest{BaseDir: t.TempDir()}, &sinkRecorder{})
	require.Error(t, err)

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 4, exitErr.ExitCode())
}

func TestCommandInstallerNotConfigured(t *testing.T) {
	err := (&CommandInstaller{}).Install(context.Background(), InstallRequest{}, &sinkRecorder{})
	assert.ErrorIs(t, err, errInstallerNotConfigured)
}

func TestCommandInstallerThroughAgent(t *testing.T) {
	a := startAgent(t, WithInstaller(&CommandInstaller{Path: writeFakeInstaller(t, 4)}))
	client := newTestClient(t, "http://"+a.addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events := &eventLog{}
	stream, err := client.Install(ctx, InstallRequest{BaseDir: t.TempDir(), PkgType: "app", PkgName: "demo"}, events.add)
	require.NoError(t, err)
	defer stream.Close()

	exit, err := stream.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, exit.Code)
	assert.Contains(t, exit.Message, "exit status 4")
	assert.Contains(t, events.texts(bridge.KindNormalLine), "args: install app demo")
	assert.Equal(t, []string{"warning: cache miss"}, events.texts(bridge.KindErrorLine))
}
