package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/guseggert/execbridge/bridge"
	"go.uber.org/zap"
)

// InstallRequest describes a package installation. An empty PkgName means "install everything the manifest in BaseDir depends on".
type InstallRequest struct {
	BaseDir    string
	PkgType    string
	PkgName    string
	PkgVersion string
}

// PackageRef returns "name@version", or just the name when no version was requested.
func (r InstallRequest) PackageRef() string {
	if r.PkgVersion == "" {
		return r.PkgName
	}
	return r.PkgName + "@" + r.PkgVersion
}

// Installer performs a blocking package installation, reporting progress to out as it goes.
type Installer interface {
	Install(ctx context.Context, req InstallRequest, out bridge.Sink) error
}

type InstallerFunc func(ctx context.Context, req InstallRequest, out bridge.Sink) error

func (f InstallerFunc) Install(ctx context.Context, req InstallRequest, out bridge.Sink) error {
	return f(ctx, req, out)
}

// CommandInstaller installs packages by running an external package manager, e.g. "tman install extension foo@1.0.0".
type CommandInstaller struct {
	Path string
	Env  []string
	Log  *zap.SugaredLogger
}

var errInstallerNotConfigured = errors.New("no installer configured")

func (i *CommandInstaller) Install(ctx context.Context, req InstallRequest, out bridge.Sink) error {
	if i.Path == "" {
		return errInstallerNotConfigured
	}
	args := []string{"install"}
	if req.PkgName != "" {
		args = append(args, req.PkgType, req.PackageRef())
	}

	cmd := exec.CommandContext(ctx, i.Path, args...)
	cmd.Dir = req.BaseDir
	if len(i.Env) > 0 {
		cmd.Env = append(os.Environ(), i.Env...)
	}
	stdout := bridge.SinkWriter(out, false)
	stderr := bridge.SinkWriter(out, true)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if i.Log != nil {
		i.Log.Debugw("running installer", "Path", i.Path, "Args", args, "Dir", req.BaseDir)
	}
	err := cmd.Run()
	stdout.Close()
	stderr.Close()
	if err != nil {
		return fmt.Errorf("%s %v: %w", i.Path, args, err)
	}
	return nil
}
