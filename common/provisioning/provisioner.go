package provisioning

import (
	"context"
	"os"
	"time"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
	"github.com/scusemua/jupyter-kernel-client/common/kernelspec"
)

// LaunchSpec carries everything a provisioner needs to realise one kernel
// launch: the kernel spec, the kernel id, and the connection descriptor the
// kernel should bind to (nil when the provisioner materialises the connection
// out-of-band).
type LaunchSpec struct {
	KernelId string

	// Spec is the launch specification, including the argv template.
	Spec *kernelspec.KernelSpec

	// ConnectionInfo is the descriptor the kernel should bind to. Provisioners
	// that produce their own connection info may ignore it.
	ConnectionInfo *jupyter.ConnectionInfo

	// ConnectionFile is the path of the connection file to substitute for
	// {connection_file}. Empty when the descriptor is ephemeral, in which case
	// the provisioner writes its own temporary file.
	ConnectionFile string

	// Env holds extra environment variables, merged over the kernel spec's env.
	Env map[string]string

	// KeepStdinOpen keeps the kernel's stdin attached; the default closes it.
	KeepStdinOpen bool
}

// LaunchCommand is the effective command a provisioner will run: the argv with
// all tokens substituted, and the fully merged environment.
type LaunchCommand struct {
	Argv []string
	Env  []string
}

// KernelProvisioner is the pluggable lifecycle backend that launches, signals,
// polls, and cleans up one kernel process.
//
// The process handle behind a provisioner is owned by its kernel manager; a
// manager owns exactly one provisioner at a time.
type KernelProvisioner interface {
	// Name returns the provisioner's registered name.
	Name() string

	// PreLaunch resolves the launch spec into the effective command and
	// environment, performing argv token substitution and, if needed, writing
	// the connection file.
	PreLaunch(ctx context.Context, spec *LaunchSpec) (*LaunchCommand, error)

	// Launch starts the kernel process with the given command.
	Launch(ctx context.Context, cmd *LaunchCommand) error

	// Poll reports whether the kernel process is alive.
	Poll() (bool, error)

	// Wait blocks until the kernel process exits or the timeout elapses,
	// returning the exit status. A zero timeout polls without waiting.
	Wait(timeout time.Duration) (jupyter.KernelStatus, error)

	// SendSignal delivers the given signal to the kernel process.
	SendSignal(sig os.Signal) error

	// Terminate requests a graceful stop (SIGTERM or platform equivalent).
	Terminate() error

	// Kill forcibly stops the kernel process.
	Kill() error

	// Cleanup releases resources after the kernel has exited. With restart
	// true, resources that the relaunch will reuse (the connection file) are
	// preserved.
	Cleanup(restart bool) error

	// ConnectionInfo returns the connection descriptor for provisioners that
	// materialise the connection out-of-band.
	ConnectionInfo() (*jupyter.ConnectionInfo, error)

	// LoadConnectionInfo supplies an externally produced descriptor.
	LoadConnectionInfo(info *jupyter.ConnectionInfo)
}
