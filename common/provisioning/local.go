package provisioning

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
)

const (
	// LocalProvisionerName is the name the bundled provisioner registers under.
	LocalProvisionerName = "local"

	// ConnectionFileFormat names provisioner-written connection files;
	// "*" is a placeholder for a random string.
	ConnectionFileFormat = "connection-%s-*.json"
)

// LocalProvisioner spawns the kernel as a subprocess of this process, with the
// kernel spec's argv after token substitution and the merged environment.
//
// Stdin stays attached to the child when requested; stdout and stderr are
// inherited. Signal delivery uses real POSIX signals; kernels whose spec
// declares interrupt_mode "message" are interrupted by the manager over the
// control channel instead.
type LocalProvisioner struct {
	mu sync.Mutex

	cmd    *exec.Cmd
	closed chan struct{}

	connInfo *jupyter.ConnectionInfo

	// connectionFile is the file this provisioner wrote (and owns), if any.
	connectionFile string

	// ownsConnectionFile is true when the file was created by PreLaunch rather
	// than supplied by the manager.
	ownsConnectionFile bool

	kernelId  string
	exitCode  int
	launched  bool
	keepStdin bool

	log logger.Logger
}

func NewLocalProvisioner() *LocalProvisioner {
	provisioner := &LocalProvisioner{
		exitCode: -1,
	}
	config.InitLogger(&provisioner.log, "LocalProvisioner ")
	return provisioner
}

func (p *LocalProvisioner) Name() string {
	return LocalProvisionerName
}

// PreLaunch resolves the launch spec: it ensures a connection file exists on
// disk (writing a temporary one for ephemeral descriptors), substitutes the
// argv tokens, and merges the environment.
func (p *LocalProvisioner) PreLaunch(_ context.Context, spec *LaunchSpec) (*LaunchCommand, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if spec.Spec == nil {
		return nil, errors.Wrap(jupyter.ErrStartFailed, "launch spec has no kernel spec")
	}

	if err := spec.Spec.Validate(); err != nil {
		return nil, err
	}

	p.kernelId = spec.KernelId

	connectionFile := spec.ConnectionFile
	if connectionFile == "" {
		if spec.ConnectionInfo == nil {
			return nil, errors.Wrap(jupyter.ErrStartFailed, "launch spec has neither a connection file nor a connection descriptor")
		}

		f, err := os.CreateTemp("", fmt.Sprintf(ConnectionFileFormat, spec.KernelId))
		if err != nil {
			return nil, err
		}
		connectionFile = f.Name()
		_ = f.Close()

		if err = spec.ConnectionInfo.Write(connectionFile); err != nil {
			_ = os.Remove(connectionFile)
			return nil, err
		}

		p.ownsConnectionFile = true
		p.log.Debug("Wrote connection file \"%s\" for kernel %s.", connectionFile, spec.KernelId)
	}

	p.connectionFile = connectionFile
	p.connInfo = spec.ConnectionInfo
	p.keepStdin = spec.KeepStdinOpen

	argv := spec.Spec.SubstituteArgv(connectionFile)

	env := os.Environ()
	for name, value := range spec.Spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", name, value))
	}
	for name, value := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", name, value))
	}

	p.log.Debug("Prepared launch command for kernel %s: %v", spec.KernelId, argv)

	return &LaunchCommand{Argv: argv, Env: env}, nil
}

// Launch starts the kernel process.
func (p *LocalProvisioner) Launch(ctx context.Context, cmd *LaunchCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(cmd.Argv) == 0 {
		return errors.Wrap(jupyter.ErrStartFailed, "empty launch command")
	}

	p.log.Debug("Launching kernel %s: \"%v\"", p.kernelId, cmd.Argv)

	p.cmd = exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	p.cmd.Env = cmd.Env
	p.cmd.Stdout = os.Stdout
	p.cmd.Stderr = os.Stderr
	if p.keepStdin {
		p.cmd.Stdin = os.Stdin
	}

	if err := p.cmd.Start(); err != nil {
		return errors.Wrapf(jupyter.ErrStartFailed, "could not start \"%s\": %v", cmd.Argv[0], err)
	}

	p.launched = true
	p.closed = make(chan struct{})

	go func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		if p.cmd.ProcessState != nil {
			p.exitCode = p.cmd.ProcessState.ExitCode()
		}
		p.mu.Unlock()

		if err != nil {
			p.log.Debug("Kernel %s exited with error: %v", p.kernelId, err)
		}

		close(p.closed)
	}()

	return nil
}

// Poll reports whether the kernel process is alive.
func (p *LocalProvisioner) Poll() (bool, error) {
	p.mu.Lock()
	closed := p.closed
	launched := p.launched
	p.mu.Unlock()

	if !launched {
		return false, jupyter.ErrKernelNotLaunched
	}

	select {
	case <-closed:
		return false, nil
	default:
		return true, nil
	}
}

// Wait blocks until the kernel process exits or the timeout elapses. A zero
// timeout polls without waiting.
func (p *LocalProvisioner) Wait(timeout time.Duration) (jupyter.KernelStatus, error) {
	p.mu.Lock()
	closed := p.closed
	launched := p.launched
	p.mu.Unlock()

	if !launched {
		return jupyter.KernelStatusAbnormal, jupyter.ErrKernelNotLaunched
	}

	if timeout == 0 {
		select {
		case <-closed:
			return p.exitStatus(), nil
		default:
			return jupyter.KernelStatusRunning, jupyter.ErrRequestTimedOut
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-closed:
		return p.exitStatus(), nil
	case <-timer.C:
		return jupyter.KernelStatusRunning, jupyter.ErrRequestTimedOut
	}
}

func (p *LocalProvisioner) exitStatus() jupyter.KernelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exitCode < 0 {
		return jupyter.KernelStatusAbnormal
	}

	return jupyter.KernelStatus(p.exitCode)
}

// SendSignal delivers the given signal to the kernel process.
func (p *LocalProvisioner) SendSignal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return jupyter.ErrKernelNotLaunched
	}

	p.log.Debug("Signaling kernel %s with %v...", p.kernelId, sig)
	return p.cmd.Process.Signal(sig)
}

// Terminate requests a graceful stop with SIGTERM.
func (p *LocalProvisioner) Terminate() error {
	return p.SendSignal(syscall.SIGTERM)
}

// Kill forcibly stops the kernel process.
func (p *LocalProvisioner) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return jupyter.ErrKernelNotLaunched
	}

	p.log.Debug("Killing kernel %s...", p.kernelId)
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	return nil
}

// Cleanup removes the provisioner-owned connection file. With restart true the
// file is preserved so the relaunch can reuse the same ports.
func (p *LocalProvisioner) Cleanup(restart bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if restart || !p.ownsConnectionFile || p.connectionFile == "" {
		return nil
	}

	p.log.Debug("Removing connection file \"%s\".", p.connectionFile)
	err := os.Remove(p.connectionFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	p.connectionFile = ""
	return nil
}

// ConnectionInfo returns the descriptor the kernel was launched with.
func (p *LocalProvisioner) ConnectionInfo() (*jupyter.ConnectionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connInfo == nil {
		return nil, jupyter.ErrKernelNotLaunched
	}

	return p.connInfo, nil
}

// LoadConnectionInfo supplies an externally produced descriptor.
func (p *LocalProvisioner) LoadConnectionInfo(info *jupyter.ConnectionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connInfo = info
}

// ConnectionFile returns the path of the connection file in use, if any.
func (p *LocalProvisioner) ConnectionFile() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connectionFile
}
