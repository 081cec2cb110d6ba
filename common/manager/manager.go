package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
	"github.com/scusemua/jupyter-kernel-client/common/jupyter/client"
	"github.com/scusemua/jupyter-kernel-client/common/jupyter/messaging"
	"github.com/scusemua/jupyter-kernel-client/common/kernelspec"
	"github.com/scusemua/jupyter-kernel-client/common/provisioning"
	"github.com/scusemua/jupyter-kernel-client/common/utils"
)

const (
	KernelStateUnstarted KernelState = iota
	KernelStateStarting
	KernelStateRunning
	KernelStateRestarting
	KernelStateShuttingDown
	KernelStateDead
)

// KernelState is the lifecycle state of a managed kernel:
// Unstarted -> Starting -> Running -> (Restarting | ShuttingDown) -> Dead.
type KernelState int32

func (s KernelState) String() string {
	return [...]string{"Unstarted", "Starting", "Running", "Restarting", "ShuttingDown", "Dead"}[s]
}

// KernelStateListener observes lifecycle transitions.
type KernelStateListener func(old KernelState, new KernelState)

const (
	DefaultStartupTimeout  = 60 * time.Second
	DefaultRestartTimeout  = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultAutoRestartLimit bounds consecutive automatic restarts within
	// DefaultAutoRestartWindow; beyond it the kernel is declared dead.
	DefaultAutoRestartLimit  = 5
	DefaultAutoRestartWindow = 30 * time.Second

	// keyLength is the length of generated HMAC keys, in characters.
	keyLength = 32
)

var (
	ErrInvalidStateTransition = errors.New("invalid kernel lifecycle transition")
)

// KernelManager owns one kernel's connection descriptor, provisioner, and
// client, and orchestrates start / interrupt / restart / shutdown with
// timeouts.
//
// Only one lifecycle operation runs at a time per manager; concurrent callers
// wait on the manager's mutex. State transitions are published to attached
// KernelStateListeners.
type KernelManager struct {
	id   string
	spec *kernelspec.KernelSpec

	provisionerName string
	provisioner     provisioning.KernelProvisioner

	connInfo       *jupyter.ConnectionInfo
	connectionFile string
	useRuntimeDir  bool
	ephemeral      bool

	kernelClient *client.KernelClient

	// opMutex serialises lifecycle operations.
	opMutex sync.Mutex

	state int32

	listenersMu sync.RWMutex
	listeners   []KernelStateListener

	StartupTimeout  time.Duration
	RestartTimeout  time.Duration
	ShutdownTimeout time.Duration

	AutoRestart       bool
	autoRestartLimit  int
	autoRestartWindow time.Duration

	// restartTimes records recent automatic restarts for the sliding window.
	restartsMu   sync.Mutex
	restartTimes []time.Time

	// generation increments per (re)launch so stale monitors retire quietly.
	generation int64

	stdinHandler client.StdinHandler
	stdinTimeout time.Duration

	log logger.Logger
}

type ManagerOption func(*KernelManager)

// WithProvisioner selects the named provisioner backend. Default: "local".
func WithProvisioner(name string) ManagerOption {
	return func(m *KernelManager) {
		m.provisionerName = name
	}
}

// WithConnectionFile makes the manager write (and own) the connection file at
// the given path instead of using a provisioner-managed temporary file.
func WithConnectionFile(path string) ManagerOption {
	return func(m *KernelManager) {
		m.connectionFile = path
	}
}

// WithRuntimeConnectionFile places the connection file in the jupyter runtime
// directory (JUPYTER_RUNTIME_DIR or the data-dir default), named after the
// kernel id.
func WithRuntimeConnectionFile() ManagerOption {
	return func(m *KernelManager) {
		m.useRuntimeDir = true
	}
}

// WithConnectionInfo supplies a pre-bound descriptor instead of binding
// ephemeral ports at start.
func WithConnectionInfo(info *jupyter.ConnectionInfo) ManagerOption {
	return func(m *KernelManager) {
		m.connInfo = info
	}
}

// WithAutoRestart enables automatic restart on unexpected kernel exit, up to
// limit consecutive restarts within the sliding window.
func WithAutoRestart(limit int, window time.Duration) ManagerOption {
	return func(m *KernelManager) {
		m.AutoRestart = true
		if limit > 0 {
			m.autoRestartLimit = limit
		}
		if window > 0 {
			m.autoRestartWindow = window
		}
	}
}

// WithStdinHandler registers the stdin consumer installed on every client the
// manager creates.
func WithStdinHandler(handler client.StdinHandler, timeout time.Duration) ManagerOption {
	return func(m *KernelManager) {
		m.stdinHandler = handler
		m.stdinTimeout = timeout
	}
}

// NewKernelManager creates a manager for the given kernel spec. The kernel is
// not started until StartKernel is called.
func NewKernelManager(spec *kernelspec.KernelSpec, opts ...ManagerOption) *KernelManager {
	manager := &KernelManager{
		id:                uuid.NewString(),
		spec:              spec,
		provisionerName:   provisioning.LocalProvisionerName,
		state:             int32(KernelStateUnstarted),
		StartupTimeout:    DefaultStartupTimeout,
		RestartTimeout:    DefaultRestartTimeout,
		ShutdownTimeout:   DefaultShutdownTimeout,
		autoRestartLimit:  DefaultAutoRestartLimit,
		autoRestartWindow: DefaultAutoRestartWindow,
	}

	for _, opt := range opts {
		opt(manager)
	}

	config.InitLogger(&manager.log, fmt.Sprintf("KernelManager %s ", manager.id[:8]))

	return manager
}

// ID returns the manager's unique kernel id.
func (m *KernelManager) ID() string {
	return m.id
}

// KernelSpec returns the launch specification.
func (m *KernelManager) KernelSpec() *kernelspec.KernelSpec {
	return m.spec
}

// ConnectionInfo returns the bound connection descriptor, nil before start.
func (m *KernelManager) ConnectionInfo() *jupyter.ConnectionInfo {
	return m.connInfo
}

// Client returns the kernel client, nil unless Running.
func (m *KernelManager) Client() *client.KernelClient {
	return m.kernelClient
}

// Provisioner returns the provisioner currently owned by this manager.
func (m *KernelManager) Provisioner() provisioning.KernelProvisioner {
	return m.provisioner
}

// State returns the current lifecycle state.
func (m *KernelManager) State() KernelState {
	return KernelState(atomic.LoadInt32(&m.state))
}

// IsAlive reports whether the provisioner considers the kernel process alive.
func (m *KernelManager) IsAlive() bool {
	if m.provisioner == nil {
		return false
	}

	alive, err := m.provisioner.Poll()
	return err == nil && alive
}

// AddStateListener attaches a listener for lifecycle transitions.
func (m *KernelManager) AddStateListener(listener KernelStateListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *KernelManager) setState(new KernelState) {
	old := KernelState(atomic.SwapInt32(&m.state, int32(new)))
	if old == new {
		return
	}

	m.log.Debug("Kernel %s transitioned: %v -> %v.", m.id, old, new)

	m.listenersMu.RLock()
	listeners := make([]KernelStateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(old, new)
	}
}

// StartKernel launches the kernel and blocks until it is reachable: the
// provisioner reports the process alive and the kernel answers a heartbeat
// echo and a kernel_info_request, all within StartupTimeout.
//
// Valid in Unstarted and Dead. Failure at any step cleans up, transitions to
// Dead, and fails with ErrStartFailed.
func (m *KernelManager) StartKernel(ctx context.Context) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	return m.startKernelLocked(ctx)
}

func (m *KernelManager) startKernelLocked(ctx context.Context) error {
	state := m.State()
	if state != KernelStateUnstarted && state != KernelStateDead {
		return errors.Wrapf(ErrInvalidStateTransition, "cannot start kernel in state %v", state)
	}

	// Ephemeral descriptors are re-bound on a fresh start after death; the
	// old OS-assigned ports may have been reclaimed.
	if state == KernelStateDead && m.ephemeral {
		m.connInfo = nil
	}

	m.setState(KernelStateStarting)

	if err := m.launchLocked(ctx); err != nil {
		m.log.Error(utils.RedStyle.Render("Failed to start kernel %s: %v"), m.id, err)
		m.teardownLocked(false)
		m.setState(KernelStateDead)

		if errors.Is(err, jupyter.ErrStartFailed) {
			return err
		}
		return errors.Wrapf(jupyter.ErrStartFailed, "%v", err)
	}

	m.setState(KernelStateRunning)
	m.log.Info("Kernel %s is running.", m.id)

	return nil
}

// launchLocked performs one launch attempt: descriptor binding, connection
// file, provisioner pre-launch + launch, client dial, readiness wait.
func (m *KernelManager) launchLocked(ctx context.Context) error {
	if m.useRuntimeDir && m.connectionFile == "" {
		path, err := jupyter.ConnectionFilePath(m.id)
		if err != nil {
			return err
		}
		m.connectionFile = path
	}

	if m.connInfo == nil {
		info, err := jupyter.NewEphemeralConnectionInfo("127.0.0.1", messaging.JupyterSignatureScheme, utils.GenerateRandomString(keyLength))
		if err != nil {
			return err
		}
		info.KernelName = m.spec.DisplayName
		m.connInfo = info
		m.ephemeral = m.connectionFile == ""
	}

	// Write the connection file if the manager owns one; ephemeral descriptors
	// are handed to the provisioner in memory.
	if m.connectionFile != "" {
		if err := m.connInfo.Write(m.connectionFile); err != nil {
			return err
		}
	}

	provisioner, err := provisioning.NewProvisioner(m.provisionerName)
	if err != nil {
		return err
	}
	m.provisioner = provisioner

	launchSpec := &provisioning.LaunchSpec{
		KernelId:       m.id,
		Spec:           m.spec,
		ConnectionInfo: m.connInfo,
		ConnectionFile: m.connectionFile,
	}

	cmd, err := provisioner.PreLaunch(ctx, launchSpec)
	if err != nil {
		return err
	}

	if err = provisioner.Launch(ctx, cmd); err != nil {
		return err
	}

	// Provisioners that materialise the connection out-of-band override the
	// descriptor here.
	if info, infoErr := provisioner.ConnectionInfo(); infoErr == nil && info != nil {
		m.connInfo = info
	}

	generation := atomic.AddInt64(&m.generation, 1)

	clientOpts := []client.Option{}
	if m.stdinHandler != nil {
		clientOpts = append(clientOpts, client.WithStdinHandler(m.stdinHandler, m.stdinTimeout))
	}

	m.kernelClient = client.NewKernelClient(ctx, m.id, m.connInfo, clientOpts...)

	dialCtx, cancelDial := context.WithTimeout(ctx, m.StartupTimeout)
	defer cancelDial()

	if err = m.kernelClient.Dial(dialCtx); err != nil {
		return err
	}

	if alive, pollErr := provisioner.Poll(); pollErr != nil || !alive {
		return errors.Wrap(jupyter.ErrStartFailed, "kernel process exited during startup")
	}

	if err = m.kernelClient.WaitForReady(dialCtx, m.StartupTimeout); err != nil {
		return err
	}

	go m.monitor(generation)

	return nil
}

// monitor watches for unexpected kernel exit. On exit while Running it either
// performs an automatic restart (when enabled and within the sliding-window
// budget) or declares the kernel dead, failing all pending requests.
func (m *KernelManager) monitor(generation int64) {
	provisioner := m.provisioner
	if provisioner == nil {
		return
	}

	for {
		status, err := provisioner.Wait(time.Second)
		if err == nil {
			m.handleKernelExit(generation, status)
			return
		}

		if !errors.Is(err, jupyter.ErrRequestTimedOut) {
			return
		}

		// A newer launch owns the provisioner slot now.
		if atomic.LoadInt64(&m.generation) != generation {
			return
		}
	}
}

func (m *KernelManager) handleKernelExit(generation int64, status jupyter.KernelStatus) {
	if atomic.LoadInt64(&m.generation) != generation {
		return
	}

	if m.State() != KernelStateRunning {
		// Expected exit: a lifecycle operation is already in charge.
		return
	}

	m.log.Warn(utils.OrangeStyle.Render("Kernel %s exited unexpectedly with status %v."), m.id, status)

	if m.AutoRestart && m.recordAutoRestart() {
		m.log.Info("Auto-restarting kernel %s.", m.id)
		if err := m.RestartKernel(context.Background(), true); err != nil {
			m.log.Error(utils.RedStyle.Render("Auto-restart of kernel %s failed: %v"), m.id, err)
		}
		return
	}

	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	if m.State() != KernelStateRunning {
		return
	}

	m.teardownLocked(false)
	m.setState(KernelStateDead)
}

// recordAutoRestart accounts one automatic restart against the sliding window,
// returning false once the budget is exhausted.
func (m *KernelManager) recordAutoRestart() bool {
	m.restartsMu.Lock()
	defer m.restartsMu.Unlock()

	now := time.Now()
	kept := m.restartTimes[:0]
	for _, t := range m.restartTimes {
		if now.Sub(t) <= m.autoRestartWindow {
			kept = append(kept, t)
		}
	}
	m.restartTimes = kept

	if len(m.restartTimes) >= m.autoRestartLimit {
		return false
	}

	m.restartTimes = append(m.restartTimes, now)
	return true
}

// InterruptKernel interrupts the running kernel. Signal-mode kernels receive
// SIGINT; message-mode kernels receive an interrupt_request on the control
// channel. The lifecycle state does not change.
func (m *KernelManager) InterruptKernel(ctx context.Context) error {
	if m.State() != KernelStateRunning {
		return errors.Wrapf(ErrInvalidStateTransition, "cannot interrupt kernel in state %v", m.State())
	}

	if m.spec.EffectiveInterruptMode() == kernelspec.InterruptModeMessage {
		m.log.Debug("Interrupting kernel %s via control channel.", m.id)
		_, err := m.kernelClient.InterruptRequest(ctx, m.ShutdownTimeout)
		return err
	}

	m.log.Debug("Interrupting kernel %s via SIGINT.", m.id)
	return m.provisioner.SendSignal(syscall.SIGINT)
}

// RestartKernel stops the kernel and relaunches it with the same connection
// file and ports. With now false, a graceful shutdown is attempted within
// RestartTimeout before escalating to SIGTERM and then SIGKILL; with now true
// the graceful phase is skipped.
func (m *KernelManager) RestartKernel(ctx context.Context, now bool) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	if m.State() != KernelStateRunning {
		return errors.Wrapf(ErrInvalidStateTransition, "cannot restart kernel in state %v", m.State())
	}

	m.setState(KernelStateRestarting)
	m.log.Info("Restarting kernel %s (now=%v).", m.id, now)

	m.stopKernelLocked(ctx, now, true)

	// Relaunch with the same descriptor and ports.
	if err := m.launchLocked(ctx); err != nil {
		m.log.Error(utils.RedStyle.Render("Failed to relaunch kernel %s: %v"), m.id, err)
		m.teardownLocked(false)
		m.setState(KernelStateDead)
		return errors.Wrapf(jupyter.ErrStartFailed, "restart: %v", err)
	}

	m.setState(KernelStateRunning)
	return nil
}

// ShutdownKernel shuts the kernel down: a shutdown_request on control,
// awaited up to ShutdownTimeout, then terminate, then kill, then cleanup.
// With now true the request step is skipped.
//
// Valid in Running; shutting down an already Dead kernel is a no-op.
func (m *KernelManager) ShutdownKernel(ctx context.Context, now bool) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	state := m.State()
	if state == KernelStateDead || state == KernelStateUnstarted {
		return nil
	}

	if state != KernelStateRunning {
		return errors.Wrapf(ErrInvalidStateTransition, "cannot shut down kernel in state %v", state)
	}

	m.setState(KernelStateShuttingDown)
	m.log.Info("Shutting down kernel %s (now=%v).", m.id, now)

	m.stopKernelLocked(ctx, now, false)
	m.setState(KernelStateDead)

	return nil
}

// stopKernelLocked brings the kernel process down: optional graceful
// shutdown_request, then terminate, then kill. The client is closed and the
// provisioner cleaned up; with restart true, restart-relevant resources
// survive.
func (m *KernelManager) stopKernelLocked(ctx context.Context, now bool, restart bool) {
	timeout := m.ShutdownTimeout
	if restart {
		timeout = m.RestartTimeout
	}

	if !now && m.kernelClient != nil {
		if _, err := m.kernelClient.ShutdownRequest(ctx, restart, timeout); err != nil {
			m.log.Warn("Kernel %s did not acknowledge shutdown_request: %v", m.id, err)
		}
	}

	if m.provisioner != nil {
		if alive, _ := m.provisioner.Poll(); alive {
			_ = m.provisioner.Terminate()

			if _, err := m.provisioner.Wait(timeout); err != nil {
				m.log.Warn("Kernel %s survived SIGTERM; killing.", m.id)
				_ = m.provisioner.Kill()
				_, _ = m.provisioner.Wait(timeout)
			}
		}
	}

	m.teardownLocked(restart)
}

// teardownLocked closes the client and cleans up the provisioner.
func (m *KernelManager) teardownLocked(restart bool) {
	atomic.AddInt64(&m.generation, 1)

	if m.kernelClient != nil {
		if !restart {
			m.kernelClient.NotifyKernelDied()
		}
		_ = m.kernelClient.Close()
		m.kernelClient = nil
	}

	if m.provisioner != nil {
		if err := m.provisioner.Cleanup(restart); err != nil {
			m.log.Warn("Provisioner cleanup for kernel %s failed: %v", m.id, err)
		}
		if !restart {
			m.provisioner = nil
		}
	}
}
