package manager_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
	"github.com/scusemua/jupyter-kernel-client/common/jupyter/client"
	"github.com/scusemua/jupyter-kernel-client/common/jupyter/messaging"
	"github.com/scusemua/jupyter-kernel-client/common/kernelspec"
	"github.com/scusemua/jupyter-kernel-client/common/manager"
	"github.com/scusemua/jupyter-kernel-client/common/provisioning"
)

func init() {
	provisioning.RegisterProvisioner(fakeProvisionerName, func() provisioning.KernelProvisioner {
		return newFakeKernelProvisioner()
	})
}

func fakeSpec() *kernelspec.KernelSpec {
	return &kernelspec.KernelSpec{
		Argv:        []string{"fake-kernel", "-f", "{connection_file}"},
		DisplayName: "Fake Kernel",
		Language:    "python",
	}
}

// stateRecorder collects lifecycle transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []manager.KernelState
}

func (r *stateRecorder) listen(_ manager.KernelState, new manager.KernelState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = append(r.states, new)
}

func (r *stateRecorder) snapshot() []manager.KernelState {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]manager.KernelState, len(r.states))
	copy(states, r.states)
	return states
}

var _ = Describe("KernelManager", func() {
	var (
		kernelManager *manager.KernelManager
		recorder      *stateRecorder
		ctx           context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()

		recorder = &stateRecorder{}
		kernelManager = manager.NewKernelManager(fakeSpec(), manager.WithProvisioner(fakeProvisionerName))
		kernelManager.AddStateListener(recorder.listen)
		kernelManager.StartupTimeout = 20 * time.Second
	})

	AfterEach(func() {
		_ = kernelManager.ShutdownKernel(ctx, true)
	})

	It("should start a kernel and reach Running", func() {
		Expect(kernelManager.State()).To(Equal(manager.KernelStateUnstarted))

		Expect(kernelManager.StartKernel(ctx)).To(Succeed())
		Expect(kernelManager.State()).To(Equal(manager.KernelStateRunning))
		Expect(kernelManager.IsAlive()).To(BeTrue())

		Expect(recorder.snapshot()).To(Equal([]manager.KernelState{
			manager.KernelStateStarting,
			manager.KernelStateRunning,
		}))

		content, err := kernelManager.Client().KernelInfo(ctx, 5*time.Second)
		Expect(err).To(BeNil())
		Expect(content["protocol_version"]).To(HavePrefix("5."))
	})

	It("should refuse to start twice", func() {
		Expect(kernelManager.StartKernel(ctx)).To(Succeed())

		err := kernelManager.StartKernel(ctx)
		Expect(err).To(MatchError(manager.ErrInvalidStateTransition))
	})

	It("should shut down gracefully and transition to Dead", func() {
		Expect(kernelManager.StartKernel(ctx)).To(Succeed())

		Expect(kernelManager.ShutdownKernel(ctx, false)).To(Succeed())
		Expect(kernelManager.State()).To(Equal(manager.KernelStateDead))

		Expect(recorder.snapshot()).To(Equal([]manager.KernelState{
			manager.KernelStateStarting,
			manager.KernelStateRunning,
			manager.KernelStateShuttingDown,
			manager.KernelStateDead,
		}))
	})

	It("should start again after Dead, never spontaneously", func() {
		Expect(kernelManager.StartKernel(ctx)).To(Succeed())
		Expect(kernelManager.ShutdownKernel(ctx, false)).To(Succeed())
		Expect(kernelManager.State()).To(Equal(manager.KernelStateDead))

		// Once Dead, no transition to Running without an intervening start.
		Consistently(kernelManager.State, 300*time.Millisecond).Should(Equal(manager.KernelStateDead))

		Expect(kernelManager.StartKernel(ctx)).To(Succeed())
		Expect(kernelManager.State()).To(Equal(manager.KernelStateRunning))
	})

	It("should restart and keep serving requests", func() {
		Expect(kernelManager.StartKernel(ctx)).To(Succeed())

		firstClient := kernelManager.Client()

		Expect(kernelManager.RestartKernel(ctx, false)).To(Succeed())
		Expect(kernelManager.State()).To(Equal(manager.KernelStateRunning))
		Expect(kernelManager.Client()).ToNot(BeIdenticalTo(firstClient))

		content, err := kernelManager.Client().KernelInfo(ctx, 5*time.Second)
		Expect(err).To(BeNil())
		Expect(content["implementation"]).To(Equal("fake"))

		Expect(recorder.snapshot()).To(ContainElements(
			manager.KernelStateRestarting,
			manager.KernelStateRunning,
		))
	})

	It("should interrupt a busy computation via SIGINT", func() {
		Expect(kernelManager.StartKernel(ctx)).To(Succeed())

		kernelClient := kernelManager.Client()
		pending, err := kernelClient.Execute("while True: pass", client.ExecuteOptions{})
		Expect(err).To(BeNil())

		time.Sleep(200 * time.Millisecond)
		Expect(kernelManager.InterruptKernel(ctx)).To(Succeed())

		Eventually(pending.Done(), 2*time.Second).Should(BeClosed())

		reply, err := pending.Reply()
		Expect(err).To(BeNil())

		content, err := reply.DecodeContent()
		Expect(err).To(BeNil())
		Expect(content["status"]).To(Equal("error"))
		Expect(content["ename"]).To(Equal("KeyboardInterrupt"))
	})

	It("should refuse to interrupt a kernel that is not running", func() {
		err := kernelManager.InterruptKernel(ctx)
		Expect(err).To(MatchError(manager.ErrInvalidStateTransition))
	})

	Context("with autorestart enabled", func() {
		var autoManager *manager.KernelManager

		// killKernel stops the fake kernel behind the manager's current
		// provisioner, simulating an unexpected process exit.
		killKernel := func() provisioning.KernelProvisioner {
			provisioner, ok := autoManager.Provisioner().(*fakeKernelProvisioner)
			Expect(ok).To(BeTrue())
			provisioner.stop()
			return provisioner
		}

		// waitForRelaunch blocks until the manager is Running again on a fresh
		// provisioner, i.e. an automatic restart completed.
		waitForRelaunch := func(old provisioning.KernelProvisioner) {
			Eventually(func() bool {
				return autoManager.State() == manager.KernelStateRunning && autoManager.Provisioner() != old
			}, 20*time.Second, 100*time.Millisecond).Should(BeTrue())
		}

		AfterEach(func() {
			if autoManager != nil {
				_ = autoManager.ShutdownKernel(ctx, true)
			}
		})

		It("should relaunch automatically when the kernel exits unexpectedly", func() {
			autoRecorder := &stateRecorder{}
			autoManager = manager.NewKernelManager(fakeSpec(),
				manager.WithProvisioner(fakeProvisionerName),
				manager.WithAutoRestart(5, 30*time.Second))
			autoManager.AddStateListener(autoRecorder.listen)
			autoManager.StartupTimeout = 20 * time.Second

			Expect(autoManager.StartKernel(ctx)).To(Succeed())

			old := killKernel()
			waitForRelaunch(old)

			// The restart happened without any explicit RestartKernel call.
			Expect(autoRecorder.snapshot()).To(ContainElement(manager.KernelStateRestarting))
			Expect(autoRecorder.snapshot()).ToNot(ContainElement(manager.KernelStateDead))

			content, err := autoManager.Client().KernelInfo(ctx, 5*time.Second)
			Expect(err).To(BeNil())
			Expect(content["implementation"]).To(Equal("fake"))
		})

		It("should settle in Dead once the restart budget is exhausted", func() {
			const restartLimit = 2

			autoManager = manager.NewKernelManager(fakeSpec(),
				manager.WithProvisioner(fakeProvisionerName),
				manager.WithAutoRestart(restartLimit, time.Minute))
			autoManager.StartupTimeout = 20 * time.Second

			Expect(autoManager.StartKernel(ctx)).To(Succeed())

			for i := 0; i < restartLimit; i++ {
				old := killKernel()
				waitForRelaunch(old)
			}

			// The next exit within the window exceeds the budget.
			killKernel()

			Eventually(autoManager.State, 10*time.Second, 100*time.Millisecond).Should(Equal(manager.KernelStateDead))
			Consistently(autoManager.State, 500*time.Millisecond).Should(Equal(manager.KernelStateDead))
		})
	})

	It("should declare the kernel dead when it exits unexpectedly", func() {
		Expect(kernelManager.StartKernel(ctx)).To(Succeed())

		kernelClient := kernelManager.Client()

		msg, err := kernelClient.Session().BuildMessage(messaging.ShellHistoryRequest, map[string]interface{}{})
		Expect(err).To(BeNil())
		pending, err := kernelClient.SendRequest(messaging.ShellMessage, msg)
		Expect(err).To(BeNil())

		// Kill the kernel out from under the manager.
		provisioner, ok := kernelManager.Provisioner().(*fakeKernelProvisioner)
		Expect(ok).To(BeTrue())
		provisioner.stop()

		Eventually(kernelManager.State, 10*time.Second, 100*time.Millisecond).Should(Equal(manager.KernelStateDead))

		Eventually(pending.Done(), 2*time.Second).Should(BeClosed())
		_, err = pending.Reply()
		Expect(err).To(MatchError(jupyter.ErrKernelDied))
	})
})
