package manager_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
	"github.com/scusemua/jupyter-kernel-client/common/kernelspec"
	"github.com/scusemua/jupyter-kernel-client/common/manager"
)

var _ = Describe("KernelRegistry", func() {
	var (
		resolver *kernelspec.Resolver
		registry *manager.KernelRegistry
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()

		baseDir := GinkgoT().TempDir()
		writeFakeSpec(baseDir, "fake1")

		var err error
		resolver, err = kernelspec.NewResolver(kernelspec.WithSearchPaths(baseDir))
		Expect(err).To(BeNil())

		registry = manager.NewKernelRegistry(resolver, manager.WithProvisioner(fakeProvisionerName))
	})

	AfterEach(func() {
		_ = registry.ShutdownAll(ctx, true)
		_ = resolver.Close()
	})

	It("should start a kernel by spec name and return a unique id", func() {
		firstId, err := registry.StartKernel(ctx, "fake1")
		Expect(err).To(BeNil())
		Expect(firstId).ToNot(BeEmpty())

		secondId, err := registry.StartKernel(ctx, "fake1")
		Expect(err).To(BeNil())
		Expect(secondId).ToNot(Equal(firstId))

		Expect(registry.Len()).To(Equal(2))
		Expect(registry.ListIds()).To(ConsistOf(firstId, secondId))
	})

	It("should fail with NoSuchKernel for unknown spec names", func() {
		_, err := registry.StartKernel(ctx, "unknown-spec")
		Expect(err).To(MatchError(jupyter.ErrNoSuchKernel))
		Expect(registry.Len()).To(Equal(0))
	})

	It("should fail with NoSuchKernel for unknown kernel ids", func() {
		_, err := registry.Get("58a641c5-86b3-4572-a0cc-a9f0d62b713f")
		Expect(err).To(MatchError(jupyter.ErrNoSuchKernel))
	})

	It("should isolate managers from one another", func() {
		firstId, err := registry.StartKernel(ctx, "fake1")
		Expect(err).To(BeNil())

		secondId, err := registry.StartKernel(ctx, "fake1")
		Expect(err).To(BeNil())

		Expect(registry.Shutdown(ctx, firstId, false)).To(Succeed())

		second, err := registry.Get(secondId)
		Expect(err).To(BeNil())
		Expect(second.State()).To(Equal(manager.KernelStateRunning))

		_, err = registry.Get(firstId)
		Expect(err).To(MatchError(jupyter.ErrNoSuchKernel))
	})

	It("should restart a kernel by id", func() {
		kernelId, err := registry.StartKernel(ctx, "fake1")
		Expect(err).To(BeNil())

		Expect(registry.Restart(ctx, kernelId, false)).To(Succeed())

		kernelManager, err := registry.Get(kernelId)
		Expect(err).To(BeNil())
		Expect(kernelManager.State()).To(Equal(manager.KernelStateRunning))
	})

	It("should shut all kernels down in parallel and empty the registry", func() {
		ids := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			kernelId, err := registry.StartKernel(ctx, "fake1")
			Expect(err).To(BeNil())
			ids = append(ids, kernelId)
		}

		started := time.Now()
		Expect(registry.ShutdownAll(ctx, false)).To(Succeed())
		elapsed := time.Since(started)

		Expect(registry.Len()).To(Equal(0))

		// Three sequential graceful shutdowns would take much longer than one.
		Expect(elapsed).To(BeNumerically("<", 2*manager.DefaultShutdownTimeout))
	})
})

func writeFakeSpec(baseDir string, name string) {
	resourceDir := baseDir + "/kernels/" + name
	spec := fakeSpec()

	ExpectWithOffset(1, kernelspec.WriteKernelSpec(resourceDir, spec)).To(Succeed())
}
