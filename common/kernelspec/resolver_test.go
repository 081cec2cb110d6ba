package kernelspec_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
	"github.com/scusemua/jupyter-kernel-client/common/kernelspec"
)

func writeSpec(baseDir string, name string, displayName string) string {
	resourceDir := filepath.Join(baseDir, "kernels", name)
	Expect(os.MkdirAll(resourceDir, 0755)).To(Succeed())

	spec := &kernelspec.KernelSpec{
		Argv:        []string{"fake-kernel", "-f", "{connection_file}"},
		DisplayName: displayName,
		Language:    "python",
	}
	Expect(kernelspec.WriteKernelSpec(resourceDir, spec)).To(Succeed())

	return resourceDir
}

var _ = Describe("KernelSpec", func() {
	It("should require the connection file token in argv", func() {
		spec := &kernelspec.KernelSpec{
			Argv:        []string{"fake-kernel"},
			DisplayName: "Fake",
			Language:    "python",
		}

		Expect(spec.Validate()).To(MatchError(kernelspec.ErrInvalidKernelSpec))
	})

	It("should reject unknown interrupt modes", func() {
		spec := &kernelspec.KernelSpec{
			Argv:          []string{"fake-kernel", "{connection_file}"},
			InterruptMode: "telepathy",
		}

		Expect(spec.Validate()).To(MatchError(kernelspec.ErrInvalidKernelSpec))
	})

	It("should default the interrupt mode to signal", func() {
		spec := &kernelspec.KernelSpec{Argv: []string{"fake-kernel", "{connection_file}"}}
		Expect(spec.EffectiveInterruptMode()).To(Equal(kernelspec.InterruptModeSignal))
	})

	It("should substitute argv tokens", func() {
		spec := &kernelspec.KernelSpec{
			Argv:        []string{"fake-kernel", "-f", "{connection_file}", "--dir", "{resource_dir}"},
			ResourceDir: "/opt/kernels/fake",
		}

		argv := spec.SubstituteArgv("/tmp/conn.json")
		Expect(argv).To(Equal([]string{"fake-kernel", "-f", "/tmp/conn.json", "--dir", "/opt/kernels/fake"}))

		// The template itself is untouched.
		Expect(spec.Argv[2]).To(Equal("{connection_file}"))
	})
})

var _ = Describe("Resolver", func() {
	var (
		systemDir string
		userDir   string
		resolver  *kernelspec.Resolver
	)

	BeforeEach(func() {
		systemDir = GinkgoT().TempDir()
		userDir = GinkgoT().TempDir()

		var err error
		resolver, err = kernelspec.NewResolver(kernelspec.WithSearchPaths(systemDir, userDir))
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		_ = resolver.Close()
	})

	It("should discover specs across the search path", func() {
		writeSpec(systemDir, "python3", "System Python")
		writeSpec(userDir, "julia", "Julia")

		specs := resolver.FindKernelSpecs()
		Expect(specs).To(HaveLen(2))
		Expect(specs).To(HaveKey("python3"))
		Expect(specs).To(HaveKey("julia"))
	})

	It("should let later directories override earlier ones by name", func() {
		writeSpec(systemDir, "python3", "System Python")
		userResource := writeSpec(userDir, "python3", "User Python")

		specs := resolver.FindKernelSpecs()
		Expect(specs["python3"]).To(Equal(userResource))

		spec, err := resolver.GetKernelSpec("python3")
		Expect(err).To(BeNil())
		Expect(spec.DisplayName).To(Equal("User Python"))
	})

	It("should normalise names to lowercase", func() {
		writeSpec(systemDir, "Python3", "Mixed Case")

		spec, err := resolver.GetKernelSpec("PYTHON3")
		Expect(err).To(BeNil())
		Expect(spec.DisplayName).To(Equal("Mixed Case"))
	})

	It("should fail with NoSuchKernel for missing names", func() {
		_, err := resolver.GetKernelSpec("missing")
		Expect(err).To(MatchError(jupyter.ErrNoSuchKernel))
	})

	It("should ignore directories without a kernel.json", func() {
		Expect(os.MkdirAll(filepath.Join(systemDir, "kernels", "empty"), 0755)).To(Succeed())

		specs := resolver.FindKernelSpecs()
		Expect(specs).ToNot(HaveKey("empty"))
	})

	It("should install a kernel spec and resolve it afterwards", func() {
		srcDir := writeSpec(GinkgoT().TempDir(), "src", "Installable")

		destDir, err := resolver.InstallKernelSpec(srcDir, "Installed", true, false)
		Expect(err).To(BeNil())
		Expect(destDir).To(HavePrefix(userDir))

		spec, err := resolver.GetKernelSpec("installed")
		Expect(err).To(BeNil())
		Expect(spec.DisplayName).To(Equal("Installable"))
	})

	It("should refuse to overwrite an installed spec unless replace is set", func() {
		srcDir := writeSpec(GinkgoT().TempDir(), "src", "First")

		_, err := resolver.InstallKernelSpec(srcDir, "dup", true, false)
		Expect(err).To(BeNil())

		_, err = resolver.InstallKernelSpec(srcDir, "dup", true, false)
		Expect(err).To(MatchError(kernelspec.ErrInvalidKernelSpec))

		_, err = resolver.InstallKernelSpec(srcDir, "dup", true, true)
		Expect(err).To(BeNil())
	})

	It("should pick up newly added specs after invalidation", func() {
		specs := resolver.FindKernelSpecs()
		Expect(specs).To(BeEmpty())

		writeSpec(systemDir, "latecomer", "Late")
		resolver.Invalidate()

		specs = resolver.FindKernelSpecs()
		Expect(specs).To(HaveKey("latecomer"))
	})
})
