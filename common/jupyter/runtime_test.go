package jupyter_test

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
)

var _ = Describe("Runtime directories", func() {
	It("should honor JUPYTER_RUNTIME_DIR for connection file placement", func() {
		dir := GinkgoT().TempDir()
		GinkgoT().Setenv(jupyter.EnvJupyterRuntimeDir, dir)

		Expect(jupyter.RuntimeDir()).To(Equal(dir))

		path, err := jupyter.ConnectionFilePath("abc-123")
		Expect(err).To(BeNil())
		Expect(path).To(Equal(filepath.Join(dir, "kernel-abc-123.json")))
	})

	It("should derive the runtime dir from JUPYTER_DATA_DIR when unset", func() {
		dataDir := GinkgoT().TempDir()
		GinkgoT().Setenv(jupyter.EnvJupyterRuntimeDir, "")
		GinkgoT().Setenv(jupyter.EnvJupyterDataDir, dataDir)

		Expect(jupyter.RuntimeDir()).To(Equal(filepath.Join(dataDir, "runtime")))
	})

	It("should honor JUPYTER_CONFIG_DIR", func() {
		configDir := GinkgoT().TempDir()
		GinkgoT().Setenv(jupyter.EnvJupyterConfigDir, configDir)

		Expect(jupyter.ConfigDir()).To(Equal(configDir))
	})
})
