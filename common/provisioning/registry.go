package provisioning

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
)

// ProvisionerFactory creates a fresh provisioner instance. A kernel manager
// owns exactly one provisioner at a time, so factories must not share process
// handles between instances.
type ProvisionerFactory func() KernelProvisioner

// The provisioner registry is process-wide state with idempotent
// initialisation. Provisioners are registered by an explicit call at startup;
// there is no scanning of runtime metadata. Bundled provisioners are
// registered unconditionally on first use.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]ProvisionerFactory)

	bundledOnce sync.Once
)

func registerBundled() {
	RegisterProvisioner(LocalProvisionerName, func() KernelProvisioner {
		return NewLocalProvisioner()
	})
}

// RegisterProvisioner registers a factory under the given name, replacing any
// previous registration.
func RegisterProvisioner(name string, factory ProvisionerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = factory
}

// NewProvisioner instantiates the provisioner registered under the given name.
// Unknown names fail with ErrUnknownProvisioner.
func NewProvisioner(name string) (KernelProvisioner, error) {
	bundledOnce.Do(registerBundled)

	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(jupyter.ErrUnknownProvisioner, "\"%s\"", name)
	}

	return factory(), nil
}

// RegisteredProvisioners returns the names of all registered provisioners.
func RegisteredProvisioners() []string {
	bundledOnce.Do(registerBundled)

	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
