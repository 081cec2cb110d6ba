package manager

import (
	"context"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
	"github.com/scusemua/jupyter-kernel-client/common/kernelspec"
	"github.com/scusemua/jupyter-kernel-client/common/utils/hashmap"
)

// KernelRegistry is a named collection of kernel managers with
// create/get/list/remove and per-kernel isolation. Ids are opaque and unique
// for the life of the registry.
//
// Lifecycle operations on distinct managers may run concurrently; each manager
// still serialises its own operations.
type KernelRegistry struct {
	resolver *kernelspec.Resolver
	managers *hashmap.ConcurrentMap[string, *KernelManager]

	defaultOpts []ManagerOption

	log logger.Logger
}

// NewKernelRegistry creates a registry resolving kernel specs through the
// given resolver. The defaultOpts are applied to every manager it creates.
func NewKernelRegistry(resolver *kernelspec.Resolver, defaultOpts ...ManagerOption) *KernelRegistry {
	registry := &KernelRegistry{
		resolver:    resolver,
		managers:    hashmap.NewConcurrentMap[*KernelManager](32),
		defaultOpts: defaultOpts,
	}

	config.InitLogger(&registry.log, "KernelRegistry ")

	return registry
}

// StartKernel resolves the named kernel spec, starts a kernel for it, and
// returns the new kernel's id. With an empty name, a registered spec named
// "python3" is used if present.
func (r *KernelRegistry) StartKernel(ctx context.Context, specName string, opts ...ManagerOption) (string, error) {
	if specName == "" {
		specName = "python3"
	}

	spec, err := r.resolver.GetKernelSpec(specName)
	if err != nil {
		return "", err
	}

	return r.StartKernelWithSpec(ctx, spec, opts...)
}

// StartKernelWithSpec starts a kernel directly from the given spec, bypassing
// resolver lookup.
func (r *KernelRegistry) StartKernelWithSpec(ctx context.Context, spec *kernelspec.KernelSpec, opts ...ManagerOption) (string, error) {
	managerOpts := make([]ManagerOption, 0, len(r.defaultOpts)+len(opts))
	managerOpts = append(managerOpts, r.defaultOpts...)
	managerOpts = append(managerOpts, opts...)

	kernelManager := NewKernelManager(spec, managerOpts...)
	r.managers.Store(kernelManager.ID(), kernelManager)

	if err := kernelManager.StartKernel(ctx); err != nil {
		r.managers.Delete(kernelManager.ID())
		return "", err
	}

	r.log.Info("Started kernel %s (spec \"%s\").", kernelManager.ID(), spec.DisplayName)
	return kernelManager.ID(), nil
}

// Get returns the manager for the given kernel id.
// Unknown ids fail with ErrNoSuchKernel.
func (r *KernelRegistry) Get(kernelId string) (*KernelManager, error) {
	kernelManager, ok := r.managers.Load(kernelId)
	if !ok {
		return nil, errors.Wrapf(jupyter.ErrNoSuchKernel, "no kernel with id \"%s\"", kernelId)
	}

	return kernelManager, nil
}

// ListIds returns the ids of all registered kernels.
func (r *KernelRegistry) ListIds() []string {
	ids := make([]string, 0, r.managers.Len())
	r.managers.Range(func(kernelId string, _ *KernelManager) bool {
		ids = append(ids, kernelId)
		return true
	})
	return ids
}

// Len returns the number of registered kernels.
func (r *KernelRegistry) Len() int {
	return r.managers.Len()
}

// Interrupt interrupts the kernel with the given id.
func (r *KernelRegistry) Interrupt(ctx context.Context, kernelId string) error {
	kernelManager, err := r.Get(kernelId)
	if err != nil {
		return err
	}

	return kernelManager.InterruptKernel(ctx)
}

// Restart restarts the kernel with the given id.
func (r *KernelRegistry) Restart(ctx context.Context, kernelId string, now bool) error {
	kernelManager, err := r.Get(kernelId)
	if err != nil {
		return err
	}

	return kernelManager.RestartKernel(ctx, now)
}

// Shutdown shuts down the kernel with the given id and removes it from the
// registry.
func (r *KernelRegistry) Shutdown(ctx context.Context, kernelId string, now bool) error {
	kernelManager, err := r.Get(kernelId)
	if err != nil {
		return err
	}

	err = kernelManager.ShutdownKernel(ctx, now)
	r.managers.Delete(kernelId)
	return err
}

// ShutdownAll shuts every kernel down in parallel with a shared context.
// Per-kernel failures are collected and returned together; all kernels are
// removed from the registry regardless.
func (r *KernelRegistry) ShutdownAll(ctx context.Context, now bool) error {
	ids := r.ListIds()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		combined *multierror.Error
	)

	for _, kernelId := range ids {
		kernelManager, err := r.Get(kernelId)
		if err != nil {
			continue
		}

		wg.Add(1)
		go func(kernelId string, kernelManager *KernelManager) {
			defer wg.Done()

			if shutdownErr := kernelManager.ShutdownKernel(ctx, now); shutdownErr != nil {
				mu.Lock()
				combined = multierror.Append(combined, errors.Wrapf(shutdownErr, "kernel %s", kernelId))
				mu.Unlock()
			}

			r.managers.Delete(kernelId)
		}(kernelId, kernelManager)
	}

	wg.Wait()

	return combined.ErrorOrNil()
}
