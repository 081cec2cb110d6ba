package kernelspec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
)

const (
	kernelsSubdir = "kernels"

	// EnvJupyterPath appends extra data directories, highest priority last.
	EnvJupyterPath = "JUPYTER_PATH"
)

// Resolver discovers and loads kernel launch specifications from the
// well-known directory layout: each search path contains a "kernels" directory
// whose subdirectories each hold a kernel.json plus optional resources.
//
// Later directories in the search path override earlier ones by name. Names
// are normalised to lowercase. The cache is read-mostly, guarded by a
// reader-preferring lock, and invalidated by filesystem notifications.
//
// A Resolver is an explicit context object: construct one per component (or
// per test) instead of sharing process-wide state.
type Resolver struct {
	// searchPaths are the "kernels" parents in ascending priority order.
	searchPaths []string

	mu     sync.RWMutex
	cache  map[string]string // name -> resource dir
	cached bool

	watcher *fsnotify.Watcher

	log logger.Logger
}

type ResolverOption func(*Resolver)

// WithSearchPaths replaces the default search path entirely. Paths are in
// ascending priority order (later wins).
func WithSearchPaths(paths ...string) ResolverOption {
	return func(r *Resolver) {
		r.searchPaths = paths
	}
}

// NewResolver creates a Resolver over the default search path: system
// directories, then the user data directory, then JUPYTER_PATH entries.
func NewResolver(opts ...ResolverOption) (*Resolver, error) {
	resolver := &Resolver{
		searchPaths: defaultSearchPaths(),
		cache:       make(map[string]string),
	}

	for _, opt := range opts {
		opt(resolver)
	}

	config.InitLogger(&resolver.log, "KernelSpecResolver ")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Spec discovery still works without invalidation; rescans are forced
		// via Invalidate.
		resolver.log.Warn("Could not create filesystem watcher: %v", err)
	} else {
		resolver.watcher = watcher
		go resolver.watch()

		for _, dir := range resolver.kernelDirs() {
			if _, statErr := os.Stat(dir); statErr == nil {
				_ = watcher.Add(dir)
			}
		}
	}

	return resolver, nil
}

func defaultSearchPaths() []string {
	paths := []string{
		"/usr/share/jupyter",
		"/usr/local/share/jupyter",
	}

	paths = append(paths, jupyter.DataDir())

	if jupyterPath := os.Getenv(EnvJupyterPath); jupyterPath != "" {
		// JUPYTER_PATH entries take precedence over everything else.
		paths = append(paths, filepath.SplitList(jupyterPath)...)
	}

	return paths
}

// kernelDirs returns the "kernels" directories in ascending priority order.
func (r *Resolver) kernelDirs() []string {
	dirs := make([]string, 0, len(r.searchPaths))
	for _, path := range r.searchPaths {
		dirs = append(dirs, filepath.Join(path, kernelsSubdir))
	}
	return dirs
}

func (r *Resolver) watch() {
	for {
		select {
		case _, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.Invalidate()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("Filesystem watcher error: %v", err)
		}
	}
}

// Invalidate discards the cached name -> path mapping; the next lookup rescans.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cached = false
}

// FindKernelSpecs returns the mapping from kernel name to resource directory.
// Later search-path entries override earlier ones by name.
func (r *Resolver) FindKernelSpecs() map[string]string {
	r.mu.RLock()
	if r.cached {
		specs := make(map[string]string, len(r.cache))
		for name, dir := range r.cache {
			specs[name] = dir
		}
		r.mu.RUnlock()
		return specs
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache = make(map[string]string)
	for _, dir := range r.kernelDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			name := strings.ToLower(entry.Name())
			resourceDir := filepath.Join(dir, entry.Name())
			if _, err = os.Stat(filepath.Join(resourceDir, KernelSpecFileName)); err != nil {
				continue
			}

			// Later directories win; overwriting implements priority.
			r.cache[name] = resourceDir
		}
	}
	r.cached = true

	specs := make(map[string]string, len(r.cache))
	for name, dir := range r.cache {
		specs[name] = dir
	}
	return specs
}

// GetKernelSpec loads the spec registered under the given name.
// Missing names fail with ErrNoSuchKernel.
func (r *Resolver) GetKernelSpec(name string) (*KernelSpec, error) {
	name = strings.ToLower(name)

	specs := r.FindKernelSpecs()
	resourceDir, ok := specs[name]
	if !ok {
		return nil, errors.Wrapf(jupyter.ErrNoSuchKernel, "no kernel spec named \"%s\"", name)
	}

	return LoadKernelSpec(resourceDir)
}

// InstallKernelSpec copies the kernel spec directory at srcDir into the
// destination tree under the given name. With user true, the last
// (highest-priority) search path is used, which by default is the user data
// directory unless JUPYTER_PATH is set; otherwise the first search path.
// Unless replace is true, installing over an existing name fails.
func (r *Resolver) InstallKernelSpec(srcDir string, name string, user bool, replace bool) (string, error) {
	if _, err := LoadKernelSpec(srcDir); err != nil {
		return "", err
	}

	name = strings.ToLower(name)

	var destBase string
	if user {
		destBase = r.searchPaths[len(r.searchPaths)-1]
	} else {
		destBase = r.searchPaths[0]
	}

	destDir := filepath.Join(destBase, kernelsSubdir, name)
	if _, err := os.Stat(destDir); err == nil {
		if !replace {
			return "", errors.Wrapf(ErrInvalidKernelSpec, "kernel spec \"%s\" already installed at \"%s\"", name, destDir)
		}
		if err = os.RemoveAll(destDir); err != nil {
			return "", err
		}
	}

	if err := copyDir(srcDir, destDir); err != nil {
		return "", err
	}

	r.Invalidate()
	if r.watcher != nil {
		_ = r.watcher.Add(filepath.Dir(destDir))
	}

	r.log.Info("Installed kernel spec \"%s\" at \"%s\".", name, destDir)
	return destDir, nil
}

// WriteKernelSpec serialises a spec into destDir/kernel.json, creating the
// directory if needed.
func WriteKernelSpec(destDir string, spec *KernelSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	jsonContent, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(destDir, KernelSpecFileName), jsonContent, 0644)
}

// Close stops the resolver's filesystem watcher.
func (r *Resolver) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func copyDir(src string, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		return os.WriteFile(target, data, info.Mode())
	})
}
