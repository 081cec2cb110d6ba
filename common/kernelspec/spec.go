package kernelspec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
)

const (
	// KernelSpecFileName is the launch specification inside each kernel dir.
	KernelSpecFileName = "kernel.json"

	// Argv substitution tokens.
	VarConnectionFile = "{connection_file}"
	VarResourceDir    = "{resource_dir}"

	// Interrupt modes. Signal-mode kernels receive SIGINT; message-mode kernels
	// receive an interrupt_request on the control channel.
	InterruptModeSignal  = "signal"
	InterruptModeMessage = "message"
)

var (
	ErrInvalidKernelSpec = errors.New("invalid kernel spec")
)

// KernelSpec is the on-disk record describing how to launch a kernel.
type KernelSpec struct {
	Argv          []string               `json:"argv"`
	DisplayName   string                 `json:"display_name"`
	Language      string                 `json:"language"`
	InterruptMode string                 `json:"interrupt_mode,omitempty"`
	Env           map[string]string      `json:"env,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	// ResourceDir is the directory the spec was loaded from. It is not part of
	// the serialized form.
	ResourceDir string `json:"-"`
}

func (spec *KernelSpec) String() string {
	m, err := json.Marshal(spec)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// Validate checks the spec's invariants: a non-empty argv whose template
// contains the {connection_file} token, and a known interrupt mode.
func (spec *KernelSpec) Validate() error {
	if len(spec.Argv) == 0 {
		return errors.Wrap(ErrInvalidKernelSpec, "argv is empty")
	}

	found := false
	for _, arg := range spec.Argv {
		if strings.Contains(arg, VarConnectionFile) {
			found = true
			break
		}
	}
	if !found {
		return errors.Wrapf(ErrInvalidKernelSpec, "argv does not contain %s", VarConnectionFile)
	}

	if spec.InterruptMode != "" && spec.InterruptMode != InterruptModeSignal && spec.InterruptMode != InterruptModeMessage {
		return errors.Wrapf(ErrInvalidKernelSpec, "unknown interrupt_mode \"%s\"", spec.InterruptMode)
	}

	return nil
}

// EffectiveInterruptMode returns the interrupt mode, defaulting to signal.
func (spec *KernelSpec) EffectiveInterruptMode() string {
	if spec.InterruptMode == "" {
		return InterruptModeSignal
	}
	return spec.InterruptMode
}

// SubstituteArgv returns the argv with {connection_file} and {resource_dir}
// replaced.
func (spec *KernelSpec) SubstituteArgv(connectionFile string) []string {
	argv := make([]string, len(spec.Argv))
	for i, arg := range spec.Argv {
		arg = strings.ReplaceAll(arg, VarConnectionFile, connectionFile)
		arg = strings.ReplaceAll(arg, VarResourceDir, spec.ResourceDir)
		argv[i] = arg
	}
	return argv
}

// LoadKernelSpec parses and validates the kernel.json inside the given
// resource directory.
func LoadKernelSpec(resourceDir string) (*KernelSpec, error) {
	path := filepath.Join(resourceDir, KernelSpecFileName)

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(jupyter.ErrNoSuchKernel, "no %s in \"%s\"", KernelSpecFileName, resourceDir)
		}
		return nil, err
	}

	var spec KernelSpec
	if err = json.Unmarshal(raw, &spec); err != nil {
		return nil, errors.Wrapf(ErrInvalidKernelSpec, "cannot parse \"%s\": %v", path, err)
	}

	spec.ResourceDir = resourceDir

	if err = spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}
