package jupyter

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	// TransportTCP is the default transport.
	TransportTCP = "tcp"

	// TransportIPC is supported on platforms with Unix domain sockets.
	TransportIPC = "ipc"

	// connectionFileMode restricts the connection file to its owner; the file
	// contains the shared HMAC key.
	connectionFileMode = os.FileMode(0600)
)

var (
	ErrInvalidConnectionInfo = errors.New("invalid connection info")
)

// ConnectionInfo stores the contents of a kernel connection file: the transport,
// endpoint, per-channel port assignment, and the signing key shared with the kernel.
// Once a descriptor has been bound (loaded, written, or created ephemerally), it is
// treated as immutable.
type ConnectionInfo struct {
	IP              string `json:"ip" name:"ip" description:"The IP address of the kernel."`
	Transport       string `json:"transport" name:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name,omitempty"`
	ShellPort       int    `json:"shell_port" name:"shell-port" description:"The port for shell messages."`
	IOPubPort       int    `json:"iopub_port" name:"iopub-port" description:"The port for iopub messages."`
	StdinPort       int    `json:"stdin_port" name:"stdin-port" description:"The port for stdin messages."`
	ControlPort     int    `json:"control_port" name:"control-port" description:"The port for control messages."`
	HBPort          int    `json:"hb_port" name:"hb-port" description:"The port for heartbeat messages."`
}

func (info *ConnectionInfo) String() string {
	m, err := json.Marshal(info)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (info *ConnectionInfo) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(info, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

// Ports returns the five channel ports in shell, iopub, stdin, control, hb order.
func (info *ConnectionInfo) Ports() [5]int {
	return [5]int{info.ShellPort, info.IOPubPort, info.StdinPort, info.ControlPort, info.HBPort}
}

// Validate checks the descriptor's invariants: a known transport, distinct
// non-zero ports, and a non-empty key whenever a signature scheme is declared.
// A port of 0 means "assign by the OS at bind time" and is always legal.
func (info *ConnectionInfo) Validate() error {
	if info.Transport != TransportTCP && info.Transport != TransportIPC {
		return errors.Wrapf(ErrInvalidConnectionInfo, "unsupported transport \"%s\"", info.Transport)
	}

	seen := make(map[int]string, 5)
	names := [5]string{"shell", "iopub", "stdin", "control", "hb"}
	for i, port := range info.Ports() {
		if port < 0 || port > 65535 {
			return errors.Wrapf(ErrInvalidConnectionInfo, "%s port %d out of range", names[i], port)
		}

		if port == 0 {
			continue
		}

		if other, ok := seen[port]; ok {
			return errors.Wrapf(ErrInvalidConnectionInfo, "%s and %s ports collide on %d", other, names[i], port)
		}
		seen[port] = names[i]
	}

	if info.SignatureScheme != "" && len(info.Key) == 0 {
		return errors.Wrapf(ErrInvalidConnectionInfo, "signature scheme \"%s\" requires a non-empty key", info.SignatureScheme)
	}

	return nil
}

// Write persists the descriptor atomically: the JSON is written to a sibling
// temporary file with owner-only permissions and renamed into place.
func (info *ConnectionInfo) Write(path string) error {
	if err := info.Validate(); err != nil {
		return err
	}

	jsonContent, err := json.Marshal(info)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		if os.IsPermission(err) {
			return errors.Wrapf(ErrPermissionDenied, "cannot create connection file in \"%s\"", dir)
		}
		return err
	}
	tmpName := f.Name()

	if err = f.Chmod(connectionFileMode); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return err
	}

	if _, err = f.Write(jsonContent); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return err
	}

	if err = f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return nil
}

// LoadConnectionInfo parses and validates the connection file at the given path.
func LoadConnectionInfo(path string) (*ConnectionInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.Wrapf(ErrPermissionDenied, "cannot read connection file \"%s\"", path)
		}
		return nil, err
	}

	var info ConnectionInfo
	if err = json.Unmarshal(raw, &info); err != nil {
		return nil, errors.Wrapf(ErrInvalidConnectionInfo, "cannot parse connection file \"%s\": %v", path, err)
	}

	if info.Transport == "" {
		info.Transport = TransportTCP
	}

	if err = info.Validate(); err != nil {
		return nil, err
	}

	return &info, nil
}

// NewEphemeralConnectionInfo binds transient sockets to OS-assigned ports, reads
// the bound port numbers back, and returns a populated descriptor without ever
// writing it to disk. The listeners are closed before returning, so there is a
// small window in which another process could claim a port; callers that cannot
// tolerate this should launch the kernel promptly.
func NewEphemeralConnectionInfo(ip string, signatureScheme string, key string) (*ConnectionInfo, error) {
	if ip == "" {
		ip = "127.0.0.1"
	}

	info := &ConnectionInfo{
		IP:              ip,
		Transport:       TransportTCP,
		SignatureScheme: signatureScheme,
		Key:             key,
	}

	// Reserve ports for the kernel.
	socks := make([]net.Listener, 5)
	for i := 0; i < len(socks); i++ {
		conn, err := net.Listen("tcp", fmt.Sprintf("%s:0", info.IP))
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		socks[i] = conn
	}

	// After all sockets are created, assign ports.
	info.ShellPort = socks[0].Addr().(*net.TCPAddr).Port
	info.IOPubPort = socks[1].Addr().(*net.TCPAddr).Port
	info.StdinPort = socks[2].Addr().(*net.TCPAddr).Port
	info.ControlPort = socks[3].Addr().(*net.TCPAddr).Port
	info.HBPort = socks[4].Addr().(*net.TCPAddr).Port

	if err := info.Validate(); err != nil {
		return nil, err
	}

	return info, nil
}
