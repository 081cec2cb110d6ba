package messaging

import (
	"fmt"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
)

const (
	HBMessage MessageType = iota
	ControlMessage
	ShellMessage
	StdinMessage
	IOMessage
)

// MessageType identifies one of the five Jupyter channels.
type MessageType int

func (t MessageType) String() string {
	return [...]string{"heartbeat", "control", "shell", "stdin", "io"}[t]
}

// IsRequestReply reports whether the channel carries request/reply traffic.
// Only shell and control replies are correlated against pending requests.
func (t MessageType) IsRequestReply() bool {
	return t == ShellMessage || t == ControlMessage
}

// Socket wraps one of the five messaging sockets with its channel role, the
// port it is bound or dialed on, and its serving state. All five share the
// open -> active -> closed lifecycle. Heartbeat echoes are not parsed as
// Jupyter messages; the client's heartbeat loop reads them directly.
type Socket struct {
	zmq4.Socket

	Port int
	Type MessageType

	// Name is mostly used for debugging.
	Name string

	// StopServingChan tells the socket's serve goroutine to cease serving.
	StopServingChan chan struct{}

	// Serving is 1 while a receive loop owns this socket.
	Serving int32

	closed int32
}

func NewSocket(socket zmq4.Socket, port int, typ MessageType, name string) *Socket {
	return &Socket{
		Socket:          socket,
		Port:            port,
		Type:            typ,
		Name:            name,
		StopServingChan: make(chan struct{}, 1),
	}
}

func (s *Socket) String() string {
	return fmt.Sprintf("%s(%d)", s.Type, s.Port)
}

// IsServing returns true while a receive loop owns this socket.
func (s *Socket) IsServing() bool {
	return atomic.LoadInt32(&s.Serving) == 1
}

// TryClaimServing atomically claims the socket's receive loop.
func (s *Socket) TryClaimServing() bool {
	return atomic.CompareAndSwapInt32(&s.Serving, 0, 1)
}

// ReleaseServing releases the socket's receive loop.
func (s *Socket) ReleaseServing() {
	atomic.StoreInt32(&s.Serving, 0)
}

// Close closes the underlying zmq socket. Closing is idempotent.
func (s *Socket) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	return s.Socket.Close()
}

// IsClosed returns true once Close has been called.
func (s *Socket) IsClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// JupyterSocketSet groups the five channel sockets of one kernel connection.
type JupyterSocketSet struct {
	HB      *Socket
	Control *Socket
	Shell   *Socket
	Stdin   *Socket
	IO      *Socket // Sub socket on the client side.

	All [5]*Socket
}

func NewJupyterSocketSet(hb *Socket, control *Socket, shell *Socket, stdin *Socket, io *Socket) *JupyterSocketSet {
	set := &JupyterSocketSet{
		HB:      hb,
		Control: control,
		Shell:   shell,
		Stdin:   stdin,
		IO:      io,
	}
	set.All = [5]*Socket{hb, control, shell, stdin, io}
	for i, socket := range set.All {
		if socket != nil {
			socket.Type = MessageType(i)
		}
	}
	return set
}

// Get returns the socket for the given channel, or nil.
func (set *JupyterSocketSet) Get(typ MessageType) *Socket {
	if typ < 0 || int(typ) >= len(set.All) {
		return nil
	}
	return set.All[typ]
}

// CloseAll closes every socket in the set.
func (set *JupyterSocketSet) CloseAll() {
	for _, socket := range set.All {
		if socket != nil {
			_ = socket.Close()
		}
	}
}
