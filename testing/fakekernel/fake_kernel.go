// Package fakekernel provides an in-process kernel speaking all five Jupyter
// channels, used to exercise the client and manager without a real kernel.
package fakekernel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
	"github.com/scusemua/jupyter-kernel-client/common/jupyter/messaging"
)

type SocketWrapper struct {
	zmq4.Socket

	Type messaging.MessageType
	Port int
}

// FakeKernel binds the five kernel-side sockets on OS-assigned loopback ports
// and answers a scripted subset of the protocol: kernel_info, execute (print
// emulation, input round-trips, interruptible busy loops), interrupt and
// shutdown.
type FakeKernel struct {
	ID      string
	Session string
	Key     string

	ShellSocket     *SocketWrapper
	IOPubSocket     *SocketWrapper
	StdinSocket     *SocketWrapper
	ControlSocket   *SocketWrapper
	HeartbeatSocket *SocketWrapper

	Serving atomic.Bool

	session *messaging.Session

	executionCount int64

	// interruptChan releases a blocked "while True: pass" execution.
	interruptMu   sync.Mutex
	interruptChan chan struct{}

	// shellIdentity is the routing prefix of the most recent shell request,
	// reused to address stdin input_requests at the client.
	shellIdentityMu sync.Mutex
	shellIdentity   [][]byte

	// stdinReplies delivers input_reply values to the waiting execution.
	stdinReplies chan string

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	log logger.Logger
}

func NewFakeKernel(session string, key string) *FakeKernel {
	ctx, cancel := context.WithCancel(context.Background())

	kernel := &FakeKernel{
		ID:              session,
		Session:         session,
		Key:             key,
		HeartbeatSocket: &SocketWrapper{Socket: zmq4.NewRouter(ctx), Type: messaging.HBMessage},
		ControlSocket:   &SocketWrapper{Socket: zmq4.NewRouter(ctx), Type: messaging.ControlMessage},
		ShellSocket:     &SocketWrapper{Socket: zmq4.NewRouter(ctx), Type: messaging.ShellMessage},
		StdinSocket:     &SocketWrapper{Socket: zmq4.NewRouter(ctx), Type: messaging.StdinMessage},
		IOPubSocket:     &SocketWrapper{Socket: zmq4.NewPub(ctx), Type: messaging.IOMessage},
		session:         messaging.NewSession(messaging.JupyterSignatureScheme, key, messaging.WithSessionId(session), messaging.WithUsername("kernel")),
		stdinReplies:    make(chan string, 1),
		ctx:             ctx,
		cancel:          cancel,
	}

	config.InitLogger(&kernel.log, fmt.Sprintf("FakeKernel-%s ", session))

	return kernel
}

// Start binds every socket to an OS-assigned port and begins serving.
func (k *FakeKernel) Start() error {
	sockets := []*SocketWrapper{k.ShellSocket, k.IOPubSocket, k.StdinSocket, k.ControlSocket, k.HeartbeatSocket}
	for _, socket := range sockets {
		if err := socket.Listen("tcp://127.0.0.1:0"); err != nil {
			return err
		}
		socket.Port = socket.Addr().(*net.TCPAddr).Port
		k.log.Debug("%v socket is listening at tcp://127.0.0.1:%d", socket.Type, socket.Port)
	}

	k.Serving.Store(true)

	k.wg.Add(4)
	go k.serveHeartbeat()
	go k.serveShell()
	go k.serveControl()
	go k.serveStdin()

	return nil
}

// ConnectionInfo returns a descriptor a client can use to reach this kernel.
func (k *FakeKernel) ConnectionInfo() *jupyter.ConnectionInfo {
	return &jupyter.ConnectionInfo{
		IP:              "127.0.0.1",
		Transport:       jupyter.TransportTCP,
		SignatureScheme: messaging.JupyterSignatureScheme,
		Key:             k.Key,
		ShellPort:       k.ShellSocket.Port,
		IOPubPort:       k.IOPubSocket.Port,
		StdinPort:       k.StdinSocket.Port,
		ControlPort:     k.ControlSocket.Port,
		HBPort:          k.HeartbeatSocket.Port,
	}
}

// Close stops serving and closes every socket.
func (k *FakeKernel) Close() {
	if !k.Serving.CompareAndSwap(true, false) {
		return
	}

	k.cancel()

	for _, socket := range []*SocketWrapper{k.ShellSocket, k.IOPubSocket, k.StdinSocket, k.ControlSocket, k.HeartbeatSocket} {
		_ = socket.Socket.Close()
	}

	k.wg.Wait()
}

// Interrupt releases any execution blocked in a busy loop, as a SIGINT would.
func (k *FakeKernel) Interrupt() {
	k.interruptMu.Lock()
	defer k.interruptMu.Unlock()

	if k.interruptChan != nil {
		close(k.interruptChan)
		k.interruptChan = nil
	}
}

func (k *FakeKernel) serveHeartbeat() {
	defer k.wg.Done()

	// Echo every ping verbatim; the routing identity in the first frame sends
	// the reply back to the pinging client.
	for {
		msg, err := k.HeartbeatSocket.Recv()
		if err != nil {
			return
		}

		if err = k.HeartbeatSocket.Send(msg); err != nil {
			return
		}
	}
}

func (k *FakeKernel) serveControl() {
	defer k.wg.Done()

	for {
		zmsg, err := k.ControlSocket.Recv()
		if err != nil {
			return
		}

		msg := messaging.NewJupyterMessage(&zmsg)
		if msg == nil || msg.Validate() != nil {
			continue
		}

		identities := zmsg.Frames[:msg.Offset()]

		switch msg.JupyterMessageType() {
		case messaging.ControlShutdownRequest:
			var request messaging.MessageShutdownRequest
			_ = msg.JupyterFrames.DecodeContent(&request)

			reply := &messaging.MessageShutdownReply{Status: messaging.MessageStatusOK, Restart: request.Restart}
			k.sendRouted(k.ControlSocket, identities, messaging.ControlShutdownReply, msg, reply)

		case messaging.ControlInterruptRequest:
			k.Interrupt()
			k.sendRouted(k.ControlSocket, identities, messaging.ControlInterruptReply, msg, map[string]interface{}{"status": messaging.MessageStatusOK})
		}
	}
}

func (k *FakeKernel) serveShell() {
	defer k.wg.Done()

	for {
		zmsg, err := k.ShellSocket.Recv()
		if err != nil {
			return
		}

		msg := messaging.NewJupyterMessage(&zmsg)
		if msg == nil || msg.Validate() != nil {
			continue
		}

		if err = msg.JupyterFrames.Verify(messaging.JupyterSignatureScheme, []byte(k.Key)); err != nil {
			k.log.Warn("Rejecting shell message with bad signature: %v", err)
			continue
		}

		identities := make([][]byte, msg.Offset())
		copy(identities, zmsg.Frames[:msg.Offset()])

		k.shellIdentityMu.Lock()
		k.shellIdentity = identities
		k.shellIdentityMu.Unlock()

		switch msg.JupyterMessageType() {
		case messaging.ShellKernelInfoRequest:
			content := map[string]interface{}{
				"status":                 messaging.MessageStatusOK,
				"protocol_version":       messaging.JupyterProtocolVersion,
				"implementation":         "fake",
				"implementation_version": "0.1",
				"language_info":          map[string]interface{}{"name": "python"},
				"banner":                 "fake kernel",
			}
			k.sendRouted(k.ShellSocket, identities, messaging.ShellKernelInfoReply, msg, content)

		case messaging.ShellExecuteRequest:
			k.handleExecute(identities, msg)

		default:
			k.log.Warn("Dropping unsupported shell message of type \"%s\".", msg.JupyterMessageType())
		}
	}
}

func (k *FakeKernel) serveStdin() {
	defer k.wg.Done()

	for {
		zmsg, err := k.StdinSocket.Recv()
		if err != nil {
			return
		}

		msg := messaging.NewJupyterMessage(&zmsg)
		if msg == nil || msg.Validate() != nil {
			continue
		}

		if msg.JupyterMessageType() != messaging.StdinInputReply {
			continue
		}

		var reply messaging.MessageInputReply
		if err = msg.JupyterFrames.DecodeContent(&reply); err != nil {
			continue
		}

		select {
		case k.stdinReplies <- reply.Value:
		default:
		}
	}
}

// handleExecute emulates one code execution: busy status, execute_input, the
// scripted effect of the code, idle status, and the execute_reply.
func (k *FakeKernel) handleExecute(identities [][]byte, request *messaging.JupyterMessage) {
	count := atomic.AddInt64(&k.executionCount, 1)

	var content messaging.MessageExecuteRequest
	_ = request.JupyterFrames.DecodeContent(&content)

	k.publish(messaging.IOStatusMessage, request, &messaging.MessageKernelStatus{Status: messaging.MessageKernelStatusBusy})
	k.publish(messaging.IOExecuteInput, request, map[string]interface{}{
		"code":            content.Code,
		"execution_count": count,
	})

	status := messaging.MessageStatusOK
	var errName string

	switch {
	case strings.HasPrefix(content.Code, "print("):
		text := extractStringLiteral(content.Code)
		k.publish(messaging.IOStreamMessage, request, map[string]interface{}{
			"name": "stdout",
			"text": text + "\n",
		})

	case strings.Contains(content.Code, "input("):
		prompt := extractStringLiteral(content.Code)
		k.shellIdentityMu.Lock()
		stdinIdentities := k.shellIdentity
		k.shellIdentityMu.Unlock()

		k.sendRouted(k.StdinSocket, stdinIdentities, messaging.StdinInputRequest, request, map[string]interface{}{
			"prompt":   prompt,
			"password": false,
		})

		select {
		case value := <-k.stdinReplies:
			k.publish(messaging.IOStreamMessage, request, map[string]interface{}{
				"name": "stdout",
				"text": value + "\n",
			})
		case <-k.ctx.Done():
			return
		}

	case strings.Contains(content.Code, "while True"):
		k.interruptMu.Lock()
		interrupted := make(chan struct{})
		k.interruptChan = interrupted
		k.interruptMu.Unlock()

		select {
		case <-interrupted:
			status = messaging.MessageStatusError
			errName = "KeyboardInterrupt"
			k.publish(messaging.IOErrorMessage, request, map[string]interface{}{
				"ename":     errName,
				"evalue":    "",
				"traceback": []string{},
			})
		case <-k.ctx.Done():
			return
		}
	}

	k.publish(messaging.IOStatusMessage, request, &messaging.MessageKernelStatus{Status: messaging.MessageKernelStatusIdle})

	replyContent := map[string]interface{}{
		"status":          status,
		"execution_count": count,
	}
	if errName != "" {
		replyContent["ename"] = errName
		replyContent["evalue"] = ""
	}

	k.sendRouted(k.ShellSocket, identities, messaging.ShellExecuteReply, request, replyContent)
}

// sendRouted builds, signs and sends a reply on a router socket, prepending
// the peer's routing identities.
func (k *FakeKernel) sendRouted(socket *SocketWrapper, identities [][]byte, msgType string, parent *messaging.JupyterMessage, content interface{}) {
	msg, err := k.session.BuildReply(msgType, parent, content)
	if err != nil {
		k.log.Error("Failed to build \"%s\" message: %v", msgType, err)
		return
	}

	if _, err = msg.JupyterFrames.Sign(messaging.JupyterSignatureScheme, []byte(k.Key)); err != nil {
		k.log.Error("Failed to sign \"%s\" message: %v", msgType, err)
		return
	}

	frames := make([][]byte, 0, len(identities)+msg.JupyterFrames.Len())
	frames = append(frames, identities...)
	frames = append(frames, msg.JupyterFrames.Frames...)

	if err = socket.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		k.log.Error("Failed to send \"%s\" message via %v socket: %v", msgType, socket.Type, err)
	}
}

// publish builds, signs and publishes one iopub message, with the message type
// as the topic frame.
func (k *FakeKernel) publish(msgType string, parent *messaging.JupyterMessage, content interface{}) {
	msg, err := k.session.BuildReply(msgType, parent, content)
	if err != nil {
		k.log.Error("Failed to build iopub \"%s\" message: %v", msgType, err)
		return
	}

	if _, err = msg.JupyterFrames.Sign(messaging.JupyterSignatureScheme, []byte(k.Key)); err != nil {
		k.log.Error("Failed to sign iopub \"%s\" message: %v", msgType, err)
		return
	}

	frames := make([][]byte, 0, msg.JupyterFrames.Len()+1)
	frames = append(frames, []byte(msgType))
	frames = append(frames, msg.JupyterFrames.Frames...)

	if err = k.IOPubSocket.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		k.log.Error("Failed to publish iopub \"%s\" message: %v", msgType, err)
	}
}

// extractStringLiteral returns the first single- or double-quoted literal in
// the given code, or the empty string.
func extractStringLiteral(code string) string {
	for _, quote := range []string{"\"", "'"} {
		start := strings.Index(code, quote)
		if start < 0 {
			continue
		}

		end := strings.Index(code[start+1:], quote)
		if end < 0 {
			continue
		}

		return code[start+1 : start+1+end]
	}

	return ""
}
