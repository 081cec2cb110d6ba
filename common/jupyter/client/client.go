package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/petermattis/goid"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
	"github.com/scusemua/jupyter-kernel-client/common/jupyter/messaging"
	"github.com/scusemua/jupyter-kernel-client/common/utils"
	"github.com/scusemua/jupyter-kernel-client/common/utils/hashmap"
)

var (
	heartbeatInterval = time.Second

	// heartbeatPayloadSize is the number of random bytes echoed per ping.
	heartbeatPayloadSize = 16
)

// ExecutionState is the client's view of the kernel's execution state,
// updated strictly from iopub "status" messages. "dead" is synthesized by the
// owner (the kernel manager) on unexpected exit, never by the kernel itself.
type ExecutionState = string

const (
	ExecutionStateStarting ExecutionState = messaging.MessageKernelStatusStarting
	ExecutionStateIdle     ExecutionState = messaging.MessageKernelStatusIdle
	ExecutionStateBusy     ExecutionState = messaging.MessageKernelStatusBusy
	ExecutionStateDead     ExecutionState = messaging.MessageKernelStatusDead
)

// StdinHandler answers one kernel-initiated input request. It receives the
// prompt and whether the input should be hidden, and returns the user's value.
type StdinHandler func(prompt string, password bool) (string, error)

// Diagnostics is a snapshot of the client's drop counters. No message is ever
// dropped without being counted here.
type Diagnostics struct {
	DroppedInvalidSignature      int64
	DroppedDuplicateSignature    int64
	DroppedMalformed             int64
	DroppedProtocolMismatch      int64
	DroppedUnknownParent         int64
	DroppedLateReplies           int64
	DroppedSubscriberOverflow    int64
	DroppedDuplicateStdinReplies int64
}

// KernelClient connects to a running kernel over the five Jupyter channels.
//
// The client owns its sockets; no other component may send or receive on them.
// It holds a non-owning reference to the connection descriptor, which is
// immutable after binding.
//
// The two user-facing surfaces:
//
//  1. Asynchronous: SendRequest returns a *PendingRequest that resolves with
//     the correlated reply; SubscribeIOPub attaches a callback.
//  2. Synchronous-blocking: RequestWithTimeout, ExecuteAndWaitForIdle,
//     WaitForReady, WaitForIdle.
type KernelClient struct {
	id       string
	connInfo *jupyter.ConnectionInfo
	session  *messaging.Session
	sockets  *messaging.JupyterSocketSet
	broker   *IOPubBroker

	ctx       context.Context
	cancelCtx context.CancelFunc

	// pending maps request ids to their completion slots.
	pending hashmap.HashMap[string, *PendingRequest]

	// lastShellRequest is the id of the most recently issued shell request,
	// used when WaitForIdle is called without an explicit parent.
	lastShellRequest atomic.Value

	stateMu        sync.Mutex
	executionState ExecutionState
	stateParent    string
	stateChanged   chan struct{}

	stdinMu       sync.Mutex
	stdinHandler  StdinHandler
	stdinTimeout  time.Duration
	answeredStdin hashmap.BaseHashMap[string, bool]

	hbMu            sync.Mutex
	hbEchoes        chan *zmq4.Msg
	lastHeartbeatAt atomic.Value

	droppedInvalidSignature   int64
	droppedDuplicateSignature int64
	droppedMalformed          int64
	droppedProtocolMismatch   int64
	droppedUnknownParent      int64
	droppedLateReplies        int64
	droppedDuplicateStdin     int64

	connected int32
	closed    int32

	log logger.Logger
}

type Option func(*KernelClient)

// WithSession supplies the session used to sign and verify messages. By
// default a fresh session keyed by the connection descriptor is created.
func WithSession(session *messaging.Session) Option {
	return func(c *KernelClient) {
		c.session = session
	}
}

// WithStdinHandler registers the single consumer for kernel-initiated input
// requests. The timeout bounds how long one request may wait for an answer
// before the kernel is told input is unavailable.
func WithStdinHandler(handler StdinHandler, timeout time.Duration) Option {
	return func(c *KernelClient) {
		c.stdinHandler = handler
		c.stdinTimeout = timeout
	}
}

// NewKernelClient creates a client for the kernel described by info.
// The client does not connect until Dial is called.
func NewKernelClient(ctx context.Context, id string, info *jupyter.ConnectionInfo, opts ...Option) *KernelClient {
	ctx, cancel := context.WithCancel(ctx)

	client := &KernelClient{
		id:             id,
		connInfo:       info,
		ctx:            ctx,
		cancelCtx:      cancel,
		pending:        hashmap.NewCornelkMap[string, *PendingRequest](32),
		broker:         newIOPubBroker(id),
		executionState: ExecutionStateStarting,
		stateChanged:   make(chan struct{}),
		stdinTimeout:   30 * time.Second,
		answeredStdin:  hashmap.NewSyncMap[string, bool](),
		hbEchoes:       make(chan *zmq4.Msg, 8),
	}
	client.lastShellRequest.Store("")

	for _, opt := range opts {
		opt(client)
	}

	if client.session == nil {
		client.session = messaging.NewSessionFromConnectionInfo(info)
	}

	// Shell, stdin and control share the session id as their zmq identity, so
	// the kernel's stdin router can address input_requests at this client.
	identity := zmq4.SocketIdentity(client.session.Id())

	client.sockets = messaging.NewJupyterSocketSet(
		messaging.NewSocket(zmq4.NewDealer(ctx), info.HBPort, messaging.HBMessage, fmt.Sprintf("K-Dealer-HB[%s]", id)),
		messaging.NewSocket(zmq4.NewDealer(ctx, zmq4.WithID(identity)), info.ControlPort, messaging.ControlMessage, fmt.Sprintf("K-Dealer-Ctrl[%s]", id)),
		messaging.NewSocket(zmq4.NewDealer(ctx, zmq4.WithID(identity)), info.ShellPort, messaging.ShellMessage, fmt.Sprintf("K-Dealer-Shell[%s]", id)),
		messaging.NewSocket(zmq4.NewDealer(ctx, zmq4.WithID(identity)), info.StdinPort, messaging.StdinMessage, fmt.Sprintf("K-Dealer-Stdin[%s]", id)),
		messaging.NewSocket(zmq4.NewSub(ctx), info.IOPubPort, messaging.IOMessage, fmt.Sprintf("K-Sub-IOSub[%s]", id)),
	)
	client.sockets.IO.SetOption(zmq4.OptionSubscribe, "")

	config.InitLogger(&client.log, fmt.Sprintf("Kernel %s ", id))

	return client
}

// ID returns the kernel id this client is attached to.
func (c *KernelClient) ID() string {
	return c.id
}

// ConnectionInfo returns the connection descriptor (immutable after binding).
func (c *KernelClient) ConnectionInfo() *jupyter.ConnectionInfo {
	return c.connInfo
}

// Session returns the client's session.
func (c *KernelClient) Session() *messaging.Session {
	return c.session
}

// Dial connects all five sockets and starts the receive loops. The heartbeat
// socket is connected first, retrying until its dial succeeds; the remaining
// sockets follow. Dial sends no ping; WaitForReady checks for an echo.
func (c *KernelClient) Dial(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return jupyter.ErrKernelClosed
	}

	address := fmt.Sprintf("%v://%v:%%v", c.connInfo.Transport, c.connInfo.IP)

	// Wait for heartbeat connection.
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return jupyter.NewChannelError(jupyter.ErrRequestCancelled, "heartbeat", "")
		case <-c.ctx.Done():
			return jupyter.ErrKernelClosed
		case <-timer.C:
		}

		if err := c.dial(address, c.sockets.HB); err != nil {
			c.log.Warn("Failed to dial heartbeat (%v), retrying...", err)
			timer.Reset(heartbeatInterval)
			continue
		}

		c.log.Debug("Heartbeat connected")
		break
	}

	// Dial all other sockets.
	if err := c.dial(address, c.sockets.Control, c.sockets.Shell, c.sockets.Stdin, c.sockets.IO); err != nil {
		c.log.Error("Failed to dial at least one socket: %v", err)
		c.Close()
		return err
	}

	// Start serving after all sockets are connected.
	for _, socket := range []*messaging.Socket{c.sockets.Control, c.sockets.Shell, c.sockets.Stdin, c.sockets.IO} {
		go c.serve(socket)
	}
	go c.pollHeartbeat()

	atomic.StoreInt32(&c.connected, 1)
	return nil
}

// pollHeartbeat is the single reader of the heartbeat socket; echoes are
// buffered for Heartbeat calls and stale ones dropped on overflow.
func (c *KernelClient) pollHeartbeat() {
	for {
		echo, err := c.sockets.HB.Recv()
		if err != nil {
			return
		}

	enqueue:
		for {
			select {
			case c.hbEchoes <- &echo:
				break enqueue
			default:
			}

			select {
			case <-c.hbEchoes:
			default:
			}
		}

		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

// dial connects the specified sockets.
func (c *KernelClient) dial(address string, sockets ...*messaging.Socket) error {
	for _, socket := range sockets {
		if socket == nil {
			continue
		}

		addressWithPort := fmt.Sprintf(address, socket.Port)
		c.log.Debug("Dialing %s socket at %s now...", socket.Type.String(), addressWithPort)

		if err := socket.Dial(addressWithPort); err != nil {
			return fmt.Errorf("could not connect to kernel %v socket at address %s: %w", socket.Type.String(), addressWithPort, err)
		}
	}

	return nil
}

// Connected reports whether Dial completed successfully.
func (c *KernelClient) Connected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// serve owns one socket's receive loop until the client closes.
func (c *KernelClient) serve(socket *messaging.Socket) {
	goroutineId := goid.Get()

	if !socket.TryClaimServing() {
		// Already serving.
		return
	}
	defer socket.ReleaseServing()

	chMsg := make(chan interface{})
	go c.poll(socket, chMsg)

	for {
		select {
		case <-socket.StopServingChan:
			c.log.Debug("[gid=%d] Received 'stop-serving' notification for %v socket.", goroutineId, socket.Type)
			return
		case <-c.ctx.Done():
			return
		case msg := <-chMsg:
			if msg == nil {
				return
			}

			switch v := msg.(type) {
			case error:
				if errors.Is(v, io.EOF) || errors.Is(v, context.Canceled) {
					c.log.Debug("[gid=%d] Socket %s [%v] closed.", goroutineId, socket.Name, socket.Type)
					return
				}
				c.log.Error(utils.RedStyle.Render("[gid=%d] Error receiving %s message: %v"), goroutineId, socket.Type.String(), v)
			case *zmq4.Msg:
				c.handleMessage(socket, v)
			}
		}
	}
}

// poll reads messages from the socket and forwards them (or the receive error)
// to chMsg. Quits when the client context is cancelled or on receive error.
func (c *KernelClient) poll(socket *messaging.Socket, chMsg chan<- interface{}) {
	defer close(chMsg)

	var msg interface{}
	for {
		got, err := socket.Recv()
		if err == nil {
			msg = &got
		} else {
			msg = err
		}

		select {
		case chMsg <- msg:
		case <-c.ctx.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

// handleMessage parses, verifies, and routes one received message. Framing and
// signature errors are logged, counted, and the message dropped; they never
// tear down the connection.
func (c *KernelClient) handleMessage(socket *messaging.Socket, zmsg *zmq4.Msg) {
	msg, err := c.session.ParseMessage(zmsg, socket.Type)
	if err != nil {
		switch {
		case errors.Is(err, jupyter.ErrInvalidSignature):
			atomic.AddInt64(&c.droppedInvalidSignature, 1)
			c.log.Warn(utils.OrangeStyle.Render("Dropping %v message with invalid signature: %v"), socket.Type, err)
		case errors.Is(err, jupyter.ErrDuplicateSignature):
			atomic.AddInt64(&c.droppedDuplicateSignature, 1)
			c.log.Warn(utils.OrangeStyle.Render("Dropping replayed %v message: %v"), socket.Type, err)
		case errors.Is(err, jupyter.ErrProtocolMismatch):
			atomic.AddInt64(&c.droppedProtocolMismatch, 1)
			c.log.Warn(utils.OrangeStyle.Render("Dropping %v message with incompatible protocol version: %v"), socket.Type, err)
		default:
			atomic.AddInt64(&c.droppedMalformed, 1)
			c.log.Warn(utils.OrangeStyle.Render("Dropping malformed %v message: %v"), socket.Type, err)
		}
		return
	}

	switch socket.Type {
	case messaging.ShellMessage, messaging.ControlMessage:
		c.handleReply(socket.Type, msg)
	case messaging.IOMessage:
		c.handleIOPub(msg)
	case messaging.StdinMessage:
		c.handleStdinRequest(msg)
	}
}

// handleReply correlates a shell or control reply with its pending request by
// parent message id. Replies whose parent id is unknown are dropped after
// being logged.
func (c *KernelClient) handleReply(typ messaging.MessageType, msg *messaging.JupyterMessage) {
	parentId := msg.JupyterParentMessageId()
	if parentId == "" {
		atomic.AddInt64(&c.droppedUnknownParent, 1)
		c.log.Warn("Unexpected %v \"%s\" message without parent id; dropping.", typ, msg.JupyterMessageType())
		return
	}

	pending, exists := c.pending.LoadAndDelete(parentId)
	if !exists {
		atomic.AddInt64(&c.droppedUnknownParent, 1)
		c.log.Warn("Discarding %v \"%s\" reply to unknown request \"%s\".", typ, msg.JupyterMessageType(), parentId)
		return
	}

	if !pending.complete(msg) {
		// The request already resolved (timed out or was cancelled); the reply
		// is discarded.
		atomic.AddInt64(&c.droppedLateReplies, 1)
		c.log.Debug("Discarding late %v \"%s\" reply to request \"%s\".", typ, msg.JupyterMessageType(), parentId)
	}
}

// handleIOPub updates the execution state from "status" messages and fans the
// message out to subscribers.
func (c *KernelClient) handleIOPub(msg *messaging.JupyterMessage) {
	if msg.JupyterMessageType() == messaging.IOStatusMessage {
		var status messaging.MessageKernelStatus
		if err := msg.JupyterFrames.DecodeContent(&status); err != nil {
			c.log.Warn("Failed to decode iopub status content: %v", err)
		} else {
			c.setExecutionState(status.Status, msg.JupyterParentMessageId())
		}
	}

	c.broker.Publish(msg)
}

// handleStdinRequest serves a kernel-initiated input request. Exactly one
// reply is produced per request: the registered handler's answer, or an error
// reply telling the kernel that input is unavailable.
func (c *KernelClient) handleStdinRequest(msg *messaging.JupyterMessage) {
	if msg.JupyterMessageType() != messaging.StdinInputRequest {
		atomic.AddInt64(&c.droppedMalformed, 1)
		c.log.Warn("Unexpected stdin message of type \"%s\"; dropping.", msg.JupyterMessageType())
		return
	}

	requestId := msg.JupyterMessageId()
	if _, answered := c.answeredStdin.LoadOrStore(requestId, true); answered {
		atomic.AddInt64(&c.droppedDuplicateStdin, 1)
		c.log.Warn("Already answered stdin request \"%s\"; dropping duplicate.", requestId)
		return
	}

	content, err := msg.DecodeContent()
	if err != nil {
		c.log.Warn("Failed to decode input_request content: %v", err)
		content = map[string]interface{}{}
	}

	prompt, _ := content["prompt"].(string)
	password, _ := content["password"].(bool)

	c.stdinMu.Lock()
	handler := c.stdinHandler
	timeout := c.stdinTimeout
	c.stdinMu.Unlock()

	// Answer off the receive loop; the handler may block on the user.
	go func() {
		var reply messaging.MessageInputReply

		if handler == nil {
			reply = messaging.MessageInputReply{Status: messaging.MessageStatusError, Value: ""}
		} else {
			type answer struct {
				value string
				err   error
			}
			answerChan := make(chan answer, 1)
			go func() {
				value, handlerErr := handler(prompt, password)
				answerChan <- answer{value: value, err: handlerErr}
			}()

			select {
			case a := <-answerChan:
				if a.err != nil {
					reply = messaging.MessageInputReply{Status: messaging.MessageStatusError, Value: ""}
				} else {
					reply = messaging.MessageInputReply{Value: a.value}
				}
			case <-time.After(timeout):
				reply = messaging.MessageInputReply{Status: messaging.MessageStatusError, Value: ""}
			case <-c.ctx.Done():
				return
			}
		}

		replyMsg, buildErr := c.session.BuildReply(messaging.StdinInputReply, msg, &reply)
		if buildErr != nil {
			c.log.Error("Failed to build input_reply: %v", buildErr)
			return
		}

		if sendErr := c.session.Send(c.sockets.Stdin, replyMsg); sendErr != nil {
			c.log.Error("Failed to send input_reply: %v", sendErr)
		}
	}()
}

// OnStdin registers the single consumer for kernel-initiated input requests.
func (c *KernelClient) OnStdin(handler StdinHandler, timeout time.Duration) {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()

	c.stdinHandler = handler
	if timeout > 0 {
		c.stdinTimeout = timeout
	}
}

// SubscribeIOPub attaches a callback for the given iopub message type (or
// IOPubAllTopics). The callback runs on its own goroutine with a bounded
// queue; slow callbacks lose the oldest messages rather than blocking the
// receive loop.
func (c *KernelClient) SubscribeIOPub(topic string, bufferSize int, handler IOPubHandler) *Subscription {
	return c.broker.Subscribe(topic, bufferSize, handler)
}

// setExecutionState publishes a new execution state observed on iopub.
func (c *KernelClient) setExecutionState(state ExecutionState, parentId string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.executionState = state
	c.stateParent = parentId
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
}

// ExecutionState returns the current execution state and the id of the request
// that produced it.
func (c *KernelClient) ExecutionState() (ExecutionState, string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.executionState, c.stateParent
}

// WaitForIdle blocks until the execution state transitions to idle with a
// parent id matching the supplied request id. With an empty parentId, the most
// recently issued shell request is used; if none was issued, any idle counts.
func (c *KernelClient) WaitForIdle(ctx context.Context, parentId string, timeout time.Duration) error {
	if parentId == "" {
		parentId, _ = c.lastShellRequest.Load().(string)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.stateMu.Lock()
		state, par, changed := c.executionState, c.stateParent, c.stateChanged
		c.stateMu.Unlock()

		if state == ExecutionStateDead {
			return jupyter.NewChannelError(jupyter.ErrKernelDied, "iopub", parentId)
		}

		if state == ExecutionStateIdle && (parentId == "" || par == parentId) {
			return nil
		}

		select {
		case <-changed:
		case <-deadline:
			return jupyter.NewChannelError(jupyter.ErrRequestTimedOut, "iopub", parentId)
		case <-ctx.Done():
			return jupyter.NewChannelError(jupyter.ErrRequestCancelled, "iopub", parentId)
		case <-c.ctx.Done():
			return jupyter.ErrKernelClosed
		}
	}
}

// SendRequest enqueues a request on the shell or control channel and returns a
// handle that resolves with its reply. The request id is recorded in the
// pending table until resolved and reaped.
func (c *KernelClient) SendRequest(typ messaging.MessageType, msg *messaging.JupyterMessage) (*PendingRequest, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, jupyter.ErrKernelClosed
	}

	if !typ.IsRequestReply() {
		return nil, fmt.Errorf("cannot await a reply on the %v channel", typ)
	}

	socket := c.sockets.Get(typ)
	if socket == nil {
		return nil, jupyter.ErrSocketNotAvailable
	}

	requestId := msg.JupyterMessageId()
	if requestId == "" {
		return nil, jupyter.NewChannelError(jupyter.ErrMalformedFrame, typ.String(), "")
	}

	pending := newPendingRequest(requestId, msg.JupyterMessageType(), typ)
	c.pending.Store(requestId, pending)

	if typ == messaging.ShellMessage {
		c.lastShellRequest.Store(requestId)
	}

	if err := c.session.Send(socket, msg); err != nil {
		c.pending.Delete(requestId)
		return nil, jupyter.NewChannelError(err, typ.String(), requestId)
	}

	c.log.Debug("Sent %v \"%s\" request \"%s\".", typ, msg.JupyterMessageType(), requestId)

	return pending, nil
}

// CancelRequest removes the pending slot for the given request and discards
// any late reply. The kernel is NOT informed; callers wanting real
// cancellation use InterruptRequest on the control channel.
func (c *KernelClient) CancelRequest(pending *PendingRequest) {
	c.pending.Delete(pending.RequestId())
	pending.fail(jupyter.ErrRequestCancelled)
}

// RequestWithTimeout sends the request and blocks until the correlated reply
// arrives, the timeout elapses, or the context is cancelled.
//
// On timeout the request id remains in the pending table; a late reply is
// discarded (and counted) when it arrives.
func (c *KernelClient) RequestWithTimeout(ctx context.Context, typ messaging.MessageType, msg *messaging.JupyterMessage, timeout time.Duration) (*messaging.JupyterMessage, error) {
	pending, err := c.SendRequest(typ, msg)
	if err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-pending.Done():
		return pending.Reply()
	case <-deadline:
		pending.fail(jupyter.ErrRequestTimedOut)
		return nil, jupyter.NewChannelError(jupyter.ErrRequestTimedOut, typ.String(), pending.RequestId())
	case <-ctx.Done():
		c.CancelRequest(pending)
		return nil, jupyter.NewChannelError(jupyter.ErrRequestCancelled, typ.String(), pending.RequestId())
	case <-c.ctx.Done():
		return nil, jupyter.ErrKernelClosed
	}
}

// KernelInfo issues a kernel_info_request and returns the reply content.
// Replies with a non-5.x protocol version fail with ErrProtocolMismatch.
func (c *KernelClient) KernelInfo(ctx context.Context, timeout time.Duration) (map[string]interface{}, error) {
	msg, err := c.session.BuildMessage(messaging.ShellKernelInfoRequest, map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	reply, err := c.RequestWithTimeout(ctx, messaging.ShellMessage, msg, timeout)
	if err != nil {
		return nil, err
	}

	content, err := reply.DecodeContent()
	if err != nil {
		return nil, jupyter.NewChannelError(jupyter.ErrMalformedFrame, "shell", reply.JupyterParentMessageId())
	}

	if version, ok := content["protocol_version"].(string); ok && !strings.HasPrefix(version, "5.") {
		return nil, jupyter.NewChannelError(jupyter.ErrProtocolMismatch, "shell", reply.JupyterParentMessageId())
	}

	return content, nil
}

// ExecuteOptions tunes an execute_request.
type ExecuteOptions struct {
	Silent       bool
	StoreHistory bool
	AllowStdin   bool
	StopOnError  bool
}

// Execute enqueues an execute_request and returns its handle.
func (c *KernelClient) Execute(code string, opts ExecuteOptions) (*PendingRequest, error) {
	content := &messaging.MessageExecuteRequest{
		Code:            code,
		Silent:          opts.Silent,
		StoreHistory:    opts.StoreHistory,
		UserExpressions: map[string]interface{}{},
		AllowStdin:      opts.AllowStdin,
		StopOnError:     opts.StopOnError,
	}

	msg, err := c.session.BuildMessage(messaging.ShellExecuteRequest, content)
	if err != nil {
		return nil, err
	}

	return c.SendRequest(messaging.ShellMessage, msg)
}

// ExecuteAndWaitForIdle executes the given code and blocks until both the
// execute_reply arrives and the kernel has reported idle for this request on
// iopub.
func (c *KernelClient) ExecuteAndWaitForIdle(ctx context.Context, code string, opts ExecuteOptions, timeout time.Duration) (*messaging.JupyterMessage, error) {
	started := time.Now()

	pending, err := c.Execute(code, opts)
	if err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-pending.Done():
	case <-deadline:
		pending.fail(jupyter.ErrRequestTimedOut)
		return nil, jupyter.NewChannelError(jupyter.ErrRequestTimedOut, "shell", pending.RequestId())
	case <-ctx.Done():
		c.CancelRequest(pending)
		return nil, jupyter.NewChannelError(jupyter.ErrRequestCancelled, "shell", pending.RequestId())
	}

	reply, err := pending.Reply()
	if err != nil {
		return nil, err
	}

	remaining := timeout
	if timeout > 0 {
		remaining = timeout - time.Since(started)
		if remaining <= 0 {
			return nil, jupyter.NewChannelError(jupyter.ErrRequestTimedOut, "iopub", pending.RequestId())
		}
	}

	if err = c.WaitForIdle(ctx, pending.RequestId(), remaining); err != nil {
		return nil, err
	}

	return reply, nil
}

// Inspect issues an inspect_request for the object at cursorPos in code.
func (c *KernelClient) Inspect(ctx context.Context, code string, cursorPos int, detailLevel int, timeout time.Duration) (map[string]interface{}, error) {
	content := map[string]interface{}{
		"code":         code,
		"cursor_pos":   cursorPos,
		"detail_level": detailLevel,
	}

	msg, err := c.session.BuildMessage(messaging.ShellInspectRequest, content)
	if err != nil {
		return nil, err
	}

	reply, err := c.RequestWithTimeout(ctx, messaging.ShellMessage, msg, timeout)
	if err != nil {
		return nil, err
	}

	return reply.DecodeContent()
}

// Complete issues a complete_request for the cursor position in code.
func (c *KernelClient) Complete(ctx context.Context, code string, cursorPos int, timeout time.Duration) (map[string]interface{}, error) {
	content := map[string]interface{}{
		"code":       code,
		"cursor_pos": cursorPos,
	}

	msg, err := c.session.BuildMessage(messaging.ShellCompleteRequest, content)
	if err != nil {
		return nil, err
	}

	reply, err := c.RequestWithTimeout(ctx, messaging.ShellMessage, msg, timeout)
	if err != nil {
		return nil, err
	}

	return reply.DecodeContent()
}

// IsComplete asks the kernel whether the given code is a complete statement.
func (c *KernelClient) IsComplete(ctx context.Context, code string, timeout time.Duration) (map[string]interface{}, error) {
	msg, err := c.session.BuildMessage(messaging.ShellIsCompleteRequest, map[string]interface{}{"code": code})
	if err != nil {
		return nil, err
	}

	reply, err := c.RequestWithTimeout(ctx, messaging.ShellMessage, msg, timeout)
	if err != nil {
		return nil, err
	}

	return reply.DecodeContent()
}

// InterruptRequest sends an interrupt_request on the control channel. This is
// the real cancellation primitive; CancelRequest only abandons a local slot.
func (c *KernelClient) InterruptRequest(ctx context.Context, timeout time.Duration) (*messaging.JupyterMessage, error) {
	msg, err := c.session.BuildMessage(messaging.ControlInterruptRequest, map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	return c.RequestWithTimeout(ctx, messaging.ControlMessage, msg, timeout)
}

// DebugRequest sends a debug_request on the control channel and returns the
// reply content.
func (c *KernelClient) DebugRequest(ctx context.Context, content map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	msg, err := c.session.BuildMessage(messaging.ControlDebugRequest, content)
	if err != nil {
		return nil, err
	}

	reply, err := c.RequestWithTimeout(ctx, messaging.ControlMessage, msg, timeout)
	if err != nil {
		return nil, err
	}

	return reply.DecodeContent()
}

// ShutdownRequest sends a shutdown_request on the control channel.
func (c *KernelClient) ShutdownRequest(ctx context.Context, restart bool, timeout time.Duration) (*messaging.JupyterMessage, error) {
	msg, err := c.session.BuildMessage(messaging.ControlShutdownRequest, &messaging.MessageShutdownRequest{Restart: restart})
	if err != nil {
		return nil, err
	}

	return c.RequestWithTimeout(ctx, messaging.ControlMessage, msg, timeout)
}

// Heartbeat sends one ping on the heartbeat channel and waits for the echo,
// returning the round-trip time. Heartbeat is advisory: it detects liveness
// independently of the messaging channels but never triggers a restart.
func (c *KernelClient) Heartbeat(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()

	payload := []byte(utils.GenerateRandomString(heartbeatPayloadSize))
	started := time.Now()

	if err := c.sockets.HB.Send(zmq4.NewMsg(payload)); err != nil {
		return 0, jupyter.NewChannelError(err, "heartbeat", "")
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case echo := <-c.hbEchoes:
			// Discard stale echoes from previously abandoned pings.
			if len(echo.Frames) == 0 || string(echo.Frames[len(echo.Frames)-1]) != string(payload) {
				continue
			}

			rtt := time.Since(started)
			c.lastHeartbeatAt.Store(time.Now())
			return rtt, nil
		case <-deadline:
			return 0, jupyter.NewChannelError(jupyter.ErrRequestTimedOut, "heartbeat", "")
		case <-ctx.Done():
			return 0, jupyter.NewChannelError(jupyter.ErrRequestCancelled, "heartbeat", "")
		case <-c.ctx.Done():
			return 0, jupyter.ErrKernelClosed
		}
	}
}

// LastHeartbeatAt returns the time of the last successful heartbeat echo.
func (c *KernelClient) LastHeartbeatAt() (time.Time, bool) {
	ts, ok := c.lastHeartbeatAt.Load().(time.Time)
	return ts, ok
}

// WaitForReady blocks until the kernel answers both a heartbeat echo and a
// kernel_info_request, or the timeout elapses.
func (c *KernelClient) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return jupyter.NewChannelError(jupyter.ErrRequestCancelled, "heartbeat", "")
		case <-c.ctx.Done():
			return jupyter.ErrKernelClosed
		case <-timer.C:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return jupyter.NewChannelError(jupyter.ErrRequestTimedOut, "heartbeat", "")
		}

		hbTimeout := heartbeatInterval
		if remaining < hbTimeout {
			hbTimeout = remaining
		}

		if _, err := c.Heartbeat(ctx, hbTimeout); err != nil {
			timer.Reset(heartbeatInterval)
			continue
		}

		if _, err := c.KernelInfo(ctx, time.Until(deadline)); err != nil {
			timer.Reset(heartbeatInterval)
			continue
		}

		return nil
	}
}

// NotifyKernelDied transitions the execution state to dead and fails every
// pending request with ErrKernelDied. Called by the kernel manager when the
// provisioner reports an unexpected exit.
func (c *KernelClient) NotifyKernelDied() {
	c.setExecutionState(ExecutionStateDead, "")

	c.failAllPending(jupyter.ErrKernelDied)
}

func (c *KernelClient) failAllPending(err error) {
	var requestIds []string
	c.pending.Range(func(requestId string, _ *PendingRequest) bool {
		requestIds = append(requestIds, requestId)
		return true
	})

	for _, requestId := range requestIds {
		if pending, exists := c.pending.LoadAndDelete(requestId); exists {
			pending.fail(err)
		}
	}
}

// NumPendingRequests returns the number of unresolved requests.
func (c *KernelClient) NumPendingRequests() int {
	return c.pending.Len()
}

// Diagnostics returns a snapshot of the client's drop counters.
func (c *KernelClient) Diagnostics() Diagnostics {
	return Diagnostics{
		DroppedInvalidSignature:      atomic.LoadInt64(&c.droppedInvalidSignature),
		DroppedDuplicateSignature:    atomic.LoadInt64(&c.droppedDuplicateSignature),
		DroppedMalformed:             atomic.LoadInt64(&c.droppedMalformed),
		DroppedProtocolMismatch:      atomic.LoadInt64(&c.droppedProtocolMismatch),
		DroppedUnknownParent:         atomic.LoadInt64(&c.droppedUnknownParent),
		DroppedLateReplies:           atomic.LoadInt64(&c.droppedLateReplies),
		DroppedSubscriberOverflow:    c.broker.OverflowDrops(),
		DroppedDuplicateStdinReplies: atomic.LoadInt64(&c.droppedDuplicateStdin),
	}
}

// Close closes the client's sockets and fails every pending request. Close is
// idempotent.
func (c *KernelClient) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.cancelCtx()
	c.failAllPending(jupyter.ErrChannelClosed)
	c.broker.closeAll()
	c.sockets.CloseAll()

	return nil
}
