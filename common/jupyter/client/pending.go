package client

import (
	"sync"
	"time"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
	"github.com/scusemua/jupyter-kernel-client/common/jupyter/messaging"
)

// PendingRequest is the completion slot for one outbound shell or control
// request. The slot resolves exactly once: with the correlated reply, or with
// an error (timeout, cancellation, kernel death, channel closure).
type PendingRequest struct {
	requestId string
	msgType   string
	channel   messaging.MessageType
	sentAt    time.Time

	mu    sync.Mutex
	reply *messaging.JupyterMessage
	err   error
	done  chan struct{}

	// resolved guards the exactly-once completion.
	resolved bool
}

func newPendingRequest(requestId string, msgType string, channel messaging.MessageType) *PendingRequest {
	return &PendingRequest{
		requestId: requestId,
		msgType:   msgType,
		channel:   channel,
		sentAt:    time.Now(),
		done:      make(chan struct{}),
	}
}

// RequestId returns the Jupyter message id of the request.
func (p *PendingRequest) RequestId() string {
	return p.requestId
}

// MessageType returns the Jupyter message type of the request.
func (p *PendingRequest) MessageType() string {
	return p.msgType
}

// Channel returns the channel the request was sent on.
func (p *PendingRequest) Channel() messaging.MessageType {
	return p.channel
}

// Age returns how long ago the request was sent.
func (p *PendingRequest) Age() time.Duration {
	return time.Since(p.sentAt)
}

// Done returns a channel that is closed once the request has resolved.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Reply returns the correlated reply, or the error the request resolved with.
// Valid only after Done() is closed.
func (p *PendingRequest) Reply() (*messaging.JupyterMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.reply, p.err
}

// Resolved reports whether the request has already completed or failed.
func (p *PendingRequest) Resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.resolved
}

// complete resolves the slot with the given reply. Returns false if the slot
// had already resolved, in which case the reply is a late arrival that the
// caller should discard (and count).
func (p *PendingRequest) complete(reply *messaging.JupyterMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return false
	}

	p.reply = reply
	p.resolved = true
	close(p.done)
	return true
}

// fail resolves the slot with the given error, annotated with the channel and
// request id. Returns false if the slot had already resolved.
func (p *PendingRequest) fail(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return false
	}

	p.err = jupyter.NewChannelError(err, p.channel.String(), p.requestId)
	p.resolved = true
	close(p.done)
	return true
}
