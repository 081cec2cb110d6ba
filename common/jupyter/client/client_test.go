package client_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
	"github.com/scusemua/jupyter-kernel-client/common/jupyter/client"
	"github.com/scusemua/jupyter-kernel-client/common/jupyter/messaging"
	"github.com/scusemua/jupyter-kernel-client/testing/fakekernel"
)

const testKey = "c580bfa8-1721-4002-ae06-d52a9b1a4744"

// iopubRecorder collects iopub messages for one request, in arrival order.
type iopubRecorder struct {
	mu       sync.Mutex
	messages []*messaging.JupyterMessage
}

func (r *iopubRecorder) record(msg *messaging.JupyterMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)
	return nil
}

func (r *iopubRecorder) typesFor(parentId string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var types []string
	for _, msg := range r.messages {
		if msg.JupyterParentMessageId() == parentId {
			types = append(types, msg.JupyterMessageType())
		}
	}
	return types
}

func (r *iopubRecorder) streamTextFor(parentId string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	text := ""
	for _, msg := range r.messages {
		if msg.JupyterParentMessageId() != parentId || msg.JupyterMessageType() != messaging.IOStreamMessage {
			continue
		}

		content, err := msg.DecodeContent()
		if err != nil {
			continue
		}

		if chunk, ok := content["text"].(string); ok {
			text += chunk
		}
	}
	return text
}

var _ = Describe("KernelClient", func() {
	var (
		kernel       *fakekernel.FakeKernel
		kernelClient *client.KernelClient
		recorder     *iopubRecorder
		subscription *client.Subscription
		ctx          context.Context
		cancel       context.CancelFunc
	)

	startClient := func(opts ...client.Option) {
		ctx, cancel = context.WithCancel(context.Background())

		kernel = fakekernel.NewFakeKernel(uuid.NewString(), testKey)
		Expect(kernel.Start()).To(Succeed())

		kernelClient = client.NewKernelClient(ctx, kernel.ID, kernel.ConnectionInfo(), opts...)
		Expect(kernelClient.Dial(ctx)).To(Succeed())

		recorder = &iopubRecorder{}
		subscription = kernelClient.SubscribeIOPub(client.IOPubAllTopics, 0, recorder.record)

		Expect(kernelClient.WaitForReady(ctx, 10*time.Second)).To(Succeed())

		// Give the iopub subscription time to propagate to the publisher.
		time.Sleep(250 * time.Millisecond)
	}

	AfterEach(func() {
		if subscription != nil {
			subscription.Close()
		}
		if kernelClient != nil {
			_ = kernelClient.Close()
		}
		if kernel != nil {
			kernel.Close()
		}
		if cancel != nil {
			cancel()
		}
	})

	It("should answer a kernel_info request", func() {
		startClient()

		content, err := kernelClient.KernelInfo(ctx, 5*time.Second)
		Expect(err).To(BeNil())

		Expect(content["protocol_version"]).To(HavePrefix("5."))
		Expect(content["implementation"]).ToNot(BeEmpty())
	})

	It("should execute code and observe the iopub sequence in order", func() {
		startClient()

		reply, err := kernelClient.ExecuteAndWaitForIdle(ctx, "print(\"hi\")", client.ExecuteOptions{StoreHistory: true}, 10*time.Second)
		Expect(err).To(BeNil())

		replyContent, err := reply.DecodeContent()
		Expect(err).To(BeNil())
		Expect(replyContent["status"]).To(Equal("ok"))
		Expect(replyContent["execution_count"]).To(BeNumerically(">", 0))

		requestId := reply.JupyterParentMessageId()

		Eventually(func() []string {
			return recorder.typesFor(requestId)
		}, 3*time.Second, 50*time.Millisecond).Should(ContainElements(
			messaging.IOStatusMessage, messaging.IOExecuteInput, messaging.IOStreamMessage))

		types := recorder.typesFor(requestId)
		indexOf := func(typ string) int {
			for i, t := range types {
				if t == typ {
					return i
				}
			}
			return -1
		}

		Expect(indexOf(messaging.IOExecuteInput)).To(BeNumerically(">", indexOf(messaging.IOStatusMessage)))
		Expect(indexOf(messaging.IOStreamMessage)).To(BeNumerically(">", indexOf(messaging.IOExecuteInput)))
		Expect(types[len(types)-1]).To(Equal(messaging.IOStatusMessage))

		Expect(recorder.streamTextFor(requestId)).To(Equal("hi\n"))

		state, parent := kernelClient.ExecutionState()
		Expect(state).To(Equal(client.ExecutionStateIdle))
		Expect(parent).To(Equal(requestId))
	})

	It("should serve a stdin round trip with exactly one reply", func() {
		prompts := make(chan string, 1)
		startClient(client.WithStdinHandler(func(prompt string, password bool) (string, error) {
			prompts <- prompt
			return "x", nil
		}, 5*time.Second))

		reply, err := kernelClient.ExecuteAndWaitForIdle(ctx, "input(\"?\")", client.ExecuteOptions{AllowStdin: true}, 10*time.Second)
		Expect(err).To(BeNil())

		Eventually(prompts, time.Second).Should(Receive(Equal("?")))

		requestId := reply.JupyterParentMessageId()
		Eventually(func() string {
			return recorder.streamTextFor(requestId)
		}, 3*time.Second, 50*time.Millisecond).Should(Equal("x\n"))
	})

	It("should surface a KeyboardInterrupt when a busy computation is interrupted", func() {
		startClient()

		pending, err := kernelClient.Execute("while True: pass", client.ExecuteOptions{})
		Expect(err).To(BeNil())

		time.Sleep(200 * time.Millisecond)

		_, err = kernelClient.InterruptRequest(ctx, 2*time.Second)
		Expect(err).To(BeNil())

		Eventually(pending.Done(), 2*time.Second).Should(BeClosed())

		reply, err := pending.Reply()
		Expect(err).To(BeNil())

		content, err := reply.DecodeContent()
		Expect(err).To(BeNil())
		Expect(content["status"]).To(Equal("error"))

		Eventually(func() []string {
			return recorder.typesFor(pending.RequestId())
		}, 2*time.Second, 50*time.Millisecond).Should(ContainElement(messaging.IOErrorMessage))
	})

	It("should time out a request the kernel never answers", func() {
		startClient()

		// The fake kernel drops unsupported shell messages, so no reply arrives.
		msg, err := kernelClient.Session().BuildMessage(messaging.ShellHistoryRequest, map[string]interface{}{})
		Expect(err).To(BeNil())

		started := time.Now()
		_, err = kernelClient.RequestWithTimeout(ctx, messaging.ShellMessage, msg, 500*time.Millisecond)
		Expect(err).To(MatchError(jupyter.ErrRequestTimedOut))
		Expect(time.Since(started)).To(BeNumerically("<", 3*time.Second))
	})

	It("should fail a pending request with Cancelled when the context is cancelled", func() {
		startClient()

		requestCtx, cancelRequest := context.WithCancel(ctx)

		msg, err := kernelClient.Session().BuildMessage(messaging.ShellHistoryRequest, map[string]interface{}{})
		Expect(err).To(BeNil())

		errChan := make(chan error, 1)
		go func() {
			_, requestErr := kernelClient.RequestWithTimeout(requestCtx, messaging.ShellMessage, msg, 30*time.Second)
			errChan <- requestErr
		}()

		time.Sleep(100 * time.Millisecond)
		cancelRequest()

		Eventually(errChan, time.Second).Should(Receive(MatchError(jupyter.ErrRequestCancelled)))
		Expect(kernelClient.NumPendingRequests()).To(Equal(0))
	})

	It("should fail all pending requests when the kernel dies", func() {
		startClient()

		msg, err := kernelClient.Session().BuildMessage(messaging.ShellHistoryRequest, map[string]interface{}{})
		Expect(err).To(BeNil())

		pending, err := kernelClient.SendRequest(messaging.ShellMessage, msg)
		Expect(err).To(BeNil())

		kernelClient.NotifyKernelDied()

		Eventually(pending.Done(), time.Second).Should(BeClosed())
		_, err = pending.Reply()
		Expect(err).To(MatchError(jupyter.ErrKernelDied))

		state, _ := kernelClient.ExecutionState()
		Expect(state).To(Equal(client.ExecutionStateDead))
	})

	It("should report drop counts for slow subscribers", func() {
		startClient()

		block := make(chan struct{})
		slow := kernelClient.SubscribeIOPub(client.IOPubAllTopics, 1, func(msg *messaging.JupyterMessage) error {
			<-block
			return nil
		})
		defer func() {
			close(block)
			slow.Close()
		}()

		for i := 0; i < 8; i++ {
			_, err := kernelClient.ExecuteAndWaitForIdle(ctx, "print(\"spam\")", client.ExecuteOptions{}, 5*time.Second)
			Expect(err).To(BeNil())
		}

		Eventually(func() int64 {
			return slow.Dropped()
		}, 3*time.Second, 50*time.Millisecond).Should(BeNumerically(">", 0))

		Expect(kernelClient.Diagnostics().DroppedSubscriberOverflow).To(BeNumerically(">", 0))
	})

	It("should report heartbeat round trips", func() {
		startClient()

		rtt, err := kernelClient.Heartbeat(ctx, time.Second)
		Expect(err).To(BeNil())
		Expect(rtt).To(BeNumerically(">", 0))

		_, ok := kernelClient.LastHeartbeatAt()
		Expect(ok).To(BeTrue())
	})
})
