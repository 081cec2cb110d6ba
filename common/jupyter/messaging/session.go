package messaging

import (
	"os/user"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
)

const (
	// DefaultDigestHistorySize bounds the FIFO of recently seen shell
	// signatures. The bound is a tunable, not a protocol requirement.
	DefaultDigestHistorySize = 1 << 16
)

// Session builds, signs, serializes, parses and verifies Jupyter messages.
// Message and session identifiers are unique within a Session.
//
// A Session with an empty key writes empty signatures and skips verification.
// That mode is insecure and intended only for same-host contexts that are
// already trusted.
type Session struct {
	id       string
	username string
	key      []byte
	scheme   string

	// digestHistory retains recently seen shell signatures in arrival order so
	// replayed frames can be rejected. Iopub is a broadcast channel and is not
	// deduplicated.
	digestHistory     *orderedmap.OrderedMap[string, struct{}]
	digestHistorySize int
	digestMutex       sync.Mutex

	log logger.Logger
}

type SessionOption func(*Session)

// WithUsername overrides the username stamped into outbound headers.
// The default is the effective OS user.
func WithUsername(username string) SessionOption {
	return func(s *Session) {
		s.username = username
	}
}

// WithSessionId overrides the minted session id. Used when resuming an
// existing session.
func WithSessionId(id string) SessionOption {
	return func(s *Session) {
		s.id = id
	}
}

// WithDigestHistorySize overrides the digest history bound.
func WithDigestHistorySize(size int) SessionOption {
	return func(s *Session) {
		if size > 0 {
			s.digestHistorySize = size
		}
	}
}

// NewSession creates a Session for the given signature scheme and key.
// An empty scheme together with an empty key disables signing entirely.
func NewSession(signatureScheme string, key string, opts ...SessionOption) *Session {
	session := &Session{
		id:                uuid.NewString(),
		username:          defaultUsername(),
		key:               []byte(key),
		scheme:            signatureScheme,
		digestHistory:     orderedmap.NewOrderedMap[string, struct{}](),
		digestHistorySize: DefaultDigestHistorySize,
	}

	if session.scheme == "" && len(session.key) > 0 {
		session.scheme = JupyterSignatureScheme
	}

	for _, opt := range opts {
		opt(session)
	}

	config.InitLogger(&session.log, "Session "+session.id[:8]+" ")

	return session
}

// NewSessionFromConnectionInfo creates a Session keyed by the given descriptor.
func NewSessionFromConnectionInfo(info *jupyter.ConnectionInfo, opts ...SessionOption) *Session {
	return NewSession(info.SignatureScheme, info.Key, opts...)
}

func defaultUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}

	return MessageHeaderDefaultUsername
}

// Id returns the session identifier, a fresh UUID per session.
func (s *Session) Id() string {
	return s.id
}

// Username returns the username stamped into outbound headers.
func (s *Session) Username() string {
	return s.username
}

// NewHeader mints a header for an outbound message of the given type.
// Timestamps are UTC ISO-8601 with sub-second precision and a trailing "Z".
func (s *Session) NewHeader(msgType string) *MessageHeader {
	return &MessageHeader{
		MsgID:    uuid.NewString(),
		Username: s.username,
		Session:  s.id,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  JupyterMessageType(msgType),
		Version:  JupyterProtocolVersion,
	}
}

// BuildMessage constructs an outbound message of the given type with the given
// content. The parent header is left empty; metadata is the empty mapping.
func (s *Session) BuildMessage(msgType string, content interface{}) (*JupyterMessage, error) {
	frames := NewJupyterFrames()
	msg := NewJupyterMessageFromFrames(frames)

	if err := msg.EncodeMessageHeader(s.NewHeader(msgType)); err != nil {
		return nil, err
	}

	if content != nil {
		if err := msg.EncodeContent(content); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

// BuildReply constructs a message of the given type whose parent header is the
// header of the given parent message.
func (s *Session) BuildReply(msgType string, parent *JupyterMessage, content interface{}) (*JupyterMessage, error) {
	msg, err := s.BuildMessage(msgType, content)
	if err != nil {
		return nil, err
	}

	parentHeader, err := parent.GetHeader()
	if err != nil {
		return nil, err
	}

	if err = msg.EncodeParentHeader(parentHeader); err != nil {
		return nil, err
	}

	return msg, nil
}

// Sign signs the message in place. With an empty key the signature frame is
// set to the empty string.
func (s *Session) Sign(msg *JupyterMessage) error {
	_, err := msg.JupyterFrames.Sign(s.scheme, s.key)
	return err
}

// Send signs the message and sends it on the given socket.
func (s *Session) Send(socket *Socket, msg *JupyterMessage) error {
	if socket.IsClosed() {
		return jupyter.NewChannelError(jupyter.ErrChannelClosed, socket.Type.String(), msg.JupyterMessageId())
	}

	if err := s.Sign(msg); err != nil {
		return err
	}

	return socket.Send(*msg.GetZmqMsg())
}

// Serialize signs the message and returns its wire frames for non-socket
// transport.
func (s *Session) Serialize(msg *JupyterMessage) ([][]byte, error) {
	if err := s.Sign(msg); err != nil {
		return nil, err
	}

	return msg.JupyterFrames.Frames, nil
}

// Deserialize parses frames received over non-socket transport, verifying the
// signature and the frame layout. The channel type governs replay detection.
func (s *Session) Deserialize(frames [][]byte, typ MessageType) (*JupyterMessage, error) {
	msg := zmq4.NewMsgFrom(frames...)
	return s.ParseMessage(&msg, typ)
}

// Receive receives one frame from the socket and parses it into a verified
// message.
func (s *Session) Receive(socket *Socket) (*JupyterMessage, error) {
	if socket.IsClosed() {
		return nil, jupyter.NewChannelError(jupyter.ErrChannelClosed, socket.Type.String(), "")
	}

	zmsg, err := socket.Recv()
	if err != nil {
		return nil, jupyter.NewChannelError(err, socket.Type.String(), "")
	}

	return s.ParseMessage(&zmsg, socket.Type)
}

// ParseMessage validates, verifies and wraps one received ZMQ message.
//
// Messages with a bad layout fail with ErrMalformedFrame. Messages whose
// signature does not verify fail with ErrInvalidSignature and must be dropped
// by the caller without delivery. Replayed shell frames fail with
// ErrDuplicateSignature.
func (s *Session) ParseMessage(zmsg *zmq4.Msg, typ MessageType) (*JupyterMessage, error) {
	msg := NewJupyterMessage(zmsg)
	if msg == nil {
		return nil, jupyter.NewChannelError(jupyter.ErrMalformedFrame, typ.String(), "")
	}

	if err := msg.JupyterFrames.Validate(); err != nil {
		return nil, jupyter.NewChannelError(err, typ.String(), "")
	}

	if err := msg.JupyterFrames.Verify(s.scheme, s.key); err != nil {
		return nil, jupyter.NewChannelError(err, typ.String(), msg.JupyterMessageId())
	}

	// Replay detection applies to the shell channel only.
	if typ == ShellMessage && len(s.key) > 0 {
		if err := s.checkDigest(string(msg.JupyterFrames.SignatureFrame())); err != nil {
			return nil, jupyter.NewChannelError(err, typ.String(), msg.JupyterMessageId())
		}
	}

	// Decode the header eagerly so malformed headers surface here rather than
	// at first access.
	header, err := msg.GetHeader()
	if err != nil {
		return nil, jupyter.NewChannelError(jupyter.ErrMalformedFrame, typ.String(), "")
	}

	if header.Version != "" && !header.IsProtocolCompatible() {
		return nil, jupyter.NewChannelError(jupyter.ErrProtocolMismatch, typ.String(), header.MsgID)
	}

	return msg, nil
}

// checkDigest records the signature in the bounded FIFO of recently seen
// digests, failing if it was already present.
func (s *Session) checkDigest(signature string) error {
	if signature == "" {
		return nil
	}

	s.digestMutex.Lock()
	defer s.digestMutex.Unlock()

	if _, seen := s.digestHistory.Get(signature); seen {
		return jupyter.ErrDuplicateSignature
	}

	s.digestHistory.Set(signature, struct{}{})
	for s.digestHistory.Len() > s.digestHistorySize {
		front := s.digestHistory.Front()
		s.digestHistory.Delete(front.Key)
	}

	return nil
}

// DigestHistoryLen returns the number of retained shell signatures.
func (s *Session) DigestHistoryLen() int {
	s.digestMutex.Lock()
	defer s.digestMutex.Unlock()

	return s.digestHistory.Len()
}

// Touch advances the timestamp of the message's header by a microsecond and
// re-signs it, so a resubmitted message carries a fresh signature instead of
// tripping replay detection on the kernel side.
func (s *Session) Touch(msg *JupyterMessage) error {
	header, err := msg.GetHeader()
	if err != nil {
		return err
	}

	date, err := header.Timestamp()
	if err != nil {
		date = time.Now().UTC()
	}

	header.Date = date.Add(time.Microsecond).Format(time.RFC3339Nano)
	if err = msg.EncodeMessageHeader(header); err != nil {
		return err
	}

	return s.Sign(msg)
}
