package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-zeromq/zmq4"
)

const (
	// JupyterProtocolVersion is the protocol version stamped into every header
	// this module emits. Replies are accepted for any 5.x version.
	JupyterProtocolVersion = "5.3"

	MessageHeaderDefaultUsername = "username"

	// Shell messages.
	ShellExecuteRequest    = "execute_request"
	ShellExecuteReply      = "execute_reply"
	ShellInspectRequest    = "inspect_request"
	ShellInspectReply      = "inspect_reply"
	ShellCompleteRequest   = "complete_request"
	ShellCompleteReply     = "complete_reply"
	ShellHistoryRequest    = "history_request"
	ShellHistoryReply      = "history_reply"
	ShellKernelInfoRequest = "kernel_info_request"
	ShellKernelInfoReply   = "kernel_info_reply"
	ShellCommInfoRequest   = "comm_info_request"
	ShellCommInfoReply     = "comm_info_reply"
	ShellIsCompleteRequest = "is_complete_request"
	ShellIsCompleteReply   = "is_complete_reply"

	// Control messages.
	ControlShutdownRequest  = "shutdown_request"
	ControlShutdownReply    = "shutdown_reply"
	ControlInterruptRequest = "interrupt_request"
	ControlInterruptReply   = "interrupt_reply"
	ControlDebugRequest     = "debug_request"
	ControlDebugReply       = "debug_reply"

	// IOPub messages.
	IOStatusMessage     = "status"
	IOStreamMessage     = "stream"
	IODisplayData       = "display_data"
	IOUpdateDisplayData = "update_display_data"
	IOExecuteInput      = "execute_input"
	IOExecuteResult     = "execute_result"
	IOErrorMessage      = "error"
	IOClearOutput       = "clear_output"
	IODebugEvent        = "debug_event"

	// Stdin messages.
	StdinInputRequest = "input_request"
	StdinInputReply   = "input_reply"
)

type JupyterMessageType string

func (t JupyterMessageType) String() string {
	return string(t)
}

// GetBaseMessageType returns the base portion of the Jupyter message type.
// The "base part" is best defined through an example:
//
// If the message type is "execute_request", then this returns "execute_" and true.
//
// If the message type is not of the form "{action}_request" or "{action}_reply",
// then this returns the empty string and false.
func (t JupyterMessageType) GetBaseMessageType() (string, bool) {
	if strings.HasSuffix(t.String(), "request") {
		return t.String()[0 : len(t.String())-7], true
	} else if strings.HasSuffix(t.String(), "reply") {
		return t.String()[0 : len(t.String())-5], true
	}

	return "", false
}

// MessageHeader is a Jupyter message header.
// http://jupyter-client.readthedocs.io/en/latest/messaging.html#general-message-format
type MessageHeader struct {
	MsgID    string             `json:"msg_id"`
	Username string             `json:"username"`
	Session  string             `json:"session"`
	Date     string             `json:"date"`
	MsgType  JupyterMessageType `json:"msg_type"`
	Version  string             `json:"version"`
}

func (header *MessageHeader) Clone() *MessageHeader {
	return &MessageHeader{
		MsgID:    header.MsgID,
		Username: header.Username,
		Session:  header.Session,
		Date:     header.Date,
		MsgType:  header.MsgType,
		Version:  header.Version,
	}
}

func (header *MessageHeader) Equals(other *MessageHeader) bool {
	if other == nil {
		return false
	}

	return header.MsgID == other.MsgID && header.Username == other.Username &&
		header.Session == other.Session && header.Date == other.Date &&
		header.MsgType == other.MsgType && header.Version == other.Version
}

func (header *MessageHeader) String() string {
	m, err := json.Marshal(header)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// Timestamp parses the header's date field. Unparseable timestamps are
// tolerated: the zero time and the error are returned, and the raw string
// remains available via the Date field.
func (header *MessageHeader) Timestamp() (time.Time, error) {
	if header.Date == "" {
		return time.Time{}, nil
	}

	ts, err := time.Parse(time.RFC3339Nano, header.Date)
	if err != nil {
		return time.Time{}, err
	}

	return ts, nil
}

// IsProtocolCompatible reports whether the header's version is an acceptable
// 5.x protocol version.
func (header *MessageHeader) IsProtocolCompatible() bool {
	return strings.HasPrefix(header.Version, "5.")
}

// MessageKernelStatus is the content of an iopub "status" message.
type MessageKernelStatus struct {
	Status string `json:"execution_state"`
}

const (
	MessageKernelStatusStarting = "starting"
	MessageKernelStatusIdle     = "idle"
	MessageKernelStatusBusy     = "busy"
	MessageKernelStatusDead     = "dead"
)

// MessageError is the error payload carried by "error" iopub messages and
// erroring shell replies.
type MessageError struct {
	Status   string `json:"status"`
	ErrName  string `json:"ename"`
	ErrValue string `json:"evalue"`
}

func (m *MessageError) String() string {
	out, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	return string(out)
}

const (
	MessageStatusOK    = "ok"
	MessageStatusError = "error"
	MessageStatusAbort = "abort"
)

type MessageShutdownRequest struct {
	Restart bool `json:"restart"`
}

type MessageShutdownReply struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

// MessageExecuteRequest is the content of an "execute_request" message.
type MessageExecuteRequest struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

// MessageInputReply is the content of an "input_reply" stdin message.
type MessageInputReply struct {
	Status string `json:"status,omitempty"`
	Value  string `json:"value"`
}

// JupyterMessage is a wrapper around ZMQ4 messages, specifically Jupyter ZMQ4
// messages. The header and parent header are decoded lazily and cached.
type JupyterMessage struct {
	// msg is the *zmq4.Msg struct that is wrapped by the JupyterMessage.
	msg *zmq4.Msg

	// JupyterFrames is a wrapper around the [][]byte from the *zmq4.Msg field.
	JupyterFrames *JupyterFrames

	header       *MessageHeader
	parentHeader *MessageHeader
	metadata     map[string]interface{}

	headerDecoded       bool
	parentHeaderDecoded bool
	metadataDecoded     bool
}

// NewJupyterMessage creates and returns a new JupyterMessage from a ZMQ4 message.
// Returns nil if the message carries no frames.
func NewJupyterMessage(msg *zmq4.Msg) *JupyterMessage {
	if msg == nil {
		panic("Cannot create JupyterMessage from nil ZMQ4 message...")
	}

	if len(msg.Frames) == 0 {
		return nil
	}

	return &JupyterMessage{
		msg:           msg,
		JupyterFrames: NewJupyterFramesFromBytes(msg.Frames),
	}
}

// NewJupyterMessageFromFrames wraps pre-built frames in a JupyterMessage.
func NewJupyterMessageFromFrames(frames *JupyterFrames) *JupyterMessage {
	msg := zmq4.NewMsgFrom(frames.Frames...)
	return &JupyterMessage{
		msg:           &msg,
		JupyterFrames: frames,
	}
}

// GetZmqMsg returns the *zmq4.Msg wrapped by the target JupyterMessage struct.
//
// Before being returned, the Frames of the target *zmq4.Msg are set to the
// current frames of the wrapped JupyterFrames.
func (m *JupyterMessage) GetZmqMsg() *zmq4.Msg {
	m.msg.Frames = m.JupyterFrames.Frames
	return m.msg
}

// Offset returns the offset of the underlying JupyterFrames.
func (m *JupyterMessage) Offset() int {
	return m.JupyterFrames.Offset
}

func (m *JupyterMessage) Validate() error {
	return m.JupyterFrames.Validate()
}

func (m *JupyterMessage) Clone() *JupyterMessage {
	clonedFrames := m.JupyterFrames.Clone()
	cloned := zmq4.NewMsgFrom(clonedFrames.Frames...)

	return &JupyterMessage{
		msg:           &cloned,
		JupyterFrames: clonedFrames,
	}
}

// GetHeader decodes/deserializes the Jupyter message header.
// (The header is lazily decoded in general.)
func (m *JupyterMessage) GetHeader() (*MessageHeader, error) {
	if m.headerDecoded {
		return m.header, nil
	}

	if err := m.JupyterFrames.Validate(); err != nil {
		return nil, err
	}

	var header MessageHeader
	if err := m.JupyterFrames.DecodeHeader(&header); err != nil {
		return nil, err
	}

	m.header = &header
	m.headerDecoded = true

	return m.header, nil
}

// GetParentHeader decodes/deserializes the Jupyter parent header.
// An empty parent-header frame yields an empty header.
func (m *JupyterMessage) GetParentHeader() (*MessageHeader, error) {
	if m.parentHeaderDecoded {
		return m.parentHeader, nil
	}

	if err := m.JupyterFrames.Validate(); err != nil {
		return nil, err
	}

	var parentHeader MessageHeader
	if len(m.JupyterFrames.ParentHeaderFrame()) > 0 {
		if err := m.JupyterFrames.DecodeParentHeader(&parentHeader); err != nil {
			return nil, err
		}
	}

	m.parentHeader = &parentHeader
	m.parentHeaderDecoded = true

	return m.parentHeader, nil
}

// EncodeMessageHeader marshals the given header into the header frame and
// updates the cached copy.
func (m *JupyterMessage) EncodeMessageHeader(header *MessageHeader) error {
	err := m.JupyterFrames.EncodeHeader(header)
	if err == nil {
		m.header = header
		m.headerDecoded = true
		return nil
	}

	return err
}

// EncodeParentHeader marshals the given header into the parent-header frame
// and updates the cached copy.
func (m *JupyterMessage) EncodeParentHeader(header *MessageHeader) error {
	err := m.JupyterFrames.EncodeParentHeader(header)
	if err == nil {
		m.parentHeader = header
		m.parentHeaderDecoded = true
		return nil
	}

	return err
}

// DecodeMetadata decodes the metadata frame and returns the resulting
// map[string]interface{}, or an error if the metadata frame could not be
// decoded successfully.
func (m *JupyterMessage) DecodeMetadata() (map[string]interface{}, error) {
	if m.metadataDecoded {
		return m.metadata, nil
	}

	if err := m.JupyterFrames.DecodeMetadata(&m.metadata); err != nil {
		return nil, err
	}

	m.metadataDecoded = true
	return m.metadata, nil
}

// EncodeMetadata marshals the given metadata map into the metadata frame.
func (m *JupyterMessage) EncodeMetadata(metadata map[string]interface{}) error {
	err := m.JupyterFrames.EncodeMetadata(metadata)
	if err == nil {
		m.metadata = metadata
		m.metadataDecoded = true
		return nil
	}

	return err
}

// DecodeContent decodes the content frame into a map. Content is not
// interpreted by the session; typed accessors live at the client boundary.
func (m *JupyterMessage) DecodeContent() (map[string]interface{}, error) {
	var content map[string]interface{}
	if err := m.JupyterFrames.DecodeContent(&content); err != nil {
		return nil, err
	}

	return content, nil
}

// EncodeContent attempts to marshal the given value into the content frame.
func (m *JupyterMessage) EncodeContent(content interface{}) error {
	return m.JupyterFrames.EncodeContent(content)
}

// Buffers returns the message's opaque binary buffers, preserved bit-exact.
func (m *JupyterMessage) Buffers() [][]byte {
	return m.JupyterFrames.BufferFrames()
}

// JupyterMessageType is a convenience/utility method for retrieving the Jupyter message type from the message header.
func (m *JupyterMessage) JupyterMessageType() string {
	header, err := m.GetHeader()
	if err != nil {
		return ""
	}
	return string(header.MsgType)
}

// JupyterMessageId is a convenience/utility method for retrieving the Jupyter message ID from the message header.
func (m *JupyterMessage) JupyterMessageId() string {
	header, err := m.GetHeader()
	if err != nil {
		return ""
	}
	return header.MsgID
}

// JupyterSession is a convenience/utility method for retrieving the Jupyter session from the message header.
func (m *JupyterMessage) JupyterSession() string {
	header, err := m.GetHeader()
	if err != nil {
		return ""
	}
	return header.Session
}

// JupyterUsername is a convenience/utility method for retrieving the Jupyter username from the message header.
func (m *JupyterMessage) JupyterUsername() string {
	header, err := m.GetHeader()
	if err != nil {
		return ""
	}
	return header.Username
}

// JupyterVersion is a convenience/utility method for retrieving the Jupyter version from the message header.
func (m *JupyterMessage) JupyterVersion() string {
	header, err := m.GetHeader()
	if err != nil {
		return ""
	}
	return header.Version
}

// JupyterParentMessageId is a convenience/utility method for retrieving the Jupyter message ID
// from the parent Jupyter message header. Returns the empty string for messages without a parent.
func (m *JupyterMessage) JupyterParentMessageId() string {
	parentHeader, err := m.GetParentHeader()
	if err != nil {
		return ""
	}
	return parentHeader.MsgID
}

// JupyterParentMessageType is a convenience/utility method for retrieving the (parent) Jupyter
// message type from the parent Jupyter message header.
func (m *JupyterMessage) JupyterParentMessageType() string {
	parentHeader, err := m.GetParentHeader()
	if err != nil {
		return ""
	}
	return string(parentHeader.MsgType)
}

func (m *JupyterMessage) String() string {
	return fmt.Sprintf("JupyterMessage[MsgId=%s,Type=%s,Offset=%d]; Frames=%s",
		m.JupyterMessageId(), m.JupyterMessageType(), m.Offset(), m.JupyterFrames.String())
}
