package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter"
)

const (
	// JupyterSignatureScheme is the only signature scheme this module supports.
	JupyterSignatureScheme = "hmac-sha256"
)

// Indices of the well-known frames, relative to the offset of the "<IDS|MSG>" frame.
const (
	JupyterFrameStart int = iota
	JupyterFrameSignature
	JupyterFrameHeader
	JupyterFrameParentHeader
	JupyterFrameMetadata
	JupyterFrameContent
	JupyterFrameBuffersStart
)

var (
	JupyterFrameIDSMSG = []byte("<IDS|MSG>")
	JupyterFrameEmpty  = []byte("{}")
)

// JupyterFrames wraps the ordered byte-string frames of one wire message:
// zero or more routing prefixes, the "<IDS|MSG>" delimiter, the hex HMAC
// signature, the four JSON parts (header, parent header, metadata, content),
// and zero or more opaque buffers.
//
// Offset is the index of the "<IDS|MSG>" frame; everything before it is a
// routing prefix that is neither signed nor parsed.
type JupyterFrames struct {
	Frames [][]byte
	Offset int
}

// NewJupyterFrames returns frames for a new outbound message: no routing
// prefixes and all four parts initialized to the empty JSON object.
func NewJupyterFrames() *JupyterFrames {
	frames := make([][]byte, JupyterFrameBuffersStart)
	frames[JupyterFrameStart] = JupyterFrameIDSMSG
	frames[JupyterFrameSignature] = []byte("")
	frames[JupyterFrameHeader] = JupyterFrameEmpty
	frames[JupyterFrameParentHeader] = JupyterFrameEmpty
	frames[JupyterFrameMetadata] = JupyterFrameEmpty
	frames[JupyterFrameContent] = JupyterFrameEmpty

	return &JupyterFrames{Frames: frames, Offset: 0}
}

// NewJupyterFramesFromBytes wraps received frames, locating the "<IDS|MSG>"
// delimiter to compute the routing-prefix offset.
func NewJupyterFramesFromBytes(frames [][]byte) *JupyterFrames {
	_, offset := skipIdentities(frames)
	return &JupyterFrames{Frames: frames, Offset: offset}
}

// skipIdentities returns the frames starting from "<IDS|MSG>" and the index of
// that frame. If the delimiter is absent, the offset equals len(frames).
func skipIdentities(frames [][]byte) ([][]byte, int) {
	i := 0
	for i < len(frames) && string(frames[i]) != string(JupyterFrameIDSMSG) {
		i++
	}
	return frames[i:], i
}

// SkipIdentitiesFrame recomputes and returns the jupyter frames and the offset
// of the "<IDS|MSG>" frame within the message frames.
func (frames *JupyterFrames) SkipIdentitiesFrame() ([][]byte, int) {
	jFrames, offset := skipIdentities(frames.Frames)
	frames.Offset = offset
	return jFrames, offset
}

func (frames *JupyterFrames) Len() int {
	return len(frames.Frames)
}

// LenWithoutIdentitiesFrame returns the number of frames starting from the
// "<IDS|MSG>" delimiter. If recompute is true, the offset is re-detected first.
func (frames *JupyterFrames) LenWithoutIdentitiesFrame(recompute bool) int {
	if recompute {
		frames.SkipIdentitiesFrame()
	}
	return len(frames.Frames) - frames.Offset
}

// Validate checks that the delimiter is present and is followed by a signature
// and the four JSON parts.
func (frames *JupyterFrames) Validate() error {
	frames.SkipIdentitiesFrame()
	if frames.LenWithoutIdentitiesFrame(false) < JupyterFrameBuffersStart {
		return jupyter.ErrMalformedFrame
	}
	return nil
}

func (frames *JupyterFrames) String() string {
	if frames.Len() == 0 {
		return "[]"
	}

	s := "["
	for i, frame := range frames.Frames {
		s += "\"" + string(frame) + "\""

		if i+1 < frames.Len() {
			s += ", "
		}
	}

	s += "]"

	return s
}

func (frames *JupyterFrames) Clone() *JupyterFrames {
	cloned := make([][]byte, len(frames.Frames))
	for i, frame := range frames.Frames {
		cloned[i] = make([]byte, len(frame))
		copy(cloned[i], frame)
	}

	return &JupyterFrames{Frames: cloned, Offset: frames.Offset}
}

func (frames *JupyterFrames) SignatureFrame() []byte {
	return frames.Frames[frames.Offset+JupyterFrameSignature]
}

func (frames *JupyterFrames) HeaderFrame() []byte {
	return frames.Frames[frames.Offset+JupyterFrameHeader]
}

func (frames *JupyterFrames) ParentHeaderFrame() []byte {
	return frames.Frames[frames.Offset+JupyterFrameParentHeader]
}

func (frames *JupyterFrames) MetadataFrame() []byte {
	return frames.Frames[frames.Offset+JupyterFrameMetadata]
}

func (frames *JupyterFrames) ContentFrame() []byte {
	return frames.Frames[frames.Offset+JupyterFrameContent]
}

// BufferFrames returns the opaque binary buffers following the content frame.
func (frames *JupyterFrames) BufferFrames() [][]byte {
	if frames.Len() > frames.Offset+JupyterFrameBuffersStart {
		return frames.Frames[frames.Offset+JupyterFrameBuffersStart:]
	}
	return nil
}

// AppendBuffers appends opaque buffers after the content frame. Buffers are
// carried bit-exact and excluded from the signature.
func (frames *JupyterFrames) AppendBuffers(buffers ...[]byte) {
	frames.Frames = append(frames.Frames, buffers...)
}

func (frames *JupyterFrames) EncodeHeader(in any) (err error) {
	frames.Frames[frames.Offset+JupyterFrameHeader], err = json.Marshal(in)
	return err
}

func (frames *JupyterFrames) DecodeHeader(out any) error {
	return json.Unmarshal(frames.HeaderFrame(), out)
}

func (frames *JupyterFrames) EncodeParentHeader(in any) (err error) {
	frames.Frames[frames.Offset+JupyterFrameParentHeader], err = json.Marshal(in)
	return err
}

func (frames *JupyterFrames) DecodeParentHeader(out any) error {
	return json.Unmarshal(frames.ParentHeaderFrame(), out)
}

func (frames *JupyterFrames) EncodeMetadata(in any) (err error) {
	frames.Frames[frames.Offset+JupyterFrameMetadata], err = json.Marshal(in)
	return err
}

func (frames *JupyterFrames) DecodeMetadata(out any) error {
	return json.Unmarshal(frames.MetadataFrame(), out)
}

func (frames *JupyterFrames) EncodeContent(in any) (err error) {
	frames.Frames[frames.Offset+JupyterFrameContent], err = json.Marshal(in)
	return err
}

func (frames *JupyterFrames) DecodeContent(out any) error {
	return json.Unmarshal(frames.ContentFrame(), out)
}

// Sign computes the HMAC over the four JSON parts in order and stores the
// hex-encoded digest in the signature frame. With an empty key the signature
// frame is set to the empty string and no digest is computed; this is the
// documented insecure opt-out for same-host contexts.
func (frames *JupyterFrames) Sign(signatureScheme string, key []byte) ([][]byte, error) {
	if len(key) == 0 {
		frames.Frames[frames.Offset+JupyterFrameSignature] = []byte("")
		return frames.Frames, nil
	}

	if signatureScheme != JupyterSignatureScheme {
		return frames.Frames, jupyter.ErrNotSupportedSignatureScheme
	}

	signature := frames.sign(key)
	frames.Frames[frames.Offset+JupyterFrameSignature] = []byte(hex.EncodeToString(signature))
	return frames.Frames, nil
}

// Verify recomputes the HMAC and compares it with the signature frame in
// constant time. With an empty key, verification is skipped.
func (frames *JupyterFrames) Verify(signatureScheme string, key []byte) error {
	if err := frames.Validate(); err != nil {
		return err
	}

	if len(key) == 0 {
		return nil
	}

	if signatureScheme != JupyterSignatureScheme {
		return jupyter.ErrNotSupportedSignatureScheme
	}

	if !frames.verify(key) {
		return jupyter.ErrInvalidSignature
	}

	return nil
}

// CreateSignature computes and returns the raw HMAC over the four JSON parts
// without mutating the signature frame.
func (frames *JupyterFrames) CreateSignature(signatureScheme string, key []byte) ([]byte, error) {
	if err := frames.Validate(); err != nil {
		return nil, err
	}

	if signatureScheme != JupyterSignatureScheme {
		return nil, jupyter.ErrNotSupportedSignatureScheme
	}

	return frames.sign(key), nil
}

func (frames *JupyterFrames) verify(signkey []byte) bool {
	expect := frames.sign(signkey)
	signature := make([]byte, hex.DecodedLen(len(frames.SignatureFrame())))
	if _, err := hex.Decode(signature, frames.SignatureFrame()); err != nil {
		return false
	}
	return hmac.Equal(expect, signature)
}

// sign computes the HMAC over header, parent header, metadata and content.
// Routing prefixes and buffers are not part of the signature.
func (frames *JupyterFrames) sign(signkey []byte) []byte {
	mac := hmac.New(sha256.New, signkey)
	for _, msgpart := range frames.Frames[frames.Offset+JupyterFrameHeader : frames.Offset+JupyterFrameBuffersStart] {
		mac.Write(msgpart)
	}
	return mac.Sum(nil)
}
