package protocol

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"

	"ioc-rpc/codec"
	"ioc-rpc/message"
)

// ErrMalformedBody is returned when a frame was read completely but its body could not be
// decoded. The stream is still in sync afterwards.
var ErrMalformedBody = errors.New("malformed message body")

// WireProtocol frames messages over a byte stream. A channel owns one instance;
// implementations may keep per-stream state and are not required to be goroutine safe
// for concurrent writers (the channel serializes writes).
type WireProtocol interface {
	// WriteMessage frames msg (a request or a response) onto w.
	WriteMessage(w io.Writer, msg message.Message) error
	// WriteHeartbeat writes a keep-alive frame without a body.
	WriteHeartbeat(w io.Writer) error
	// ReadMessage reads the next frame. It returns (nil, nil) for heartbeat frames.
	ReadMessage(r io.Reader) (message.Message, error)
}

// Factory creates a fresh WireProtocol for a new channel.
type Factory func() WireProtocol

// FrameProtocol is the default WireProtocol: the 14-byte header followed by a body
// serialized with one codec. Incoming frames are decoded with whatever codec their
// header names, so peers may answer with a different codec.
type FrameProtocol struct {
	codec codec.Codec
	seq   atomic.Uint32
}

// NewFrameProtocol creates a frame protocol that writes bodies with codecType.
func NewFrameProtocol(codecType codec.CodecType) (*FrameProtocol, error) {
	cdc, err := codec.GetCodec(codecType)
	if err != nil {
		return nil, err
	}
	return &FrameProtocol{codec: cdc}, nil
}

// NewFactory returns a Factory producing frame protocols for codecType.
func NewFactory(codecType codec.CodecType) (Factory, error) {
	if _, err := codec.GetCodec(codecType); err != nil {
		return nil, err
	}
	return func() WireProtocol {
		p, _ := NewFrameProtocol(codecType)
		return p
	}, nil
}

func (p *FrameProtocol) WriteMessage(w io.Writer, msg message.Message) error {
	var msgType MsgType
	switch msg.(type) {
	case *message.RequestMessage:
		msgType = MsgTypeRequest
	case *message.ResponseMessage:
		msgType = MsgTypeResponse
	default:
		return errors.Errorf("unsupported message %T", msg)
	}

	body, err := p.codec.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	if uint32(len(body)) > MaxBodyLen {
		return errors.Errorf("message too large: %d bytes", len(body))
	}

	return Encode(w, &Header{
		CodecType: p.codec.Type(),
		MsgType:   msgType,
		Seq:       p.seq.Add(1),
	}, body)
}

func (p *FrameProtocol) WriteHeartbeat(w io.Writer) error {
	return Encode(w, &Header{
		CodecType: p.codec.Type(),
		MsgType:   MsgTypeHeartbeat,
		Seq:       p.seq.Add(1),
	}, nil)
}

func (p *FrameProtocol) ReadMessage(r io.Reader) (message.Message, error) {
	header, body, err := Decode(r)
	if err != nil {
		return nil, err
	}

	cdc, err := codec.GetCodec(header.CodecType)
	if err != nil {
		return nil, err
	}

	switch header.MsgType {
	case MsgTypeHeartbeat:
		return nil, nil
	case MsgTypeRequest:
		req := &message.RequestMessage{}
		if err := cdc.Decode(body, req); err != nil {
			return nil, errors.Wrapf(ErrMalformedBody, "decode request: %v", err)
		}
		return req, nil
	default:
		resp := &message.ResponseMessage{}
		if err := cdc.Decode(body, resp); err != nil {
			return nil, errors.Wrapf(ErrMalformedBody, "decode response: %v", err)
		}
		return resp, nil
	}
}
