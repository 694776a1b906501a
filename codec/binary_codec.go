package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"ioc-rpc/message"
)

// BinaryCodec writes messages as length-prefixed fields in big-endian order.
// It only understands *message.RequestMessage and *message.ResponseMessage.
//
// Request:  txid(16) service(u16+n) method(u16+n) params(u32+n) cacheTime(u32) invoke(1) caller(6 x u16+n)
// Response: txid(16) service(u16+n) method(u16+n) params(u32+n) value(u32+n)
// hasErr(1) [kind(u16+n) message(u32+n)] elapsed(u64) count(u32)
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: short buffer")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &binaryWriter{}
	switch msg := v.(type) {
	case *message.RequestMessage:
		w.bytes(msg.TransactionID[:])
		w.str16(msg.ServiceName)
		w.str16(msg.MethodName)
		w.bytes32(msg.Parameters)
		w.u32(uint32(int32(msg.CacheTime)))
		w.bool(msg.InvokeMethod)
		w.str16(msg.Caller.AppName)
		w.str16(msg.Caller.HostName)
		w.str16(msg.Caller.IPAddress)
		w.str16(msg.Caller.ServiceName)
		w.str16(msg.Caller.MethodName)
		w.str16(msg.Caller.Parameters)
	case *message.ResponseMessage:
		w.bytes(msg.TransactionID[:])
		w.str16(msg.ServiceName)
		w.str16(msg.MethodName)
		w.bytes32(msg.Parameters)
		w.bytes32(msg.Value)
		w.bool(msg.Error != nil)
		if msg.Error != nil {
			w.str16(string(msg.Error.Kind))
			w.bytes32([]byte(msg.Error.Message))
		}
		w.u64(uint64(msg.ElapsedTime))
		w.u32(uint32(msg.Count))
	default:
		return nil, errors.Errorf("BinaryCodec: unsupported type %T", v)
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &binaryReader{buf: data}
	switch msg := v.(type) {
	case *message.RequestMessage:
		copy(msg.TransactionID[:], r.bytes(16))
		msg.ServiceName = r.str16()
		msg.MethodName = r.str16()
		msg.Parameters = r.bytes32()
		msg.CacheTime = int(int32(r.u32()))
		msg.InvokeMethod = r.bool()
		msg.Caller.AppName = r.str16()
		msg.Caller.HostName = r.str16()
		msg.Caller.IPAddress = r.str16()
		msg.Caller.ServiceName = r.str16()
		msg.Caller.MethodName = r.str16()
		msg.Caller.Parameters = r.str16()
	case *message.ResponseMessage:
		copy(msg.TransactionID[:], r.bytes(16))
		msg.ServiceName = r.str16()
		msg.MethodName = r.str16()
		msg.Parameters = r.bytes32()
		msg.Value = r.bytes32()
		if r.bool() {
			kind := r.str16()
			text := r.bytes32()
			msg.Error = &message.RemoteError{Kind: message.ErrorKind(kind), Message: string(text)}
		}
		msg.ElapsedTime = int64(r.u64())
		msg.Count = int(r.u32())
	default:
		return errors.Errorf("BinaryCodec: unsupported type %T", v)
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type binaryWriter struct {
	buf []byte
}

func (w *binaryWriter) bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *binaryWriter) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *binaryWriter) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *binaryWriter) bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *binaryWriter) str16(s string) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binaryWriter) bytes32(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binaryReader stops at the first short read and remembers the error.
type binaryReader struct {
	buf    []byte
	offset int
	err    error
}

func (r *binaryReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.offset+n > len(r.buf) {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *binaryReader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binaryReader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *binaryReader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *binaryReader) bool() bool {
	b := r.bytes(1)
	return b != nil && b[0] == 1
}

func (r *binaryReader) str16() string {
	return string(r.bytes(int(r.u16())))
}

func (r *binaryReader) bytes32() []byte {
	n := r.u32()
	b := r.bytes(int(n))
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
