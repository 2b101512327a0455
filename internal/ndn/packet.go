package ndn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// TLV types for the subset of the packet format used here.
const (
	TypeInterest  = 0x05
	TypeData      = 0x06
	typeName      = 0x07
	typeComponent = 0x08
	typeNonce     = 0x0a
	typeLifetime  = 0x0c
	typeMetaInfo  = 0x14
	typeContent   = 0x15
	typeSignature = 0x17
	typeFreshness = 0x19
)

var (
	ErrTruncated   = errors.New("ndn: truncated packet")
	ErrPacketType  = errors.New("ndn: unexpected packet type")
	ErrMissingName = errors.New("ndn: packet has no name")
)

// Interest requests the Data carrying Name.
type Interest struct {
	Name     Name
	Nonce    uint32
	Lifetime time.Duration
}

// Data answers an Interest with the same Name.
type Data struct {
	Name      Name
	Content   []byte
	Freshness time.Duration
	// Signature is carried opaquely and never verified.
	Signature []byte
}

// MarshalBinary encodes the Interest.
func (i *Interest) MarshalBinary() ([]byte, error) {
	var body []byte
	body = appendName(body, i.Name)
	var nonce [4]byte
	binary.BigEndian.PutUint32(nonce[:], i.Nonce)
	body = appendTLV(body, typeNonce, nonce[:])
	if i.Lifetime > 0 {
		body = appendTLV(body, typeLifetime, binary.AppendUvarint(nil, uint64(i.Lifetime.Milliseconds())))
	}
	return appendTLV(nil, TypeInterest, body), nil
}

// UnmarshalBinary decodes an Interest produced by MarshalBinary.
func (i *Interest) UnmarshalBinary(b []byte) error {
	body, err := outer(b, TypeInterest)
	if err != nil {
		return err
	}
	*i = Interest{}
	haveName := false
	err = walk(body, func(t uint64, v []byte) error {
		switch t {
		case typeName:
			n, err := decodeName(v)
			if err != nil {
				return err
			}
			i.Name, haveName = n, true
		case typeNonce:
			if len(v) != 4 {
				return fmt.Errorf("%w: nonce length %d", ErrTruncated, len(v))
			}
			i.Nonce = binary.BigEndian.Uint32(v)
		case typeLifetime:
			ms, n := binary.Uvarint(v)
			if n <= 0 {
				return ErrTruncated
			}
			i.Lifetime = time.Duration(ms) * time.Millisecond
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !haveName {
		return ErrMissingName
	}
	return nil
}

// MarshalBinary encodes the Data packet.
func (d *Data) MarshalBinary() ([]byte, error) {
	var body []byte
	body = appendName(body, d.Name)
	var meta []byte
	if d.Freshness > 0 {
		meta = appendTLV(meta, typeFreshness, binary.AppendUvarint(nil, uint64(d.Freshness.Milliseconds())))
	}
	body = appendTLV(body, typeMetaInfo, meta)
	body = appendTLV(body, typeContent, d.Content)
	body = appendTLV(body, typeSignature, d.Signature)
	return appendTLV(nil, TypeData, body), nil
}

// UnmarshalBinary decodes a Data packet produced by MarshalBinary.
func (d *Data) UnmarshalBinary(b []byte) error {
	body, err := outer(b, TypeData)
	if err != nil {
		return err
	}
	*d = Data{}
	haveName := false
	err = walk(body, func(t uint64, v []byte) error {
		switch t {
		case typeName:
			n, err := decodeName(v)
			if err != nil {
				return err
			}
			d.Name, haveName = n, true
		case typeMetaInfo:
			return walk(v, func(t uint64, v []byte) error {
				if t == typeFreshness {
					ms, n := binary.Uvarint(v)
					if n <= 0 {
						return ErrTruncated
					}
					d.Freshness = time.Duration(ms) * time.Millisecond
				}
				return nil
			})
		case typeContent:
			d.Content = append([]byte(nil), v...)
		case typeSignature:
			if len(v) > 0 {
				d.Signature = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !haveName {
		return ErrMissingName
	}
	return nil
}

// PacketType returns the outer TLV type of an encoded packet.
func PacketType(b []byte) (uint64, error) {
	t, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, ErrTruncated
	}
	return t, nil
}

// EncodedLen returns the wire size of d.
func EncodedLen(d *Data) int {
	b, _ := d.MarshalBinary()
	return len(b)
}

func appendTLV(dst []byte, t uint64, v []byte) []byte {
	dst = binary.AppendUvarint(dst, t)
	dst = binary.AppendUvarint(dst, uint64(len(v)))
	return append(dst, v...)
}

func appendName(dst []byte, n Name) []byte {
	var comps []byte
	for _, c := range n {
		comps = appendTLV(comps, typeComponent, []byte(c))
	}
	return appendTLV(dst, typeName, comps)
}

func decodeName(v []byte) (Name, error) {
	n := Name{}
	err := walk(v, func(t uint64, c []byte) error {
		if t == typeComponent {
			n = append(n, string(c))
		}
		return nil
	})
	return n, err
}

func outer(b []byte, want uint64) ([]byte, error) {
	t, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, ErrTruncated
	}
	if t != want {
		return nil, fmt.Errorf("%w: got 0x%x want 0x%x", ErrPacketType, t, want)
	}
	b = b[n:]
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return nil, ErrTruncated
	}
	return b[n : n+int(l)], nil
}

func walk(b []byte, fn func(t uint64, v []byte) error) error {
	for len(b) > 0 {
		t, n := binary.Uvarint(b)
		if n <= 0 {
			return ErrTruncated
		}
		b = b[n:]
		l, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < l {
			return ErrTruncated
		}
		v := b[n : n+int(l)]
		b = b[n+int(l):]
		if err := fn(t, v); err != nil {
			return err
		}
	}
	return nil
}
