package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameBytes bounds one encoded frame.
const MaxFrameBytes = 128 * 1024

const (
	maxCBORNesting  = 8
	maxCBORArray    = 1024
	maxCBORMapPairs = 64
)

// Websocket subprotocol names, one per codec.
const (
	SubprotocolJSON = "edgepub.json"
	SubprotocolCBOR = "edgepub.cbor"
)

// Codec turns frames into transport messages and back.
type Codec interface {
	Name() string
	Binary() bool
	Marshal(f Frame) ([]byte, error)
	Unmarshal(data []byte) (Frame, error)
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// CodecFor resolves a negotiated subprotocol. Empty means JSON.
func CodecFor(subprotocol string) (Codec, error) {
	switch strings.TrimSpace(subprotocol) {
	case "", SubprotocolJSON:
		return JSON, nil
	case SubprotocolCBOR:
		return CBOR, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, subprotocol)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte) (Frame, error) {
	if len(data) > MaxFrameBytes {
		return Frame{}, ErrFrameTooLarge
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// cborCodec encodes frames with core deterministic encoding; struct
// fields resolve through their json tags.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: cbor encoder initialization failed: " + err.Error())
	}
	// Byte length is bounded by MaxFrameBytes before decoding; these bound
	// the shape of what fits inside it.
	dec, err := cbor.DecOptions{
		MaxNestedLevels:  maxCBORNesting,
		MaxArrayElements: maxCBORArray,
		MaxMapPairs:      maxCBORMapPairs,
	}.DecMode()
	if err != nil {
		panic("protocol: cbor decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Marshal(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	data, err := c.enc.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

func (c cborCodec) Unmarshal(data []byte) (Frame, error) {
	if len(data) > MaxFrameBytes {
		return Frame{}, ErrFrameTooLarge
	}
	var f Frame
	if err := c.dec.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
