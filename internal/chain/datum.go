package chain

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

// NonceSize is the length of a miner nonce in bytes.
const NonceSize = 16

const (
	// Plutus encodes constructor 0 as CBOR tag 121.
	constrTag = 121

	// In an encoded target state the nonce bytes start after the tag (2 bytes), the
	// indefinite array header (1 byte) and the 16-byte string header (1 byte).
	nonceOffset = 4

	chainFieldCount  = 8
	recordFieldCount = 9
)

// noExtra is the CBOR integer 0 stored in the extra field of a datum without a message.
var noExtra = []byte{0x00}

// ErrInvalidDatum is returned when a datum does not have the puzzle state shape.
var ErrInvalidDatum = errors.New("invalid puzzle datum")

// EncodeDatum encodes b the way the contract stores it:
// Constr 0 [block_number, current_hash, leading_zeroes, difficulty_number, epoch_time,
// current_time, extra, interlink].
func EncodeDatum(b Block) ([]byte, error) {
	extra := b.Extra
	if len(extra) == 0 {
		extra = noExtra
	} else if err := cbor.Wellformed(extra); err != nil {
		return nil, fmt.Errorf("%w: extra is not CBOR: %v", ErrInvalidDatum, err)
	}

	rawLinks := make([]any, len(b.Interlink))
	for i, link := range b.Interlink {
		rawLinks[i] = link
	}
	links, err := encodeFields(rawLinks...)
	if err != nil {
		return nil, err
	}

	fields, err := encodeFields(
		b.BlockNumber,
		b.CurrentHash,
		int64(b.LeadingZeroes),
		b.DifficultyNumber,
		b.EpochTime,
		b.CurrentTime,
	)
	if err != nil {
		return nil, err
	}
	fields = append(fields, extra, plutusList(links))
	return constr0(fields)
}

// DecodeDatum decodes a puzzle datum. It accepts the eight-field layout stored on chain and
// the nine-field layout that carries a leading 16-byte nonce placeholder.
func DecodeDatum(data []byte) (Block, error) {
	fields, err := decodeConstr0(data)
	if err != nil {
		return Block{}, err
	}

	switch len(fields) {
	case chainFieldCount:
	case recordFieldCount:
		nonce, err := decodeBytes(fields[0], "nonce")
		if err != nil {
			return Block{}, err
		}
		if len(nonce) != NonceSize {
			return Block{}, fmt.Errorf("%w: nonce placeholder has %d bytes", ErrInvalidDatum, len(nonce))
		}
		fields = fields[1:]
	default:
		return Block{}, fmt.Errorf("%w: expected %d or %d fields, got %d",
			ErrInvalidDatum, chainFieldCount, recordFieldCount, len(fields))
	}

	var b Block
	if b.BlockNumber, err = decodeInt(fields[0], "block_number"); err != nil {
		return Block{}, err
	}
	if b.CurrentHash, err = decodeBytes(fields[1], "current_hash"); err != nil {
		return Block{}, err
	}
	lz, err := decodeInt(fields[2], "leading_zeroes")
	if err != nil {
		return Block{}, err
	}
	if lz < 0 || lz > 64 {
		return Block{}, fmt.Errorf("%w: leading_zeroes %d out of range", ErrInvalidDatum, lz)
	}
	b.LeadingZeroes = int(lz)
	if b.DifficultyNumber, err = decodeInt(fields[3], "difficulty_number"); err != nil {
		return Block{}, err
	}
	if b.EpochTime, err = decodeInt(fields[4], "epoch_time"); err != nil {
		return Block{}, err
	}
	if b.CurrentTime, err = decodeInt(fields[5], "current_time"); err != nil {
		return Block{}, err
	}
	if !bytes.Equal(fields[6], noExtra) {
		b.Extra = slices.Clone([]byte(fields[6]))
	}

	if majorType(fields[7]) != 4 {
		return Block{}, fmt.Errorf("%w: interlink is not a list", ErrInvalidDatum)
	}
	var links []cbor.RawMessage
	if err := cbor.Unmarshal(fields[7], &links); err != nil {
		return Block{}, fmt.Errorf("%w: interlink: %v", ErrInvalidDatum, err)
	}
	b.Interlink = make([][]byte, 0, len(links))
	for _, raw := range links {
		link, err := decodeBytes(raw, "interlink entry")
		if err != nil {
			return Block{}, err
		}
		b.Interlink = append(b.Interlink, link)
	}

	return b, nil
}

// TargetState encodes the buffer miners hash:
// Constr 0 [nonce, block_number, current_hash, leading_zeroes, difficulty_number, epoch_time].
func TargetState(b Block, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	fields, err := encodeFields(
		nonce,
		b.BlockNumber,
		b.CurrentHash,
		int64(b.LeadingZeroes),
		b.DifficultyNumber,
		b.EpochTime,
	)
	if err != nil {
		return nil, err
	}
	state, err := constr0(fields)
	if err != nil {
		return nil, err
	}
	if len(state) < nonceOffset+NonceSize {
		return nil, fmt.Errorf("target state too short: %d bytes", len(state))
	}
	return state, nil
}

// SpliceNonce overwrites the nonce field of an encoded target state in place.
// state must come from TargetState.
func SpliceNonce(state, nonce []byte) {
	copy(state[nonceOffset:nonceOffset+NonceSize], nonce)
}

func encodeFields(values ...any) ([][]byte, error) {
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		// a nil slice would otherwise encode as CBOR null
		if b, ok := v.([]byte); ok && b == nil {
			v = []byte{}
		}
		enc, err := cbor.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, nil
}

// plutusList encodes items the way Plutus data serialisers do: indefinite length when
// non-empty, a definite empty array otherwise.
func plutusList(items [][]byte) []byte {
	if len(items) == 0 {
		return []byte{0x80}
	}
	out := []byte{0x9f}
	for _, item := range items {
		out = append(out, item...)
	}
	return append(out, 0xff)
}

func constr0(fields [][]byte) ([]byte, error) {
	return cbor.Marshal(cbor.RawTag{Number: constrTag, Content: plutusList(fields)})
}

func decodeConstr0(data []byte) ([]cbor.RawMessage, error) {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDatum, err)
	}
	if tag.Number != constrTag {
		return nil, fmt.Errorf("%w: constructor tag %d", ErrInvalidDatum, tag.Number)
	}
	if majorType(tag.Content) != 4 {
		return nil, fmt.Errorf("%w: constructor fields are not a list", ErrInvalidDatum)
	}
	var fields []cbor.RawMessage
	if err := cbor.Unmarshal(tag.Content, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDatum, err)
	}
	return fields, nil
}

func majorType(raw []byte) byte {
	if len(raw) == 0 {
		return 0xff
	}
	return raw[0] >> 5
}

func decodeInt(raw cbor.RawMessage, name string) (int64, error) {
	if mt := majorType(raw); mt != 0 && mt != 1 {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrInvalidDatum, name)
	}
	var v int64
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidDatum, name, err)
	}
	return v, nil
}

func decodeBytes(raw cbor.RawMessage, name string) ([]byte, error) {
	if majorType(raw) != 2 {
		return nil, fmt.Errorf("%w: %s is not a byte string", ErrInvalidDatum, name)
	}
	var v []byte
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDatum, name, err)
	}
	return v, nil
}
