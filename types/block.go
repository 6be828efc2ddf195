package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the serialized size of a block header in bytes.
	HeaderSize = 4 + HashSize + HashSize + 4 + 4 + 4

	// MaxTxSize bounds a single serialized transaction.
	MaxTxSize = 1 << 20

	// MaxTxsPerBlock bounds the transaction count in a decoded block.
	MaxTxsPerBlock = 1 << 16
)

var ErrInvalidBlockEncoding = errors.New("invalid block encoding")

// Header is a proof-of-work block header.
type Header struct {
	Version    int32
	PrevHash   Hash
	MerkleRoot Hash
	Time       uint32
	Bits       uint32
	Nonce      uint32
}

// Hash computes the double SHA-256 of the serialized header. This is the
// block's content identifier on the wire and in the store.
func (h *Header) Hash() Hash {
	return DoubleSHA256(h.serialize())
}

func (h *Header) serialize() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	copy(buf[4:36], h.PrevHash[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], h.Time)
	binary.LittleEndian.PutUint32(buf[72:76], h.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], h.Nonce)
	return buf
}

func (h *Header) deserialize(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrInvalidBlockEncoding
	}
	h.Version = int32(binary.LittleEndian.Uint32(buf[0:4]))
	copy(h.PrevHash[:], buf[4:36])
	copy(h.MerkleRoot[:], buf[36:68])
	h.Time = binary.LittleEndian.Uint32(buf[68:72])
	h.Bits = binary.LittleEndian.Uint32(buf[72:76])
	h.Nonce = binary.LittleEndian.Uint32(buf[76:80])
	return nil
}

// Block is a header plus its raw transaction payloads. Transaction contents
// are opaque to the sync layer; validation happens in the chain.
type Block struct {
	Header Header
	Txs    [][]byte
}

// Marshal encodes the block with a deterministic length-prefixed framing:
// header, tx count, then each tx prefixed by its length.
func (b *Block) Marshal() ([]byte, error) {
	if len(b.Txs) > MaxTxsPerBlock {
		return nil, fmt.Errorf("%w: %d txs", ErrInvalidBlockEncoding, len(b.Txs))
	}
	var buf bytes.Buffer
	buf.Write(b.Header.serialize())

	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(b.Txs)))
	buf.Write(scratch[:])

	for _, tx := range b.Txs {
		if len(tx) > MaxTxSize {
			return nil, fmt.Errorf("%w: tx of %d bytes", ErrInvalidBlockEncoding, len(tx))
		}
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(tx)))
		buf.Write(scratch[:])
		buf.Write(tx)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a block produced by Marshal.
func (b *Block) Unmarshal(buf []byte) error {
	if err := b.Header.deserialize(buf); err != nil {
		return err
	}
	buf = buf[HeaderSize:]

	if len(buf) < 4 {
		return ErrInvalidBlockEncoding
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if count > MaxTxsPerBlock {
		return fmt.Errorf("%w: %d txs", ErrInvalidBlockEncoding, count)
	}

	txs := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 4 {
			return ErrInvalidBlockEncoding
		}
		size := binary.LittleEndian.Uint32(buf[0:4])
		buf = buf[4:]
		if size > MaxTxSize || uint32(len(buf)) < size {
			return ErrInvalidBlockEncoding
		}
		tx := make([]byte, size)
		copy(tx, buf[:size])
		txs = append(txs, tx)
		buf = buf[size:]
	}
	if len(buf) != 0 {
		return ErrInvalidBlockEncoding
	}
	b.Txs = txs
	return nil
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{%v, %d txs}", b.Header.Hash(), len(b.Txs))
}
