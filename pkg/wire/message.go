package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Kind identifies the message type.
type Kind uint8

const (
	KindDeposit Kind = 1
	KindRelease Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindRelease:
		return "release"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrBadLength     = errors.New("message body has wrong length")
	ErrBadAmount     = errors.New("amount must be a non-negative integer")
	ErrAmountTooWide = errors.New("amount does not fit in 256 bits")
)

// Address is an opaque 32-byte identifier for accounts, tokens and
// contracts. Shorter native addresses are left-padded with zeros.
type Address [32]byte

// AddressFromBytes builds an Address from up to 32 bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) > 32 {
		return a, fmt.Errorf("address too long: %d bytes", len(b))
	}
	copy(a[32-len(b):], b)
	return a, nil
}

// AddressFromString derives a deterministic Address from an arbitrary
// string identifier (user names, token symbols in tests and dev mode).
func AddressFromString(s string) Address {
	return Address(sha256.Sum256([]byte(s)))
}

func ParseAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address hex: %w", err)
	}
	return AddressFromBytes(b)
}

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// IsZero reports whether the address is the all-zero sentinel.
func (a Address) IsZero() bool { return a == Address{} }

// MessageID is the deterministic hash identifying a message for
// deduplication. It commits to the origin domain, the sending gateway
// and the full encoded body.
type MessageID [32]byte

func ParseMessageID(s string) (MessageID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return MessageID{}, fmt.Errorf("invalid message id %q", s)
	}
	var id MessageID
	copy(id[:], b)
	return id, nil
}

func (id MessageID) String() string { return hex.EncodeToString(id[:]) }

// ComputeID hashes (originDomain, sender, body) into a MessageID.
func ComputeID(originDomain uint32, sender Address, body []byte) MessageID {
	h := sha256.New()
	var dom [4]byte
	binary.BigEndian.PutUint32(dom[:], originDomain)
	h.Write(dom[:])
	h.Write(sender[:])
	h.Write(body)
	var id MessageID
	copy(id[:], h.Sum(nil))
	return id
}

// Message is a cross-chain transfer instruction. Amount is an integer
// in the source token's native precision; the protocol never rescales
// between decimal conventions.
type Message struct {
	Kind         Kind
	Token        Address
	Recipient    Address
	Amount       decimal.Decimal
	OriginDomain uint32
	Sequence     uint64
}

// encodedLen is the fixed size of an encoded body:
// kind(1) + token(32) + recipient(32) + amount(32) + origin(4) + seq(8).
const encodedLen = 109

// Encode serializes the message into its canonical byte form. Both
// sides of the bridge must agree on this layout exactly; any field
// change breaks MessageID compatibility with in-flight traffic.
func (m Message) Encode() ([]byte, error) {
	if m.Kind != KindDeposit && m.Kind != KindRelease {
		return nil, ErrUnknownKind
	}
	if m.Amount.IsNegative() || !m.Amount.Equal(m.Amount.Truncate(0)) {
		return nil, ErrBadAmount
	}
	amt := m.Amount.BigInt()
	raw := amt.Bytes()
	if len(raw) > 32 {
		return nil, ErrAmountTooWide
	}

	buf := make([]byte, encodedLen)
	buf[0] = byte(m.Kind)
	copy(buf[1:33], m.Token[:])
	copy(buf[33:65], m.Recipient[:])
	copy(buf[65+32-len(raw):97], raw)
	binary.BigEndian.PutUint32(buf[97:101], m.OriginDomain)
	binary.BigEndian.PutUint64(buf[101:109], m.Sequence)
	return buf, nil
}

// Decode parses a canonical body. It fails closed: anything that is
// not exactly a well-formed message is rejected.
func Decode(body []byte) (Message, error) {
	if len(body) != encodedLen {
		return Message{}, fmt.Errorf("%w: got %d, want %d", ErrBadLength, len(body), encodedLen)
	}
	kind := Kind(body[0])
	if kind != KindDeposit && kind != KindRelease {
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, body[0])
	}

	var m Message
	m.Kind = kind
	copy(m.Token[:], body[1:33])
	copy(m.Recipient[:], body[33:65])
	amt := new(big.Int).SetBytes(body[65:97])
	m.Amount = decimal.NewFromBigInt(amt, 0)
	m.OriginDomain = binary.BigEndian.Uint32(body[97:101])
	m.Sequence = binary.BigEndian.Uint64(body[101:109])
	return m, nil
}
