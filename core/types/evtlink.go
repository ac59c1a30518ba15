package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcutil/bech32"
)

var (
	ErrLinkVersion    = errors.New("link version is not supported")
	ErrLinkType       = errors.New("link type flags are invalid")
	ErrLinkExpiration = errors.New("link timestamp is outside the accepted window")
	ErrLinkDupe       = errors.New("link id has already been accepted")
	ErrLinkDecode     = errors.New("link bytes are malformed")
	ErrEveriPass      = errors.New("everipass check failed")
	ErrEveriPay       = errors.New("everipay check failed")
)

// Link header flags.
const (
	LinkVersion1  uint8 = 1 << 0
	LinkEveriPass uint8 = 1 << 1
	LinkEveriPay  uint8 = 1 << 2
	LinkDestroy   uint8 = 1 << 3
)

// Link segment ids. The id selects the payload encoding: ids up to 20 are
// one byte, up to 40 two bytes, up to 90 four bytes, up to 155 length-
// prefixed strings, and above that length-prefixed raw bytes.
const (
	SegTimestamp uint8 = 42
	SegMaxPay    uint8 = 43
	SegSymbolID  uint8 = 44
	SegDomain    uint8 = 91
	SegToken     uint8 = 92
	SegMaxPayStr uint8 = 94
	SegLinkID    uint8 = 156
)

// LinkIDSize is the byte length of the globally-unique link id segment.
const LinkIDSize = 16

// Segment is one (id, payload) pair of a link. Exactly one of Int and Str is
// meaningful, chosen by the id range; SegLinkID and other high ids use Bytes.
type Segment struct {
	ID    uint8
	Int   uint32
	Str   string
	Bytes []byte
}

// Link is the byte-packed capability token carried by everipass/everipay:
// a header byte, a segment list and the signatures over both.
type Link struct {
	Header   uint8
	Segments map[uint8]Segment
	SigList  []Signature
}

// NewLink builds an empty link with the given header flags.
func NewLink(header uint8) *Link {
	return &Link{Header: header, Segments: make(map[uint8]Segment)}
}

// AddSegment inserts or replaces a segment.
func (l *Link) AddSegment(seg Segment) {
	l.Segments[seg.ID] = seg
}

// HasSegment reports whether the id is present.
func (l *Link) HasSegment(id uint8) bool {
	_, ok := l.Segments[id]
	return ok
}

// Segment returns the segment for id.
func (l *Link) Segment(id uint8) (Segment, bool) {
	s, ok := l.Segments[id]
	return s, ok
}

// LinkID returns the 16-byte link id segment.
func (l *Link) LinkID() ([LinkIDSize]byte, error) {
	seg, ok := l.Segments[SegLinkID]
	if !ok || len(seg.Bytes) != LinkIDSize {
		return [LinkIDSize]byte{}, fmt.Errorf("%w: missing or malformed link id", ErrLinkDecode)
	}
	var id [LinkIDSize]byte
	copy(id[:], seg.Bytes)
	return id, nil
}

// segmentBody encodes the header and segments in ascending id order, the
// byte string signatures commit to.
func (l *Link) segmentBody() []byte {
	ids := make([]int, 0, len(l.Segments))
	for id := range l.Segments {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	out := []byte{l.Header}
	for _, idi := range ids {
		seg := l.Segments[uint8(idi)]
		out = append(out, seg.ID)
		switch {
		case seg.ID <= 20:
			out = append(out, byte(seg.Int))
		case seg.ID <= 40:
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(seg.Int))
			out = append(out, b[:]...)
		case seg.ID <= 90:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], seg.Int)
			out = append(out, b[:]...)
		case seg.ID <= 155:
			out = append(out, byte(len(seg.Str)))
			out = append(out, seg.Str...)
		default:
			out = append(out, byte(len(seg.Bytes)))
			out = append(out, seg.Bytes...)
		}
	}
	return out
}

// Encode serializes the link: segment body followed by the signatures.
func (l *Link) Encode() []byte {
	out := l.segmentBody()
	for _, sig := range l.SigList {
		out = append(out, sig...)
	}
	return out
}

// Digest is what link signatures commit to.
func (l *Link) Digest() [32]byte {
	return sha256.Sum256(l.segmentBody())
}

// Sign appends a signature produced by the signer callback over the digest.
func (l *Link) Sign(sign func(digest [32]byte) (Signature, error)) error {
	sig, err := sign(l.Digest())
	if err != nil {
		return err
	}
	if !sig.Valid() {
		return fmt.Errorf("%w: signer returned malformed signature", ErrLinkDecode)
	}
	l.SigList = append(l.SigList, sig)
	return nil
}

// DecodeLink parses the byte form. Trailing bytes that do not form whole
// signatures are rejected; max_pay and max_pay_str are mutually exclusive.
func DecodeLink(data []byte) (*Link, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrLinkDecode)
	}
	l := NewLink(data[0])
	if l.Header&LinkVersion1 == 0 {
		return nil, ErrLinkVersion
	}
	i := 1
	for i < len(data) {
		id := data[i]
		i++
		seg := Segment{ID: id}
		switch {
		case id <= 20:
			if i+1 > len(data) {
				return nil, fmt.Errorf("%w: truncated segment %d", ErrLinkDecode, id)
			}
			seg.Int = uint32(data[i])
			i++
		case id <= 40:
			if i+2 > len(data) {
				return nil, fmt.Errorf("%w: truncated segment %d", ErrLinkDecode, id)
			}
			seg.Int = uint32(binary.BigEndian.Uint16(data[i : i+2]))
			i += 2
		case id <= 90:
			if i+4 > len(data) {
				return nil, fmt.Errorf("%w: truncated segment %d", ErrLinkDecode, id)
			}
			seg.Int = binary.BigEndian.Uint32(data[i : i+4])
			i += 4
		case id <= 155:
			if i >= len(data) || i+1+int(data[i]) > len(data) {
				return nil, fmt.Errorf("%w: truncated segment %d", ErrLinkDecode, id)
			}
			n := int(data[i])
			seg.Str = string(data[i+1 : i+1+n])
			i += 1 + n
		default:
			if i >= len(data) || i+1+int(data[i]) > len(data) {
				return nil, fmt.Errorf("%w: truncated segment %d", ErrLinkDecode, id)
			}
			n := int(data[i])
			seg.Bytes = append([]byte(nil), data[i+1:i+1+n]...)
			i += 1 + n
		}
		l.Segments[seg.ID] = seg
		if id >= 156 {
			// The link id segment, or any higher id, terminates the segment list; what
			// follows is the signature block.
			break
		}
	}
	rest := data[i:]
	if len(rest)%65 != 0 {
		return nil, fmt.Errorf("%w: signature block has %d trailing bytes", ErrLinkDecode, len(rest)%65)
	}
	for off := 0; off < len(rest); off += 65 {
		l.SigList = append(l.SigList, Signature(append([]byte(nil), rest[off:off+65]...)))
	}
	if l.HasSegment(SegMaxPay) && l.HasSegment(SegMaxPayStr) {
		return nil, fmt.Errorf("%w: max_pay and max_pay_str are mutually exclusive", ErrLinkDecode)
	}
	return l, nil
}

// linkHRP is the human readable prefix of the bech32 text form.
const linkHRP = "evtlink"

// EncodeLinkText renders the bech32 text form used off-chain.
func EncodeLinkText(l *Link) (string, error) {
	conv, err := bech32.ConvertBits(l.Encode(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(linkHRP, conv)
}

// DecodeLinkText parses the bech32 text form.
func DecodeLinkText(s string) (*Link, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkDecode, err)
	}
	if hrp != linkHRP {
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrLinkDecode, hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkDecode, err)
	}
	return DecodeLink(raw)
}

// EVTLinkObject indexes an accepted everipay link id to the block and
// transaction that consumed it.
type EVTLinkObject struct {
	LinkID   [LinkIDSize]byte `json:"link_id"`
	BlockNum uint32           `json:"block_num"`
	TrxID    [32]byte         `json:"trx_id"`
}
