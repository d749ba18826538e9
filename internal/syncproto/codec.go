// Package syncproto implements the frames nodes exchange over the relay on
// the shopsystem:sync channel, and the node side of that conversation.
//
// Frames are big-endian. Strings are a uint16 byte length followed by UTF-8
// bytes, doubles are IEEE-754 float64 and counts are int32, which keeps the
// layout readable by DataInput-style decoders on the other end.
package syncproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"shopsys/internal/catalog"

	"github.com/shopspring/decimal"
)

const Channel = "shopsystem:sync"

type Kind string

const (
	KindPriceUpdate         Kind = "PRICE_UPDATE"
	KindSyncRequest         Kind = "SYNC_REQUEST"
	KindSendConfig          Kind = "SEND_CONFIG"
	KindRequestConfig       Kind = "REQUEST_CONFIG"
	KindRequestGlobalReload Kind = "REQUEST_GLOBAL_RELOAD"
)

const (
	maxString = math.MaxUint16
	maxFiles  = 4096
)

var (
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrMalformed     = errors.New("malformed frame")
	ErrStringTooLong = errors.New("string exceeds 65535 bytes")
)

// Message is a decoded frame. Only the fields of its Kind are meaningful.
type Message struct {
	Kind Kind

	ItemID string
	Buy    decimal.Decimal
	Sell   decimal.Decimal
	// Origin is the sending node id. Legacy PRICE_UPDATE frames omit it.
	Origin string

	Files []catalog.FileContent
}

func PriceUpdate(itemID string, buy, sell decimal.Decimal, origin string) Message {
	return Message{Kind: KindPriceUpdate, ItemID: itemID, Buy: buy, Sell: sell, Origin: origin}
}

func SendConfig(files []catalog.FileContent) Message {
	return Message{Kind: KindSendConfig, Files: files}
}

func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, string(m.Kind)); err != nil {
		return nil, err
	}
	switch m.Kind {
	case KindPriceUpdate:
		if err := writeString(&buf, m.ItemID); err != nil {
			return nil, err
		}
		writeFloat(&buf, m.Buy.InexactFloat64())
		writeFloat(&buf, m.Sell.InexactFloat64())
		if err := writeString(&buf, m.Origin); err != nil {
			return nil, err
		}
	case KindSendConfig:
		if len(m.Files) > maxFiles {
			return nil, fmt.Errorf("%d files exceeds %d", len(m.Files), maxFiles)
		}
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(m.Files)))
		buf.Write(n[:])
		for _, f := range m.Files {
			if err := writeString(&buf, f.Name); err != nil {
				return nil, fmt.Errorf("file name: %w", err)
			}
			if err := writeString(&buf, f.Content); err != nil {
				return nil, fmt.Errorf("file %s: %w", f.Name, err)
			}
		}
	case KindSyncRequest, KindRequestConfig, KindRequestGlobalReload:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return buf.Bytes(), nil
}

func Decode(frame []byte) (Message, error) {
	r := bytes.NewReader(frame)
	kind, err := readString(r)
	if err != nil {
		return Message{}, err
	}
	m := Message{Kind: Kind(kind)}
	switch m.Kind {
	case KindPriceUpdate:
		if m.ItemID, err = readString(r); err != nil {
			return Message{}, err
		}
		buy, err := readFloat(r)
		if err != nil {
			return Message{}, err
		}
		sell, err := readFloat(r)
		if err != nil {
			return Message{}, err
		}
		m.Buy, m.Sell = decimal.NewFromFloat(buy), decimal.NewFromFloat(sell)
		if r.Len() > 0 {
			if m.Origin, err = readString(r); err != nil {
				return Message{}, err
			}
		}
	case KindSendConfig:
		var n int32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return Message{}, fmt.Errorf("%w: file count: %v", ErrMalformed, err)
		}
		if n < 0 || n > maxFiles {
			return Message{}, fmt.Errorf("%w: file count %d", ErrMalformed, n)
		}
		m.Files = make([]catalog.FileContent, 0, n)
		for i := int32(0); i < n; i++ {
			name, err := readString(r)
			if err != nil {
				return Message{}, err
			}
			content, err := readString(r)
			if err != nil {
				return Message{}, err
			}
			m.Files = append(m.Files, catalog.FileContent{Name: name, Content: content})
		}
	case KindSyncRequest, KindRequestConfig, KindRequestGlobalReload:
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return m, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxString {
		return ErrStringTooLong
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
	return nil
}

func writeFloat(buf *bytes.Buffer, f float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	buf.Write(b[:])
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("%w: string length: %v", ErrMalformed, err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("%w: string body: %v", ErrMalformed, err)
	}
	return string(b), nil
}

func readFloat(r *bytes.Reader) (float64, error) {
	var bits uint64
	if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
		return 0, fmt.Errorf("%w: float: %v", ErrMalformed, err)
	}
	f := math.Float64frombits(bits)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: non-finite price", ErrMalformed)
	}
	return f, nil
}
