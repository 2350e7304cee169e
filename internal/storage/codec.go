package storage

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lakowske/ib-stream/internal/model"
)

// codec serializes ticks to and from one on-disk record format.
type codec interface {
	// appendRecord writes one record.
	appendRecord(w *bufio.Writer, msg model.TickMessage) error

	// decode streams every record in a file; yield returning false
	// stops the scan.
	decode(r io.Reader, yield func(model.TickMessage) bool) error
}

// jsonlCodec writes one compact JSON object per line using the short
// v3 keys; zero-valued optional fields are omitted by the struct tags.
type jsonlCodec struct{}

func (jsonlCodec) appendRecord(w *bufio.Writer, msg model.TickMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

func (jsonlCodec) decode(r io.Reader, yield func(model.TickMessage) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg model.TickMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode jsonl record: %w", err)
		}
		if !yield(msg) {
			return nil
		}
	}
	return sc.Err()
}

// Protobuf field numbers for the binary record body. The schema
// mirrors the JSONL keys exactly.
const (
	fieldTS          = 1
	fieldST          = 2
	fieldCID         = 3
	fieldTT          = 4
	fieldRID         = 5
	fieldPrice       = 6
	fieldSize        = 7
	fieldUnreported  = 8
	fieldBidPrice    = 9
	fieldBidSize     = 10
	fieldAskPrice    = 11
	fieldAskSize     = 12
	fieldBidPastLow  = 13
	fieldAskPastHigh = 14
	fieldMidPoint    = 15
)

// binaryCodec writes uint32_be(length) followed by a protobuf body.
type binaryCodec struct{}

// maxRecordSize bounds a single record; anything larger is corruption.
const maxRecordSize = 1 << 20

func marshalTickBody(msg model.TickMessage) []byte {
	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, fieldTS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.IBTimestampUS))
	b = protowire.AppendTag(b, fieldST, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.SystemTimestampUS))
	b = protowire.AppendTag(b, fieldCID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.ContractID))
	b = protowire.AppendTag(b, fieldTT, protowire.BytesType)
	b = protowire.AppendString(b, string(msg.TickType))
	b = protowire.AppendTag(b, fieldRID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(msg.RequestID)))

	appendDouble := func(num protowire.Number, v float64) {
		if v == 0 {
			return
		}
		b = protowire.AppendTag(b, num, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	appendBool := func(num protowire.Number, v bool) {
		if !v {
			return
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}

	appendDouble(fieldPrice, msg.Price)
	appendDouble(fieldSize, msg.Size)
	appendBool(fieldUnreported, msg.Unreported)
	appendDouble(fieldBidPrice, msg.BidPrice)
	appendDouble(fieldBidSize, msg.BidSize)
	appendDouble(fieldAskPrice, msg.AskPrice)
	appendDouble(fieldAskSize, msg.AskSize)
	appendBool(fieldBidPastLow, msg.BidPastLow)
	appendBool(fieldAskPastHigh, msg.AskPastHigh)
	appendDouble(fieldMidPoint, msg.MidPoint)
	return b
}

func unmarshalTickBody(body []byte) (model.TickMessage, error) {
	var msg model.TickMessage
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return msg, protowire.ParseError(n)
		}
		body = body[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return msg, protowire.ParseError(n)
			}
			body = body[n:]
			switch num {
			case fieldTS:
				msg.IBTimestampUS = int64(v)
			case fieldST:
				msg.SystemTimestampUS = int64(v)
			case fieldCID:
				msg.ContractID = int64(v)
			case fieldRID:
				msg.RequestID = int32(uint32(v))
			case fieldUnreported:
				msg.Unreported = v != 0
			case fieldBidPastLow:
				msg.BidPastLow = v != 0
			case fieldAskPastHigh:
				msg.AskPastHigh = v != 0
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(body)
			if n < 0 {
				return msg, protowire.ParseError(n)
			}
			body = body[n:]
			f := math.Float64frombits(v)
			switch num {
			case fieldPrice:
				msg.Price = f
			case fieldSize:
				msg.Size = f
			case fieldBidPrice:
				msg.BidPrice = f
			case fieldBidSize:
				msg.BidSize = f
			case fieldAskPrice:
				msg.AskPrice = f
			case fieldAskSize:
				msg.AskSize = f
			case fieldMidPoint:
				msg.MidPoint = f
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return msg, protowire.ParseError(n)
			}
			body = body[n:]
			if num == fieldTT {
				msg.TickType = model.TickType(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return msg, protowire.ParseError(n)
			}
			body = body[n:]
		}
	}
	return msg, nil
}

func (binaryCodec) appendRecord(w *bufio.Writer, msg model.TickMessage) error {
	body := marshalTickBody(msg)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func (binaryCodec) decode(r io.Reader, yield func(model.TickMessage) bool) error {
	br := bufio.NewReader(r)
	var header [4]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read record header: %w", err)
		}
		size := binary.BigEndian.Uint32(header[:])
		if size == 0 || size > maxRecordSize {
			return fmt.Errorf("invalid record size %d", size)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(br, body); err != nil {
			return fmt.Errorf("read record body: %w", err)
		}
		msg, err := unmarshalTickBody(body)
		if err != nil {
			return fmt.Errorf("decode binary record: %w", err)
		}
		if !yield(msg) {
			return nil
		}
	}
}
