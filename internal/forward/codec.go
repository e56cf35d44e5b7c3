// Package forward speaks the Fluent Forward protocol: a TCP server that
// receives tagged batches from Fluentd and Fluent Bit, and a client that
// relays batches to a downstream Forward endpoint. Messages are msgpack
// arrays; see https://github.com/fluent/fluentd/wiki/Forward-Protocol-Specification-v1.
package forward

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/dockermeta"
)

func init() {
	msgpack.RegisterExt(0, (*eventTime)(nil))
}

// eventTime is the Forward protocol EventTime, msgpack ext type 0:
// big-endian uint32 seconds followed by big-endian uint32 nanoseconds.
type eventTime struct {
	time.Time
}

func (et *eventTime) MarshalMsgpack() ([]byte, error) {
	b := binary.BigEndian.AppendUint32(make([]byte, 0, 8), uint32(et.Unix()))
	return binary.BigEndian.AppendUint32(b, uint32(et.Nanosecond())), nil
}

func (et *eventTime) UnmarshalMsgpack(b []byte) error {
	if len(b) != 8 {
		return fmt.Errorf("EventTime payload is %d bytes, want 8", len(b))
	}
	et.Time = time.Unix(int64(binary.BigEndian.Uint32(b)), int64(binary.BigEndian.Uint32(b[4:])))
	return nil
}

// decodeEntry decodes one [time, record, ...] array.
func decodeEntry(dec *msgpack.Decoder) (dockermeta.Entry, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return dockermeta.Entry{}, err
	}
	if n < 2 {
		return dockermeta.Entry{}, fmt.Errorf("entry array too short: %d", n)
	}
	ts, err := decodeTime(dec)
	if err != nil {
		return dockermeta.Entry{}, err
	}
	record, err := decodeRecord(dec)
	if err != nil {
		return dockermeta.Entry{}, err
	}
	for range n - 2 {
		if err := dec.Skip(); err != nil {
			return dockermeta.Entry{}, err
		}
	}
	return dockermeta.Entry{Time: ts, Record: record}, nil
}

// decodeEntries decodes a Forward-mode array of [time, record] pairs.
func decodeEntries(dec *msgpack.Decoder) (dockermeta.Batch, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	batch := make(dockermeta.Batch, 0, max(n, 0))
	for range n {
		e, err := decodeEntry(dec)
		if err != nil {
			return nil, err
		}
		batch = append(batch, e)
	}
	return batch, nil
}

// errTruncated marks a packed payload that ends inside an entry.
var errTruncated = errors.New("packed entries truncated")

// decodePacked decodes concatenated msgpack [time, record] entries.
// The payload must end exactly on an entry boundary; a cut entry fails
// the whole payload with io.ErrUnexpectedEOF so the chunk is not acked.
func decodePacked(data []byte) (dockermeta.Batch, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	var batch dockermeta.Batch
	for r.Len() > 0 {
		e, err := decodeEntry(dec)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("entry %d: %w: %w", len(batch), errTruncated, io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		batch = append(batch, e)
	}
	return batch, nil
}

// decodeTime accepts integer seconds, float seconds or EventTime.
func decodeTime(dec *msgpack.Decoder) (time.Time, error) {
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0), nil
	case uint64:
		return time.Unix(int64(t), 0), nil
	case float64:
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)), nil
	case *eventTime:
		return t.Time, nil
	case eventTime:
		return t.Time, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", v)
}

// decodeRecord decodes a msgpack map as a record. Top-level binary values
// become strings; older Fluentd versions send strings as raw bytes.
func decodeRecord(dec *msgpack.Decoder) (dockermeta.Record, error) {
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	for k, v := range record {
		if b, ok := v.([]byte); ok {
			record[k] = string(b)
		}
	}
	return record, nil
}

// decodeOption decodes the optional option map.
func decodeOption(dec *msgpack.Decoder) (map[string]any, error) {
	var opt map[string]any
	if err := dec.Decode(&opt); err != nil {
		return nil, err
	}
	return opt, nil
}

// isCompressed checks if the option map indicates gzip compression.
func isCompressed(opt map[string]any) bool {
	s, ok := opt["compressed"].(string)
	return ok && s == "gzip"
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// isArrayCode returns true if the msgpack format code represents an array.
func isArrayCode(c byte) bool {
	return (c >= 0x90 && c <= 0x9f) || c == 0xdc || c == 0xdd
}

// encodeForward writes [tag, [[time, record]...], option] in Forward mode.
func encodeForward(enc *msgpack.Encoder, tag string, batch dockermeta.Batch, option map[string]any) error {
	n := 2
	if option != nil {
		n = 3
	}
	if err := enc.EncodeArrayLen(n); err != nil {
		return err
	}
	if err := enc.EncodeString(tag); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(batch)); err != nil {
		return err
	}
	for _, e := range batch {
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.Encode(&eventTime{Time: e.Time}); err != nil {
			return err
		}
		if err := enc.Encode(map[string]any(e.Record)); err != nil {
			return err
		}
	}
	if option != nil {
		return enc.Encode(option)
	}
	return nil
}
