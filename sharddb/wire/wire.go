// Package wire defines the binary framing shared by the shard transport
// client and the provider: length-prefixed key/value records, snappy
// compressed. The framing is independent of HTTP so other transports can
// reuse it.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"

	"github.com/openhep/hepstore/sharddb"
)

// EncodeKeyValues frames and compresses key/value records.
func EncodeKeyValues(pairs []sharddb.KeyValue) []byte {
	n := 0
	for _, kv := range pairs {
		n += 8 + len(kv.Key) + len(kv.Value)
	}
	buf := make([]byte, 0, n)
	var scratch [4]byte
	for _, kv := range pairs {
		binary.BigEndian.PutUint32(scratch[:], uint32(len(kv.Key)))
		buf = append(buf, scratch[:]...)
		buf = append(buf, kv.Key...)
		binary.BigEndian.PutUint32(scratch[:], uint32(len(kv.Value)))
		buf = append(buf, scratch[:]...)
		buf = append(buf, kv.Value...)
	}
	return snappy.Encode(nil, buf)
}

// DecodeKeyValues reverses EncodeKeyValues.
func DecodeKeyValues(data []byte) ([]sharddb.KeyValue, error) {
	buf, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	var out []sharddb.KeyValue
	for len(buf) > 0 {
		key, rest, err := readChunk(buf)
		if err != nil {
			return nil, err
		}
		value, rest, err := readChunk(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, sharddb.KeyValue{Key: key, Value: value})
		buf = rest
	}
	return out, nil
}

// EncodeKeys frames and compresses bare keys.
func EncodeKeys(keys [][]byte) []byte {
	n := 0
	for _, k := range keys {
		n += 4 + len(k)
	}
	buf := make([]byte, 0, n)
	var scratch [4]byte
	for _, k := range keys {
		binary.BigEndian.PutUint32(scratch[:], uint32(len(k)))
		buf = append(buf, scratch[:]...)
		buf = append(buf, k...)
	}
	return snappy.Encode(nil, buf)
}

// DecodeKeys reverses EncodeKeys.
func DecodeKeys(data []byte) ([][]byte, error) {
	buf, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	var out [][]byte
	for len(buf) > 0 {
		k, rest, err := readChunk(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
		buf = rest
	}
	return out, nil
}

func readChunk(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("wire: truncated chunk (%d of %d bytes)", len(buf), n)
	}
	chunk := make([]byte, n)
	copy(chunk, buf[:n])
	return chunk, buf[n:], nil
}
