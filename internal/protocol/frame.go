package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v for the negotiated encoding. Msgpack frames reuse the
// json field names so both encodings carry the same keys.
func Marshal(encoding string, v any) (data []byte, binary bool, err error) {
	if encoding != EncodingMsgpack {
		data, err = json.Marshal(v)
		return data, false, err
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, true, err
	}
	return buf.Bytes(), true, nil
}

// UnmarshalMsgpack decodes a msgpack frame produced by Marshal.
func UnmarshalMsgpack(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func NormalizeEncoding(s string) string {
	if s == EncodingMsgpack {
		return EncodingMsgpack
	}
	return EncodingJSON
}
