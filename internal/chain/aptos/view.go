package aptos

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// viewDecoder reads positional Move values from a view function response and keeps
// the first decoding error. The node renders u8..u32 as JSON numbers, wider integers
// as decimal strings and vector<u8> as 0x-prefixed hex.
type viewDecoder struct {
	fn     string
	values []any
	err    error
}

func newViewDecoder(fn string, values []any, want int) *viewDecoder {
	d := &viewDecoder{fn: fn, values: values}
	if len(values) != want {
		d.err = fmt.Errorf("%s returned %d values, expected %d", fn, len(values), want)
	}
	return d
}

func (d *viewDecoder) fail(i int, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%s value %d: %w", d.fn, i, err)
	}
}

func (d *viewDecoder) Bool(i int) bool {
	if d.err != nil {
		return false
	}
	b, ok := d.values[i].(bool)
	if !ok {
		d.fail(i, fmt.Errorf("expected bool, got %T", d.values[i]))
	}
	return b
}

func (d *viewDecoder) number(i int) string {
	if d.err != nil {
		return "0"
	}
	switch v := d.values[i].(type) {
	case string:
		if v == "" {
			d.fail(i, fmt.Errorf("empty number"))
			return "0"
		}
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		d.fail(i, fmt.Errorf("expected number, got %T", v))
		return "0"
	}
}

func (d *viewDecoder) U64(i int) uint64 {
	n, err := strconv.ParseUint(d.number(i), 10, 64)
	if err != nil {
		d.fail(i, err)
	}
	return n
}

func (d *viewDecoder) U8(i int) uint8 {
	n, err := strconv.ParseUint(d.number(i), 10, 8)
	if err != nil {
		d.fail(i, err)
	}
	return uint8(n)
}

func (d *viewDecoder) BigInt(i int) *big.Int {
	n, ok := new(big.Int).SetString(d.number(i), 10)
	if !ok {
		d.fail(i, fmt.Errorf("not an integer"))
		return new(big.Int)
	}
	return n
}

func (d *viewDecoder) Bytes(i int) []byte {
	if d.err != nil {
		return nil
	}
	s, ok := d.values[i].(string)
	if !ok {
		d.fail(i, fmt.Errorf("expected hex string, got %T", d.values[i]))
		return nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		d.fail(i, err)
	}
	return b
}

// String decodes a std::string::String, which the node renders as plain text.
func (d *viewDecoder) String(i int) string {
	if d.err != nil {
		return ""
	}
	s, ok := d.values[i].(string)
	if !ok {
		d.fail(i, fmt.Errorf("expected string, got %T", d.values[i]))
	}
	return s
}

func (d *viewDecoder) Err() error {
	return d.err
}
