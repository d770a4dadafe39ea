package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Structured value field numbers. Each encoded value carries exactly one.
const (
	fieldValueNull    protowire.Number = 1
	fieldValueBool    protowire.Number = 2
	fieldValueInteger protowire.Number = 3
	fieldValueDecimal protowire.Number = 4
	fieldValueString  protowire.Number = 5
	fieldValueList    protowire.Number = 6
	fieldValueObject  protowire.Number = 7

	fieldElement  protowire.Number = 1
	fieldEntryKey protowire.Number = 1
	fieldEntryVal protowire.Number = 2
)

// maxExponent bounds the decimal exponent of a structured number.
const maxExponent = 1000

var errTrailingData = errors.New("trailing data after structured value")

// normalizeStructured maps v onto the JSON data model and encodes it so that
// object key order and numeric spelling do not affect the id. Numbers keep
// their exact value: 1 and 1.0 encode the same, 2^53 and 2^53+1 do not.
func normalizeStructured(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling structured value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalizing structured value: %w", err)
	}
	return appendValue(nil, generic)
}

func appendValue(b []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		b = protowire.AppendTag(b, fieldValueNull, protowire.VarintType)
		return protowire.AppendVarint(b, 0), nil
	case bool:
		b = protowire.AppendTag(b, fieldValueBool, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(v)), nil
	case json.Number:
		r, err := parseNumber(v)
		if err != nil {
			return nil, err
		}
		if r.IsInt() {
			b = protowire.AppendTag(b, fieldValueInteger, protowire.BytesType)
			return protowire.AppendString(b, r.Num().String()), nil
		}
		b = protowire.AppendTag(b, fieldValueDecimal, protowire.BytesType)
		return protowire.AppendString(b, r.RatString()), nil
	case string:
		b = protowire.AppendTag(b, fieldValueString, protowire.BytesType)
		return protowire.AppendString(b, v), nil
	case []any:
		var list []byte
		for _, elem := range v {
			enc, err := appendValue(nil, elem)
			if err != nil {
				return nil, err
			}
			list = protowire.AppendTag(list, fieldElement, protowire.BytesType)
			list = protowire.AppendBytes(list, enc)
		}
		b = protowire.AppendTag(b, fieldValueList, protowire.BytesType)
		return protowire.AppendBytes(b, list), nil
	case map[string]any:
		var obj []byte
		for _, k := range slices.Sorted(maps.Keys(v)) {
			enc, err := appendValue(nil, v[k])
			if err != nil {
				return nil, err
			}
			var entry []byte
			entry = protowire.AppendTag(entry, fieldEntryKey, protowire.BytesType)
			entry = protowire.AppendString(entry, k)
			entry = protowire.AppendTag(entry, fieldEntryVal, protowire.BytesType)
			entry = protowire.AppendBytes(entry, enc)
			obj = protowire.AppendTag(obj, fieldElement, protowire.BytesType)
			obj = protowire.AppendBytes(obj, entry)
		}
		b = protowire.AppendTag(b, fieldValueObject, protowire.BytesType)
		return protowire.AppendBytes(b, obj), nil
	default:
		return nil, fmt.Errorf("unsupported structured type %T", v)
	}
}

// parseNumber reads a JSON number as an exact rational.
func parseNumber(n json.Number) (*big.Rat, error) {
	s := n.String()
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		exp, err := strconv.Atoi(s[i+1:])
		if err != nil || exp > maxExponent || exp < -maxExponent {
			return nil, fmt.Errorf("number %q exponent out of range", s)
		}
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return r, nil
}

// decodeValue rebuilds a structured value. Integers come back as int64 and
// other numbers as float64 when its shortest form reads back as the same
// decimal; anything else comes back as an exact json.Number.
func decodeValue(b []byte) (any, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]

	var (
		v   any
		err error
	)
	switch {
	case num == fieldValueNull && typ == protowire.VarintType:
		_, n = protowire.ConsumeVarint(b)
	case num == fieldValueBool && typ == protowire.VarintType:
		var x uint64
		x, n = protowire.ConsumeVarint(b)
		v = protowire.DecodeBool(x)
	case typ == protowire.BytesType:
		var payload []byte
		payload, n = protowire.ConsumeBytes(b)
		if n < 0 {
			break
		}
		v, err = decodeBytesValue(num, payload)
	default:
		return nil, fmt.Errorf("unexpected structured field %d", num)
	}
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	if err != nil {
		return nil, err
	}
	if len(b[n:]) != 0 {
		return nil, errTrailingData
	}
	return v, nil
}

func decodeBytesValue(num protowire.Number, payload []byte) (any, error) {
	switch num {
	case fieldValueInteger:
		i, ok := new(big.Int).SetString(string(payload), 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", payload)
		}
		if i.IsInt64() {
			return i.Int64(), nil
		}
		return json.Number(i.String()), nil
	case fieldValueDecimal:
		r, ok := new(big.Rat).SetString(string(payload))
		if !ok {
			return nil, fmt.Errorf("invalid decimal %q", payload)
		}
		if f, _ := r.Float64(); sameDecimal(f, r) {
			return f, nil
		}
		return json.Number(r.FloatString(decimalPlaces(r.Denom()))), nil
	case fieldValueString:
		return string(payload), nil
	case fieldValueList:
		list := []any{}
		err := eachElement(payload, func(elem []byte) error {
			v, err := decodeValue(elem)
			if err != nil {
				return err
			}
			list = append(list, v)
			return nil
		})
		return list, err
	case fieldValueObject:
		obj := map[string]any{}
		err := eachElement(payload, func(entry []byte) error {
			k, v, err := decodeEntry(entry)
			if err != nil {
				return err
			}
			obj[k] = v
			return nil
		})
		return obj, err
	default:
		return nil, fmt.Errorf("unexpected structured field %d", num)
	}
}

func eachElement(b []byte, fn func([]byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		if num != fieldElement || typ != protowire.BytesType {
			return fmt.Errorf("unexpected element field %d", num)
		}
		b = b[n:]
		elem, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		if err := fn(elem); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func decodeEntry(b []byte) (string, any, error) {
	var (
		key string
		val any
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return "", nil, errors.New("malformed object entry")
		}
		b = b[n:]
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldEntryKey:
			key = string(payload)
		case fieldEntryVal:
			v, err := decodeValue(payload)
			if err != nil {
				return "", nil, err
			}
			val = v
		default:
			return "", nil, fmt.Errorf("unexpected entry field %d", num)
		}
	}
	return key, val, nil
}

func sameDecimal(f float64, r *big.Rat) bool {
	back, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	return ok && back.Cmp(r) == 0
}

// decimalPlaces returns the digits after the point needed to print a
// rational whose denominator is d exactly. JSON numbers are finite decimals,
// so d only has factors of 2 and 5.
func decimalPlaces(d *big.Int) int {
	d = new(big.Int).Set(d)
	var twos, fives int
	two, five := big.NewInt(2), big.NewInt(5)
	rem := new(big.Int)
	for {
		q, r := new(big.Int).QuoRem(d, two, rem)
		if r.Sign() != 0 {
			break
		}
		d, twos = q, twos+1
	}
	for {
		q, r := new(big.Int).QuoRem(d, five, rem)
		if r.Sign() != 0 {
			break
		}
		d, fives = q, fives+1
	}
	return max(twos, fives)
}
