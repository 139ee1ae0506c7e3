package vlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// marshalOrdered writes fields as a JSON object with keys sorted
// lexically, so identical log calls always produce byte-identical lines
// (map iteration order in Go is randomized, which would otherwise make
// logs annoying to diff/grep across runs).
func marshalOrdered(b *strings.Builder, fields map[string]interface{}) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i != 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		b.Write(kb)
		b.WriteByte(':')

		vb, err := marshalValue(fields[k])
		if err != nil {
			return err
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return nil
}

// LogFormatter lets a value control its own textual representation in log
// output without implementing json.Marshaler (which would also affect its
// wire/disk encoding).
type LogFormatter interface {
	FormatLog() string
}

func marshalValue(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case LogFormatter:
		return json.Marshal(x.FormatLog())
	case error:
		return json.Marshal(x.Error())
	case fmt.Stringer:
		return json.Marshal(x.String())
	case time.Time:
		return json.Marshal(x.Format(time.RFC3339Nano))
	case time.Duration:
		return json.Marshal(x.String())
	default:
		return json.Marshal(v)
	}
}
