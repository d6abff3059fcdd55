package log

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/reglet-dev/framecall/abipb"
)

// appendAttr flattens a into dst, qualifying keys of nested groups with dots.
func appendAttr(dst []abipb.Attr, prefix string, a slog.Attr) []abipb.Attr {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if len(group) == 0 {
			return dst
		}
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range group {
			dst = appendAttr(dst, p, ga)
		}
		return dst
	}
	return append(dst, abipb.Attr{Key: prefix + a.Key, Value: valueString(a.Value)})
}

func valueString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	}

	x := v.Any()
	if x == nil {
		return "<nil>"
	}
	if err, ok := x.(error); ok {
		return err.Error()
	}
	if data, err := json.Marshal(x); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", x)
}
