package sqlrunner

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// jsonValue converts a value decoded by pgx into one that encodes naturally
// as JSON.
func jsonValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case pgtype.Numeric:
		if !x.Valid || x.NaN {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case *big.Int:
		f, _ := new(big.Float).SetInt(x).Float64()
		return f
	case time.Time:
		return x.Format(time.RFC3339)
	case [16]byte:
		return uuid.UUID(x).String()
	case []byte:
		return string(x)
	case pgtype.Interval:
		if !x.Valid {
			return nil
		}
		d := time.Duration(x.Microseconds) * time.Microsecond
		if x.Days == 0 && x.Months == 0 {
			return d.String()
		}
		return fmt.Sprintf("%d mons %d days %s", x.Months, x.Days, d)
	case pgtype.Time:
		if !x.Valid {
			return nil
		}
		d := time.Duration(x.Microseconds) * time.Microsecond
		return time.Time{}.Add(d).Format("15:04:05")
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = jsonValue(x[i])
		}
		return out
	case map[string]any:
		return x
	default:
		return v
	}
}
