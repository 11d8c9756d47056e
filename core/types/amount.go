package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Amount is a signed arbitrary precision token quantity. Arithmetic and
// ParseAmount keep the sign, so callers that need a balance check Sign() < 0
// before persisting. Uint256 and Bytes32 reject negative values. The zero
// value represents 0.
type Amount struct {
	v *big.Int
}

// NewAmount wraps an int64 value.
func NewAmount(v int64) Amount {
	return Amount{v: big.NewInt(v)}
}

// AmountFromUint64 wraps an unsigned value.
func AmountFromUint64(v uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(v)}
}

// AmountFromBig copies the supplied integer. A nil input yields zero.
func AmountFromBig(v *big.Int) Amount {
	if v == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(v)}
}

// ParseAmount decodes a signed base-10 integer string. Blank input is zero.
func ParseAmount(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Amount{}, nil
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return Amount{}, fmt.Errorf("amount: invalid integer %q", raw)
	}
	return Amount{v: parsed}, nil
}

// MustAmount parses raw and panics on failure. Intended for constants and tests.
func MustAmount(raw string) Amount {
	a, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) int() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int { return new(big.Int).Set(a.int()) }

func (a Amount) Add(b Amount) Amount { return Amount{v: new(big.Int).Add(a.int(), b.int())} }

// Sub returns a-b, which is negative when b exceeds a.
func (a Amount) Sub(b Amount) Amount { return Amount{v: new(big.Int).Sub(a.int(), b.int())} }
func (a Amount) Mul(b Amount) Amount { return Amount{v: new(big.Int).Mul(a.int(), b.int())} }

// Quo performs floor division for non-negative operands. Division by zero
// returns zero.
func (a Amount) Quo(b Amount) Amount {
	if b.IsZero() {
		return Amount{}
	}
	return Amount{v: new(big.Int).Quo(a.int(), b.int())}
}

// CeilQuo performs ceiling division for non-negative operands.
func (a Amount) CeilQuo(b Amount) Amount {
	if b.IsZero() {
		return Amount{}
	}
	q, r := new(big.Int).QuoRem(a.int(), b.int(), new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return Amount{v: q}
}

func (a Amount) Cmp(b Amount) int { return a.int().Cmp(b.int()) }
func (a Amount) Sign() int { return a.int().Sign() }
func (a Amount) IsZero() bool { return a.int().Sign() == 0 }
func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }
func (a Amount) String() string { return a.int().String() }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Uint256 converts the amount into a 256-bit word suitable for ABI packing.
func (a Amount) Uint256() (*uint256.Int, error) {
	if a.Sign() < 0 {
		return nil, fmt.Errorf("amount: negative value %s", a.String())
	}
	word, overflow := uint256.FromBig(a.int())
	if overflow {
		return nil, fmt.Errorf("amount: %s overflows uint256", a.String())
	}
	return word, nil
}

// Bytes32 returns the big-endian 32-byte encoding used in packed checksums.
func (a Amount) Bytes32() ([32]byte, error) {
	word, err := a.Uint256()
	if err != nil {
		return [32]byte{}, err
	}
	return word.Bytes32(), nil
}

// Value implements driver.Valuer.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		a.v = new(big.Int)
		return nil
	case int64:
		a.v = big.NewInt(v)
		return nil
	case string:
		parsed, err := ParseAmount(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := ParseAmount(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	default:
		return fmt.Errorf("amount: unsupported scan type %T", src)
	}
}

// GormDBDataType keeps full precision on every dialect: sqlite numeric
// affinity would silently coerce large values to REAL.
func (Amount) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db != nil && db.Dialector != nil && db.Dialector.Name() == "postgres" {
		return "numeric(78,0)"
	}
	return "text"
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts decimal strings or bare JSON numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		raw = string(data)
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds all supplied amounts.
func Sum(values ...Amount) Amount {
	total := new(big.Int)
	for _, v := range values {
		total.Add(total, v.int())
	}
	return Amount{v: total}
}

// NullAmount is an Amount that may be absent, persisted as NULL.
type NullAmount struct {
	Amount Amount
	Valid  bool
}

// SomeAmount wraps a present value.
func SomeAmount(a Amount) NullAmount {
	return NullAmount{Amount: a, Valid: true}
}

// Value implements driver.Valuer.
func (n NullAmount) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Amount.Value()
}

// Scan implements sql.Scanner.
func (n *NullAmount) Scan(src interface{}) error {
	if src == nil {
		*n = NullAmount{}
		return nil
	}
	if err := n.Amount.Scan(src); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// GormDBDataType mirrors Amount.
func (NullAmount) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return Amount{}.GormDBDataType(db, field)
}
