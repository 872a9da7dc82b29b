// Package money implements the daemon's validated, decimal-backed value
// primitives. Every monetary or quantity value in the system flows through
// one of these constructors; none of them ever touch a binary float.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPrice                 = errors.New("invalid price")
	ErrInvalidQuantity              = errors.New("invalid quantity")
	ErrInvalidSymbol                = errors.New("invalid symbol")
	ErrInvalidTechnicalStopDistance = errors.New("invalid technical stop distance")
	ErrInvalidRiskConfig            = errors.New("invalid risk config")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

// Price is a strictly positive, arbitrary-precision decimal quote.
type Price struct{ d decimal.Decimal }

// NewPrice validates and constructs a Price. Price must be strictly positive.
func NewPrice(d decimal.Decimal) (Price, error) {
	if d.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: %s must be > 0", ErrInvalidPrice, d.String())
	}
	return Price{d: d}, nil
}

// MustPrice panics on invalid input; reserved for tests and literals known
// to be valid at compile time.
func MustPrice(d decimal.Decimal) Price {
	p, err := NewPrice(d)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Price) Decimal() decimal.Decimal { return p.d }
func (p Price) String() string           { return p.d.String() }
func (p Price) IsZero() bool             { return p.d.IsZero() }

func (p Price) Add(o Price) Price      { return Price{d: p.d.Add(o.d)} }
func (p Price) Sub(o Price) Price      { return Price{d: p.d.Sub(o.d)} }
func (p Price) GreaterThan(o Price) bool { return p.d.GreaterThan(o.d) }
func (p Price) LessThan(o Price) bool    { return p.d.LessThan(o.d) }
func (p Price) GTE(o Price) bool         { return p.d.GreaterThanOrEqual(o.d) }
func (p Price) LTE(o Price) bool         { return p.d.LessThanOrEqual(o.d) }
func (p Price) Equal(o Price) bool       { return p.d.Equal(o.d) }

// SubDistance returns price - dist as a Price (used to derive a candidate
// trailing stop); the caller is responsible for ensuring the result is
// still strictly positive.
func (p Price) SubDistance(dist TechnicalStopDistance) (Price, error) {
	return NewPrice(p.d.Sub(dist.d))
}

// AddDistance returns price + dist as a Price.
func (p Price) AddDistance(dist TechnicalStopDistance) (Price, error) {
	return NewPrice(p.d.Add(dist.d))
}

// MarshalJSON renders a Price as its exact decimal string, never a binary
// float, so event payloads round-trip without precision loss.
func (p Price) MarshalJSON() ([]byte, error) { return json.Marshal(p.d.String()) }

func (p *Price) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	np, err := NewPrice(d)
	if err != nil {
		return err
	}
	*p = np
	return nil
}

// Quantity is a non-negative, arbitrary-precision decimal size.
type Quantity struct{ d decimal.Decimal }

func NewQuantity(d decimal.Decimal) (Quantity, error) {
	if d.Sign() < 0 {
		return Quantity{}, fmt.Errorf("%w: %s must be >= 0", ErrInvalidQuantity, d.String())
	}
	return Quantity{d: d}, nil
}

func MustQuantity(d decimal.Decimal) Quantity {
	q, err := NewQuantity(d)
	if err != nil {
		panic(err)
	}
	return q
}

func (q Quantity) Decimal() decimal.Decimal { return q.d }
func (q Quantity) String() string           { return q.d.String() }
func (q Quantity) IsZero() bool             { return q.d.IsZero() }
func (q Quantity) Add(o Quantity) Quantity  { return Quantity{d: q.d.Add(o.d)} }

func (q Quantity) MarshalJSON() ([]byte, error) { return json.Marshal(q.d.String()) }

func (q *Quantity) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuantity, err)
	}
	nq, err := NewQuantity(d)
	if err != nil {
		return err
	}
	*q = nq
	return nil
}

// Symbol is a canonical uppercase base/quote pair, e.g. "BTCUSDT".
type Symbol struct{ s string }

func NewSymbol(raw string) (Symbol, error) {
	up := toUpper(raw)
	if !symbolPattern.MatchString(up) {
		return Symbol{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return Symbol{s: up}, nil
}

func MustSymbol(raw string) Symbol {
	s, err := NewSymbol(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Symbol) String() string { return s.s }

func (s Symbol) MarshalJSON() ([]byte, error) { return json.Marshal(s.s) }

func (s *Symbol) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	sym, err := NewSymbol(raw)
	if err != nil {
		return err
	}
	*s = sym
	return nil
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// Side controls ordering polarity for trailing-stop math and exit comparison.
type Side int

const (
	SideUnspecified Side = iota
	Long
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unspecified"
	}
}

func (s Side) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Side) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	side, err := ParseSide(raw)
	if err != nil {
		return err
	}
	*s = side
	return nil
}

func ParseSide(raw string) (Side, error) {
	switch toUpper(raw) {
	case "LONG":
		return Long, nil
	case "SHORT":
		return Short, nil
	default:
		return SideUnspecified, fmt.Errorf("invalid side: %q", raw)
	}
}

// TechnicalStopDistance is a market-structure-derived absolute distance in
// quote currency, plus its percentage of the entry price at the time it was
// derived. It anchors all trailing-stop math.
type TechnicalStopDistance struct {
	d   decimal.Decimal
	pct decimal.Decimal
}

// NewTechnicalStopDistance validates a non-zero distance and derives its
// percentage of entryPrice.
func NewTechnicalStopDistance(d decimal.Decimal, entryPrice Price) (TechnicalStopDistance, error) {
	if d.Sign() <= 0 {
		return TechnicalStopDistance{}, fmt.Errorf("%w: distance must be > 0, got %s", ErrInvalidTechnicalStopDistance, d.String())
	}
	pct := d.Div(entryPrice.d)
	return TechnicalStopDistance{d: d, pct: pct}, nil
}

func (t TechnicalStopDistance) Decimal() decimal.Decimal { return t.d }
func (t TechnicalStopDistance) Percent() decimal.Decimal { return t.pct }
func (t TechnicalStopDistance) IsZero() bool             { return t.d.IsZero() }
func (t TechnicalStopDistance) String() string           { return t.d.String() }

type technicalStopDistanceJSON struct {
	Distance string `json:"distance"`
	Percent  string `json:"percent"`
}

func (t TechnicalStopDistance) MarshalJSON() ([]byte, error) {
	return json.Marshal(technicalStopDistanceJSON{Distance: t.d.String(), Percent: t.pct.String()})
}

func (t *TechnicalStopDistance) UnmarshalJSON(b []byte) error {
	var raw technicalStopDistanceJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d, err := decimal.NewFromString(raw.Distance)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTechnicalStopDistance, err)
	}
	pct, err := decimal.NewFromString(raw.Percent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTechnicalStopDistance, err)
	}
	if d.Sign() <= 0 {
		return fmt.Errorf("%w: distance must be > 0, got %s", ErrInvalidTechnicalStopDistance, d.String())
	}
	*t = TechnicalStopDistance{d: d, pct: pct}
	return nil
}

// RiskConfig holds per-strategy risk parameters. All fields are validated at
// construction.
type RiskConfig struct {
	MaxExposure     Quantity
	DailyLossLimit  Quantity
	RiskPerTradePct decimal.Decimal
}

func NewRiskConfig(maxExposure, dailyLossLimit Quantity, riskPerTradePct decimal.Decimal) (RiskConfig, error) {
	if riskPerTradePct.Sign() <= 0 || riskPerTradePct.GreaterThan(decimal.NewFromInt(1)) {
		return RiskConfig{}, fmt.Errorf("%w: risk_per_trade_pct must be in (0, 1], got %s", ErrInvalidRiskConfig, riskPerTradePct.String())
	}
	return RiskConfig{
		MaxExposure:     maxExposure,
		DailyLossLimit:  dailyLossLimit,
		RiskPerTradePct: riskPerTradePct,
	}, nil
}
