// Package grade определяет грейд покупателя по сумме оплаченных покупок.
//
// Таблица грейдов неизменяема: она проверяется один раз при загрузке и
// дальше только читается, поэтому безопасна для конкурентного использования.
package grade

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Tier - ступень программы лояльности.
type Tier struct {
	Level             string
	MinLifetimeAmount int64
	EarnRate          decimal.Decimal
}

// NextTier - следующая ступень и сколько до нее осталось.
type NextTier struct {
	Level        string
	AmountNeeded int64
	OK           bool // false - покупатель уже на последней ступени
}

var ErrInvalidTable = errors.New("invalid grade table")

type Table struct {
	tiers []Tier // по возрастанию MinLifetimeAmount
}

// DefaultTiers возвращает таблицу, которая используется без файла настроек.
func DefaultTiers() []Tier {
	return []Tier{
		{Level: "GREEN", MinLifetimeAmount: 0, EarnRate: decimal.RequireFromString("0.02")},
		{Level: "ORANGE", MinLifetimeAmount: 100000, EarnRate: decimal.RequireFromString("0.03")},
		{Level: "RED", MinLifetimeAmount: 300000, EarnRate: decimal.RequireFromString("0.04")},
		{Level: "BLACK", MinLifetimeAmount: 1000000, EarnRate: decimal.RequireFromString("0.05")},
	}
}

func NewDefaultTable() *Table {
	table, err := NewTable(DefaultTiers())
	if err != nil {
		panic(err)
	}
	return table
}

// NewTable сортирует и проверяет ступени.
func NewTable(tiers []Tier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidTable)
	}

	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinLifetimeAmount < sorted[j].MinLifetimeAmount
	})

	if sorted[0].MinLifetimeAmount != 0 {
		return nil, fmt.Errorf("%w: lowest tier %q must start at 0", ErrInvalidTable, sorted[0].Level)
	}
	levels := make(map[string]struct{}, len(sorted))
	for i, tier := range sorted {
		if tier.Level == "" {
			return nil, fmt.Errorf("%w: tier #%d has no level", ErrInvalidTable, i)
		}
		if _, ok := levels[tier.Level]; ok {
			return nil, fmt.Errorf("%w: duplicate level %q", ErrInvalidTable, tier.Level)
		}
		levels[tier.Level] = struct{}{}
		if tier.EarnRate.IsNegative() {
			return nil, fmt.Errorf("%w: tier %q has negative earn rate", ErrInvalidTable, tier.Level)
		}
		// пороги строго возрастают: два грейда с одним порогом недопустимы
		if i > 0 && tier.MinLifetimeAmount <= sorted[i-1].MinLifetimeAmount {
			return nil, fmt.Errorf("%w: tiers %q and %q share threshold %d",
				ErrInvalidTable, sorted[i-1].Level, tier.Level, tier.MinLifetimeAmount)
		}
	}

	return &Table{tiers: sorted}, nil
}

// Tiers возвращает копию ступеней по возрастанию порога.
func (t *Table) Tiers() []Tier {
	tiers := make([]Tier, len(t.tiers))
	copy(tiers, t.tiers)
	return tiers
}

// Floor - начальная ступень, ее получает новый покупатель.
func (t *Table) Floor() Tier {
	return t.tiers[0]
}

// Resolve возвращает ступень с наибольшим порогом, не превышающим lifetime.
// Отрицательная сумма дает начальную ступень.
func (t *Table) Resolve(lifetime int64) Tier {
	return t.tiers[t.index(lifetime)]
}

func (t *Table) index(lifetime int64) int {
	// первая ступень с порогом больше lifetime
	i := sort.Search(len(t.tiers), func(i int) bool {
		return t.tiers[i].MinLifetimeAmount > lifetime
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

func (t *Table) EarnRate(level string) (decimal.Decimal, bool) {
	for _, tier := range t.tiers {
		if tier.Level == level {
			return tier.EarnRate, true
		}
	}
	return decimal.Zero, false
}

// Next возвращает следующую ступень для суммы lifetime.
func (t *Table) Next(lifetime int64) NextTier {
	i := t.index(lifetime)
	if i == len(t.tiers)-1 {
		return NextTier{}
	}
	next := t.tiers[i+1]
	needed := next.MinLifetimeAmount - lifetime
	if needed < 0 {
		needed = 0
	}
	return NextTier{Level: next.Level, AmountNeeded: needed, OK: true}
}

// Earn считает начисление floor(max(0, amount) * rate) по ставке ступени.
func (t Tier) Earn(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(t.EarnRate).Floor().IntPart()
}
