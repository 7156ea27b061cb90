package grade

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/iurnickita/loyaltymart/internal/grade/config"
)

// Формат файла:
//
//	tiers:
//	  - level: GREEN
//	    min_lifetime_amount: 0
//	    earn_rate: "0.02"
type tiersFile struct {
	Tiers []struct {
		Level             string `yaml:"level"`
		MinLifetimeAmount int64  `yaml:"min_lifetime_amount"`
		EarnRate          string `yaml:"earn_rate"`
	} `yaml:"tiers"`
}

// Load загружает таблицу грейдов. Выполняется один раз при старте.
func Load(cfg config.Config) (*Table, error) {
	if cfg.TiersFile == "" {
		return NewTable(DefaultTiers())
	}
	data, err := os.ReadFile(cfg.TiersFile)
	if err != nil {
		return nil, fmt.Errorf("reading grade table %s: %w", cfg.TiersFile, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Table, error) {
	var f tiersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing grade table: %w", err)
	}

	tiers := make([]Tier, 0, len(f.Tiers))
	for _, t := range f.Tiers {
		rate, err := decimal.NewFromString(t.EarnRate)
		if err != nil {
			return nil, fmt.Errorf("%w: tier %q earn rate %q: %v", ErrInvalidTable, t.Level, t.EarnRate, err)
		}
		tiers = append(tiers, Tier{
			Level:             t.Level,
			MinLifetimeAmount: t.MinLifetimeAmount,
			EarnRate:          rate,
		})
	}
	return NewTable(tiers)
}
