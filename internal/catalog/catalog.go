// Package catalog supplies market definitions to the ledger: from a TOML
// file, a fixed list, or (in package repository) a Postgres table.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/evetabi/yesno/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source lists the markets that should exist. Definitions are validated by
// the source, so an unknown asset never reaches the ledger.
type Source interface {
	Markets(ctx context.Context) ([]domain.MarketDefinition, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Static
// ──────────────────────────────────────────────────────────────────────────────

// Static is a fixed in-memory catalog.
type Static []domain.MarketDefinition

// Markets validates and returns a copy of the list.
func (s Static) Markets(context.Context) ([]domain.MarketDefinition, error) {
	out := make([]domain.MarketDefinition, len(s))
	copy(out, s)
	if err := validateAll(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Demo is the single market shown by the product demo: BTC above 75,000 at
// the next Friday 12:00 UTC at least four days after now, seeded 1240/760.
func Demo(now time.Time) Static {
	return Static{{
		Slug:           "btc-75k-friday",
		Asset:          domain.AssetBTC,
		Question:       "Will BTC be above $75,000 on Friday at 12:00 UTC?",
		TargetPrice:    decimal.NewFromInt(75000),
		SettlementTime: nextFridayNoon(now.Add(96 * time.Hour)),
		SeedYes:        decimal.NewFromInt(1240),
		SeedNo:         decimal.NewFromInt(760),
	}}
}

func nextFridayNoon(from time.Time) time.Time {
	from = from.UTC()
	t := time.Date(from.Year(), from.Month(), from.Day(), 12, 0, 0, 0, time.UTC)
	for t.Weekday() != time.Friday || t.Before(from) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// ──────────────────────────────────────────────────────────────────────────────
// File
// ──────────────────────────────────────────────────────────────────────────────

// File reads definitions from a TOML document of [[market]] tables:
//
//	[[market]]
//	slug            = "btc-75k-friday"
//	asset           = "BTC"
//	question        = "Will BTC be above $75,000 on Friday at 12:00 UTC?"
//	target_price    = "75000"
//	settlement_time = 2026-03-06T12:00:00Z
//	seed_yes        = "1240"
//	seed_no         = "760"
//
// Amounts are strings so they keep their exact decimal value.
type File struct {
	Path string
}

type fileDoc struct {
	Market []fileEntry `toml:"market"`
}

type fileEntry struct {
	ID             string    `toml:"id"`
	Slug           string    `toml:"slug"`
	Asset          string    `toml:"asset"`
	Question       string    `toml:"question"`
	TargetPrice    string    `toml:"target_price"`
	SettlementTime time.Time `toml:"settlement_time"`
	SeedYes        string    `toml:"seed_yes"`
	SeedNo         string    `toml:"seed_no"`
}

// Markets decodes the file on every call so edits are picked up by the
// catalog refresh loop. Unknown keys are rejected.
func (f File) Markets(ctx context.Context) ([]domain.MarketDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc fileDoc
	md, err := toml.DecodeFile(f.Path, &doc)
	if err != nil {
		return nil, fmt.Errorf("catalog.File: decode %s: %w", f.Path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("catalog.File: %s: unknown keys %s", f.Path, strings.Join(keys, ", "))
	}
	return parse(doc.Market)
}

// Decode parses a TOML document held in memory.
func Decode(data string) ([]domain.MarketDefinition, error) {
	var doc fileDoc
	md, err := toml.Decode(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("catalog.Decode: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("catalog.Decode: unknown key %s", undecoded[0])
	}
	return parse(doc.Market)
}

// parse converts raw entries into validated definitions.
func parse(entries []fileEntry) ([]domain.MarketDefinition, error) {
	defs := make([]domain.MarketDefinition, 0, len(entries))
	var errs []error
	for i, e := range entries {
		def, err := e.definition()
		if err != nil {
			errs = append(errs, fmt.Errorf("market[%d]: %w", i, err))
			continue
		}
		defs = append(defs, def)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := validateAll(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (e fileEntry) definition() (domain.MarketDefinition, error) {
	asset, err := domain.ParseAsset(e.Asset)
	if err != nil {
		return domain.MarketDefinition{}, err
	}
	def := domain.MarketDefinition{
		Slug:           strings.TrimSpace(e.Slug),
		Asset:          asset,
		Question:       e.Question,
		SettlementTime: e.SettlementTime.UTC(),
	}
	if e.ID != "" {
		if def.ID, err = uuid.Parse(e.ID); err != nil {
			return def, fmt.Errorf("id: %w", err)
		}
	}
	if def.TargetPrice, err = optionalDecimal(e.TargetPrice); err != nil {
		return def, fmt.Errorf("target_price: %w", err)
	}
	if def.SeedYes, err = optionalDecimal(e.SeedYes); err != nil {
		return def, fmt.Errorf("seed_yes: %w", err)
	}
	if def.SeedNo, err = optionalDecimal(e.SeedNo); err != nil {
		return def, fmt.Errorf("seed_no: %w", err)
	}
	return def, nil
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

// validateAll validates every definition in place and rejects duplicate ids.
func validateAll(defs []domain.MarketDefinition) error {
	seen := make(map[uuid.UUID]string, len(defs))
	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			return err
		}
		if prev, dup := seen[defs[i].ID]; dup {
			return fmt.Errorf("%w: %q and %q share id %s", domain.ErrDuplicateMarket, prev, defs[i].Slug, defs[i].ID)
		}
		seen[defs[i].ID] = defs[i].Slug
	}
	return nil
}
