package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evetabi/yesno/internal/catalog"
	"github.com/evetabi/yesno/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[[market]]
slug            = "btc-75k-friday"
asset           = "btc"
question        = "Will BTC be above $75,000 on Friday at 12:00 UTC?"
target_price    = "75000"
settlement_time = 2026-03-06T12:00:00Z
seed_yes        = "1240"
seed_no         = "760"

[[market]]
id              = "7f1c2a56-1f35-4c8e-9a51-1a7e3b8f0c11"
slug            = "shib-penny"
asset           = "SHIB"
settlement_time = 2026-04-01T00:00:00Z
`

func TestDecode(t *testing.T) {
	defs, err := catalog.Decode(sample)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	btc := defs[0]
	assert.Equal(t, domain.AssetBTC, btc.Asset)
	assert.True(t, btc.SeedYes.Equal(decimal.NewFromInt(1240)))
	assert.True(t, btc.SeedNo.Equal(decimal.NewFromInt(760)))
	assert.True(t, btc.TargetPrice.Equal(decimal.NewFromInt(75000)))
	assert.Equal(t, time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC), btc.SettlementTime)
	assert.Equal(t, btc.StableID(), btc.ID, "id derived from slug")

	shib := defs[1]
	assert.Equal(t, uuid.MustParse("7f1c2a56-1f35-4c8e-9a51-1a7e3b8f0c11"), shib.ID)
	assert.True(t, shib.SeedYes.IsZero())
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown asset": `[[market]]
slug = "xrp"
asset = "XRP"
settlement_time = 2026-03-06T12:00:00Z`,
		"unknown key": `[[market]]
slug = "btc"
asset = "BTC"
settlement_time = 2026-03-06T12:00:00Z
odds = "2.0"`,
		"bad amount": `[[market]]
slug = "btc"
asset = "BTC"
settlement_time = 2026-03-06T12:00:00Z
seed_yes = "lots"`,
		"negative seed": `[[market]]
slug = "btc"
asset = "BTC"
settlement_time = 2026-03-06T12:00:00Z
seed_no = "-1"`,
		"missing settlement": `[[market]]
slug = "btc"
asset = "BTC"`,
		"duplicate slug": `[[market]]
slug = "btc"
asset = "BTC"
settlement_time = 2026-03-06T12:00:00Z
[[market]]
slug = "BTC"
asset = "BTC"
settlement_time = 2026-03-07T12:00:00Z`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := catalog.Decode(doc)
			assert.Error(t, err)
		})
	}

	_, err := catalog.Decode(cases["duplicate slug"])
	assert.ErrorIs(t, err, domain.ErrDuplicateMarket)
	_, err = catalog.Decode(cases["unknown asset"])
	assert.ErrorIs(t, err, domain.ErrUnknownAsset)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	defs, err := catalog.File{Path: path}.Markets(context.Background())
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	_, err = catalog.File{Path: filepath.Join(t.TempDir(), "missing.toml")}.Markets(context.Background())
	assert.Error(t, err)
}

func TestFile_ShippedCatalog(t *testing.T) {
	defs, err := catalog.File{Path: "../../configs/catalog.toml"}.Markets(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, defs)
}

func TestDemo(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC) // Monday
	defs, err := catalog.Demo(now).Markets(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)

	d := defs[0]
	assert.Equal(t, time.Friday, d.SettlementTime.Weekday())
	assert.Equal(t, 12, d.SettlementTime.Hour())
	assert.GreaterOrEqual(t, d.SettlementTime.Sub(now), 96*time.Hour)
	assert.True(t, d.SeedYes.Equal(decimal.NewFromInt(1240)))
	assert.True(t, d.SeedNo.Equal(decimal.NewFromInt(760)))
}
