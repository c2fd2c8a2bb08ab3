package domain

import (
	"fmt"
	"strings"
)

// ──────────────────────────────────────────────────────────────────────────────
// Asset
// ──────────────────────────────────────────────────────────────────────────────

// Asset is the closed set of underlyings a market can reference.
type Asset string

const (
	AssetBTC  Asset = "BTC"
	AssetETH  Asset = "ETH"
	AssetSHIB Asset = "SHIB"
	AssetDOGE Asset = "DOGE"
)

// AssetInfo is the display metadata for an Asset.
type AssetInfo struct {
	Symbol Asset  `json:"symbol"`
	Label  string `json:"label"`
	Pair   string `json:"pair"`
}

// assetOrder fixes the listing order of supported assets.
var assetOrder = []AssetInfo{
	{Symbol: AssetBTC, Label: "Bitcoin", Pair: "BTC/USD"},
	{Symbol: AssetETH, Label: "Ethereum", Pair: "ETH/USD"},
	{Symbol: AssetSHIB, Label: "Shiba Inu", Pair: "SHIB/USD"},
	{Symbol: AssetDOGE, Label: "Dogecoin", Pair: "DOGE/USD"},
}

// Assets returns the supported assets in listing order.
func Assets() []AssetInfo {
	out := make([]AssetInfo, len(assetOrder))
	copy(out, assetOrder)
	return out
}

// IsValid returns true if a is one of the supported assets.
func (a Asset) IsValid() bool {
	_, ok := a.lookup()
	return ok
}

// Info returns the display metadata for a. Unknown assets yield a zero value.
func (a Asset) Info() AssetInfo {
	info, _ := a.lookup()
	return info
}

// Label returns the human name, e.g. "Bitcoin".
func (a Asset) Label() string { return a.Info().Label }

// Pair returns the quote pair, e.g. "BTC/USD".
func (a Asset) Pair() string { return a.Info().Pair }

func (a Asset) lookup() (AssetInfo, bool) {
	for _, info := range assetOrder {
		if info.Symbol == a {
			return info, true
		}
	}
	return AssetInfo{}, false
}

// ParseAsset normalises s and returns the matching Asset.
func ParseAsset(s string) (Asset, error) {
	a := Asset(strings.ToUpper(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAsset, s)
	}
	return a, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Side
// ──────────────────────────────────────────────────────────────────────────────

// Side is the binary outcome a participant stakes on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// IsValid returns true for YES and NO.
func (s Side) IsValid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// ParseSide accepts "yes"/"no" in any case.
func ParseSide(s string) (Side, error) {
	side := Side(strings.ToUpper(strings.TrimSpace(s)))
	if !side.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
	return side, nil
}
