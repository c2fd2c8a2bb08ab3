package archive

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestObjectKey(t *testing.T) {
	snap := &ledger.Snapshot{Seq: 42, TakenAt: time.Date(2026, 3, 6, 12, 30, 5, 0, time.UTC)}
	want := "snapshots/2026/03/06/snapshot-20260306T123005Z-00000000000000000042.json.gz"
	if got := ObjectKey("snapshots/", snap); got != want {
		t.Errorf("ObjectKey = %q, want %q", got, want)
	}

	later := &ledger.Snapshot{Seq: 7, TakenAt: snap.TakenAt.Add(time.Hour)}
	if ObjectKey("", later) <= ObjectKey("", snap) {
		t.Error("later snapshot must sort after earlier one")
	}
}

func TestEncodeDecode(t *testing.T) {
	id := uuid.New()
	snap := &ledger.Snapshot{
		Seq:     3,
		TakenAt: time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC),
		Markets: []ledger.MarketSnapshot{{
			Market: &domain.Market{ID: id, Asset: domain.AssetBTC, YesPool: decimal.RequireFromString("1243.5")},
		}},
		Accounts: []domain.Account{{ParticipantID: uuid.New(), Balance: decimal.RequireFromString("7.5")}},
	}
	body, err := Encode(snap)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Seq != 3 || got.Markets[0].Market.ID != id {
		t.Errorf("Decode = %+v", got)
	}
	if !got.Markets[0].Market.YesPool.Equal(decimal.RequireFromString("1243.5")) {
		t.Errorf("YesPool = %s", got.Markets[0].Market.YesPool)
	}
	if !got.Accounts[0].Balance.Equal(decimal.RequireFromString("7.5")) {
		t.Errorf("Balance = %s", got.Accounts[0].Balance)
	}

	if _, err := Decode(strings.NewReader("not gzip")); err == nil {
		t.Error("Decode accepted plain text")
	}
}
