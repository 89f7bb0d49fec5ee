package report

import (
	"context"
	"strings"
	"testing"
	"time"

	"tradebook/api/internal/store"
)

type fakeDataStore struct {
	stocks  []store.StockTrade
	options []store.OptionTrade
}

func (f *fakeDataStore) ListStockTrades(_ context.Context, _ string) ([]store.StockTrade, error) {
	return f.stocks, nil
}

func (f *fakeDataStore) ListOptionTrades(_ context.Context, _ string) ([]store.OptionTrade, error) {
	return f.options, nil
}

func fp(v float64) *float64 { return &v }

func tp(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestStockGrossPnL(t *testing.T) {
	long := store.StockTrade{Side: "LONG", Quantity: 100, EntryPrice: 10, ExitPrice: fp(12)}
	if got := StockGrossPnL(long); got != 200 {
		t.Fatalf("long pnl = %v, want 200", got)
	}
	short := store.StockTrade{Side: "SHORT", Quantity: 50, EntryPrice: 20, ExitPrice: fp(18)}
	if got := StockGrossPnL(short); got != 100 {
		t.Fatalf("short pnl = %v, want 100", got)
	}
	open := store.StockTrade{Side: "LONG", Quantity: 100, EntryPrice: 10}
	if got := StockGrossPnL(open); got != 0 {
		t.Fatalf("open trade pnl = %v, want 0", got)
	}
}

func TestOptionGrossPnL(t *testing.T) {
	long := store.OptionTrade{Side: "LONG", Contracts: 2, EntryPremium: 1.5, ExitPremium: fp(2.5)}
	if got := OptionGrossPnL(long); got != 200 {
		t.Fatalf("long option pnl = %v, want 200", got)
	}
	short := store.OptionTrade{Side: "SHORT", Contracts: 1, EntryPremium: 3, ExitPremium: fp(1)}
	if got := OptionGrossPnL(short); got != 200 {
		t.Fatalf("short option pnl = %v, want 200", got)
	}
}

func TestBuildTemplateDataFiltersToMonth(t *testing.T) {
	stocks := []store.StockTrade{
		{Symbol: "AAPL", Side: "LONG", Quantity: 10, EntryPrice: 100, ExitPrice: fp(110), Fees: 2, ExitAt: tp("2026-01-15T15:30:00Z")},
		{Symbol: "MSFT", Side: "LONG", Quantity: 10, EntryPrice: 300, ExitPrice: fp(290), Fees: 2, ExitAt: tp("2026-01-20T15:30:00Z")},
		{Symbol: "TSLA", Side: "LONG", Quantity: 5, EntryPrice: 200, ExitPrice: fp(220), Fees: 1, ExitAt: tp("2026-02-01T15:30:00Z")},
		{Symbol: "NVDA", Side: "LONG", Quantity: 5, EntryPrice: 500}, // still open
	}
	start, _ := time.Parse("2006-01", "2026-01")
	end := start.AddDate(0, 1, 0)

	data := buildTemplateData(Request{Month: "2026-01", TraderName: "Avery"}, start, end, stocks, nil)

	if data.ClosedTrades != 2 {
		t.Fatalf("closed trades = %d, want 2", data.ClosedTrades)
	}
	if data.Wins != 1 || data.Losses != 1 {
		t.Fatalf("wins/losses = %d/%d, want 1/1", data.Wins, data.Losses)
	}
	if data.WinRate != 0.5 {
		t.Fatalf("win rate = %v, want 0.5", data.WinRate)
	}
	// AAPL: +100 gross -2 fees; MSFT: -100 gross -2 fees
	if data.NetPnL != -4 {
		t.Fatalf("net pnl = %v, want -4", data.NetPnL)
	}
	if len(data.Days) != 2 {
		t.Fatalf("days = %d, want 2", len(data.Days))
	}
	if data.Days[0].Day != "2026-01-15" || data.Days[1].Day != "2026-01-20" {
		t.Fatalf("days out of order: %+v", data.Days)
	}
}

func TestBuildTemplateDataBreakEvenTrade(t *testing.T) {
	// +20 gross, 20 fees: net 0 is neither a win nor a loss.
	stocks := []store.StockTrade{
		{Symbol: "AAPL", Side: "LONG", Quantity: 10, EntryPrice: 100, ExitPrice: fp(102), Fees: 20, ExitAt: tp("2026-01-15T15:30:00Z")},
	}
	start, _ := time.Parse("2006-01", "2026-01")
	end := start.AddDate(0, 1, 0)

	data := buildTemplateData(Request{Month: "2026-01"}, start, end, stocks, nil)

	if data.ClosedTrades != 1 {
		t.Fatalf("closed trades = %d, want 1", data.ClosedTrades)
	}
	if data.Wins != 0 || data.Losses != 0 {
		t.Fatalf("wins/losses = %d/%d, want 0/0", data.Wins, data.Losses)
	}
	if data.NetPnL != 0 {
		t.Fatalf("net pnl = %v, want 0", data.NetPnL)
	}
}

func TestGenerateHTMLReport(t *testing.T) {
	ds := &fakeDataStore{
		stocks: []store.StockTrade{
			{Symbol: "AAPL", Side: "LONG", Quantity: 10, EntryPrice: 100, ExitPrice: fp(110), Fees: 2, ExitAt: tp("2026-01-15T15:30:00Z")},
		},
		options: []store.OptionTrade{
			{Symbol: "SPY", ContractType: "PUT", Strike: 450, Expiration: "2026-02-20", Side: "LONG", Contracts: 1, EntryPremium: 2, ExitPremium: fp(3), Fees: 1.3, ExitAt: tp("2026-01-16T18:00:00Z")},
		},
	}
	svc := NewService(ds)

	res, err := svc.Generate(context.Background(), Request{
		SpaceID: "sp_1", Month: "2026-01", Format: FormatHTML, TraderName: "Avery",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.MimeType != "text/html; charset=utf-8" {
		t.Fatalf("mime type = %q", res.MimeType)
	}
	html := string(res.Data)
	for _, want := range []string{"AAPL", "SPY", "January 2026", "Avery"} {
		if !strings.Contains(html, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if !strings.HasSuffix(res.Filename, ".html") {
		t.Fatalf("filename = %q", res.Filename)
	}
}

func TestGenerateRejectsBadMonth(t *testing.T) {
	svc := NewService(&fakeDataStore{})
	if _, err := svc.Generate(context.Background(), Request{Month: "January"}); err != ErrInvalidMonth {
		t.Fatalf("expected ErrInvalidMonth, got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename("Trading Report 2026-01"); got != "Trading-Report-2026-01" {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeFilename("///"); got != "report" {
		t.Fatalf("got %q", got)
	}
}
