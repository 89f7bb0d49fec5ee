package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tradebook/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	ListStockTrades(ctx context.Context, spaceID string) ([]store.StockTrade, error)
	ListOptionTrades(ctx context.Context, spaceID string) ([]store.OptionTrade, error)
}

// Service generates monthly performance reports
type Service struct {
	store DataStore
}

// NewService creates a new report service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Generate builds the monthly report in the requested format. Only trades
// closed within the month count; open positions are excluded.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	start, err := time.Parse("2006-01", req.Month)
	if err != nil {
		return nil, ErrInvalidMonth
	}
	end := start.AddDate(0, 1, 0)

	stocks, err := s.store.ListStockTrades(ctx, req.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("list stock trades: %w", err)
	}
	options, err := s.store.ListOptionTrades(ctx, req.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("list option trades: %w", err)
	}

	data := buildTemplateData(req, start, end, stocks, options)

	html, err := RenderHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(data.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF, "":
		return renderPDF(html, data.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func buildTemplateData(req Request, start, end time.Time, stocks []store.StockTrade, options []store.OptionTrade) TemplateData {
	data := TemplateData{
		Title:       "Trading Report " + req.Month,
		TraderName:  req.TraderName,
		MonthLabel:  start.Format("January 2006"),
		GeneratedAt: time.Now(),
	}

	byDay := make(map[string]*store.DailyStat)
	addDay := func(day string, gross, fees float64) {
		st, ok := byDay[day]
		if !ok {
			st = &store.DailyStat{Day: day}
			byDay[day] = st
		}
		st.Trades++
		st.GrossPnL += gross
		st.Fees += fees
		st.NetPnL += gross - fees
	}
	record := func(closedAt time.Time, gross, fees float64, row TradeRow) {
		net := gross - fees
		row.ClosedOn = closedAt.Format("2006-01-02")
		row.NetPnL = net
		data.Trades = append(data.Trades, row)
		data.GrossPnL += gross
		data.TotalFees += fees
		data.NetPnL += net
		data.ClosedTrades++
		// Break-even trades count as neither win nor loss, matching the
		// summary-stats aggregates.
		if net > 0 {
			data.Wins++
		} else if net < 0 {
			data.Losses++
		}
		addDay(row.ClosedOn, gross, fees)
	}

	for _, t := range stocks {
		if t.ExitAt == nil || t.ExitPrice == nil || t.ExitAt.Before(start) || !t.ExitAt.Before(end) {
			continue
		}
		record(*t.ExitAt, StockGrossPnL(t), t.Fees, TradeRow{
			Symbol: t.Symbol,
			Detail: "stock",
			Side:   t.Side,
			Size:   fmt.Sprintf("%g", t.Quantity),
		})
	}
	for _, t := range options {
		if t.ExitAt == nil || t.ExitPremium == nil || t.ExitAt.Before(start) || !t.ExitAt.Before(end) {
			continue
		}
		record(*t.ExitAt, OptionGrossPnL(t), t.Fees, TradeRow{
			Symbol: t.Symbol,
			Detail: fmt.Sprintf("%s %g exp %s", t.ContractType, t.Strike, t.Expiration),
			Side:   t.Side,
			Size:   fmt.Sprintf("%g", t.Contracts),
		})
	}

	if data.ClosedTrades > 0 {
		data.WinRate = float64(data.Wins) / float64(data.ClosedTrades)
	}

	sort.Slice(data.Trades, func(i, j int) bool {
		return data.Trades[i].ClosedOn < data.Trades[j].ClosedOn
	})
	for _, st := range byDay {
		data.Days = append(data.Days, *st)
	}
	sort.Slice(data.Days, func(i, j int) bool {
		return data.Days[i].Day < data.Days[j].Day
	})

	return data
}

// StockGrossPnL is the realized P&L of a closed stock trade before fees.
func StockGrossPnL(t store.StockTrade) float64 {
	if t.ExitPrice == nil {
		return 0
	}
	dir := 1.0
	if t.Side == "SHORT" {
		dir = -1.0
	}
	return (*t.ExitPrice - t.EntryPrice) * t.Quantity * dir
}

// OptionGrossPnL is the realized P&L of a closed option trade before fees.
// Premiums are per share; a contract covers 100 shares.
func OptionGrossPnL(t store.OptionTrade) float64 {
	if t.ExitPremium == nil {
		return 0
	}
	dir := 1.0
	if t.Side == "SHORT" {
		dir = -1.0
	}
	return (*t.ExitPremium - t.EntryPremium) * t.Contracts * 100 * dir
}
