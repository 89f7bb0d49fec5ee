package search

import "encoding/json"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultNote        ResultType = "note"
	ResultStockTrade  ResultType = "stockTrade"
	ResultOptionTrade ResultType = "optionTrade"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	SpaceID string     `json:"spaceId"`
	DateKey string     `json:"dateKey,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterSpaceID string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// NoteRecord is the data we index for a journal note.
type NoteRecord struct {
	ID      string `json:"id"`
	SpaceID string `json:"spaceId"`
	DateKey string `json:"dateKey"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

// StockTradeRecord is the data we index for a stock trade.
type StockTradeRecord struct {
	ID      string `json:"id"`
	SpaceID string `json:"spaceId"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Setup   string `json:"setup"`
	Notes   string `json:"notes"`
	DateKey string `json:"dateKey"`
}

// OptionTradeRecord is the data we index for an option trade.
type OptionTradeRecord struct {
	ID           string `json:"id"`
	SpaceID      string `json:"spaceId"`
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Side         string `json:"side"`
	Setup        string `json:"setup"`
	Notes        string `json:"notes"`
	DateKey      string `json:"dateKey"`
}

// FlattenBody extracts the plain text from a rich-text note body. The body is
// an opaque editor document; we only care about the string leaves.
func FlattenBody(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	out := make([]byte, 0, len(body))
	out = collectStrings(out, v)
	return string(out)
}

func collectStrings(out []byte, v any) []byte {
	switch t := v.(type) {
	case string:
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, t...)
	case []any:
		for _, e := range t {
			out = collectStrings(out, e)
		}
	case map[string]any:
		for _, e := range t {
			out = collectStrings(out, e)
		}
	}
	return out
}
