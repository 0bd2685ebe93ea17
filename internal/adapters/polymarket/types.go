package polymarket

// gammaMarket is the Gamma API representation of one slot market.
// clobTokenIds arrives as a JSON-encoded string array: [upToken, downToken].
type gammaMarket struct {
	Slug         string `json:"slug"`
	Question     string `json:"question"`
	ClobTokenIDs string `json:"clobTokenIds"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	EndDateISO   string `json:"endDateIso"`
}

// wsLevel is one price level inside a book event.
type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// wsEvent is a single message on the market channel. The channel multiplexes
// several event types over one shape; fields are populated per event_type.
type wsEvent struct {
	EventType string    `json:"event_type"`
	AssetID   string    `json:"asset_id"`
	Market    string    `json:"market"`
	Price     string    `json:"price"`     // last_trade_price
	Timestamp string    `json:"timestamp"` // epoch millis as string
	Bids      []wsLevel `json:"bids"`      // book
	Asks      []wsLevel `json:"asks"`      // book
}

// wsSubscription is the frame sent to subscribe the market channel to a set of
// CLOB token IDs.
type wsSubscription struct {
	AssetIDs    []string `json:"assets_ids"`
	Type        string   `json:"type"`
	InitialDump bool     `json:"initial_dump"`
}
