package models

// Requests for the query endpoints. Bound from path and query parameters.

// AlertsRequest without a symbol lists alerts for every symbol.
type AlertsRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"omitempty,symbol"`
	Window string `query:"window" json:"window" default:"15m" validate:"window"`
	Limit  int    `query:"limit" json:"limit" default:"100" validate:"gte=1,lte=1000"`
}

type ScoreRequest struct {
	Symbol string `param:"symbol" json:"symbol" validate:"required,symbol"`
}

type ScoreHistoryRequest struct {
	Symbol string `param:"symbol" json:"symbol" validate:"required,symbol"`
	Window string `query:"window" json:"window" default:"5m" validate:"window"`
	Limit  int    `query:"limit" json:"limit" default:"500" validate:"gte=1,lte=5000"`
}
