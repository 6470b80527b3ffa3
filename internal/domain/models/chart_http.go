package models

// Requests for chart HTTP endpoints.

type SeriesRequest struct {
	Symbol        string  `param:"symbol" validate:"required"`
	GridLower     float64 `query:"grid_lower" validate:"gte=0"`
	GridUpper     float64 `query:"grid_upper" validate:"gte=0"`
	LowerStopLoss float64 `query:"lower_stop_loss" validate:"gte=0"`
	UpperStopLoss float64 `query:"upper_stop_loss" validate:"gte=0"`
	From          string  `query:"from"`
	To            string  `query:"to"`
}

// Overlays returns the reference prices of the request.
func (r *SeriesRequest) Overlays() Overlays {
	return Overlays{
		GridLower:     r.GridLower,
		GridUpper:     r.GridUpper,
		LowerStopLoss: r.LowerStopLoss,
		UpperStopLoss: r.UpperStopLoss,
	}
}

// ExportRequest selects the bars written by the export endpoint.
type ExportRequest struct {
	Symbol string `param:"symbol" validate:"required"`
	From   string `query:"from"`
	To     string `query:"to"`
}

// StreamCommand is a client message on the chart WebSocket.
type StreamCommand struct {
	Action    string `json:"action" validate:"required,oneof=select_timeframe retry"`
	Timeframe string `json:"timeframe" validate:"required_if=Action select_timeframe"`
}

type TimeframeRequest struct {
	Symbol    string `param:"symbol" validate:"required"`
	Timeframe string `json:"timeframe" default:"1m" validate:"required"`
}

type ChartRequest struct {
	Symbol string `param:"symbol" validate:"required"`
}

// TimeframeInfo lists one registry entry for the UI.
type TimeframeInfo struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	BucketSeconds   int64  `json:"bucket_seconds"`
	LookbackSeconds int64  `json:"lookback_seconds"`
	Resolution      string `json:"resolution"`
	Live            bool   `json:"live"`
}
