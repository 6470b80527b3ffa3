package livefeed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"ChartSync/internal/domain/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// wireBar is the inbound bar payload. Pointers make missing fields detectable.
type wireBar struct {
	Time   *int64   `json:"time" validate:"required,gt=0"`
	Open   *float64 `json:"open" validate:"required,gte=0"`
	High   *float64 `json:"high" validate:"required,gte=0"`
	Low    *float64 `json:"low" validate:"required,gte=0"`
	Close  *float64 `json:"close" validate:"required,gte=0"`
	Volume *float64 `json:"volume" validate:"required,gte=0"`
}

func (w wireBar) bar() models.Bar {
	return models.Bar{Time: *w.Time, Open: *w.Open, High: *w.High, Low: *w.Low, Close: *w.Close, Volume: *w.Volume}
}

// topicBar is a bar published on a shared topic, tagged with its series.
type topicBar struct {
	Symbol    string `json:"symbol" validate:"required"`
	Timeframe string `json:"timeframe" validate:"required"`
	wireBar
}

// DecodeBar strictly decodes one live bar message. Unknown fields, missing
// fields and invalid values are ErrMalformedMessage.
func DecodeBar(b []byte) (models.Bar, error) {
	var w wireBar
	if err := decodeStrict(b, &w); err != nil {
		return models.Bar{}, err
	}
	return w.bar(), nil
}

// DecodeTopicBar decodes a bar carrying its symbol and timeframe.
func DecodeTopicBar(b []byte) (symbol, timeframe string, bar models.Bar, err error) {
	var w topicBar
	if err := decodeStrict(b, &w); err != nil {
		return "", "", models.Bar{}, err
	}
	return w.Symbol, w.Timeframe, w.bar(), nil
}

func decodeStrict(b []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMalformedMessage, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", models.ErrMalformedMessage)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMalformedMessage, err)
	}
	return nil
}
