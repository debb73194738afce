package model

import "fmt"

// Amount is a value tagged with the digital currency it is denominated in
type Amount struct {
	Currency string  `json:"currency"`
	Value    float64 `json:"amount"`
}

func (a Amount) String() string {
	return fmt.Sprintf("%g %s", a.Value, a.Currency)
}

// SameCurrency reports whether both amounts carry the same currency tag.
func (a Amount) SameCurrency(b Amount) bool {
	return a.Currency == b.Currency
}
