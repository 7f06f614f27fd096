package dto

type CheckoutRequest struct {
	Kind    string `json:"kind" validate:"required,oneof=package subscription"`
	PriceID string `json:"price_id" validate:"required"`
}

type CheckoutResponse struct {
	URL string `json:"url"`
}
