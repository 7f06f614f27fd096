package dto

// UpstreamOverrides are accepted by every paid endpoint.
type UpstreamOverrides struct {
	Model   string `json:"model" validate:"omitempty,max=200"`
	APIKey  string `json:"api_key" validate:"omitempty,max=512"`
	BaseURL string `json:"base_url" validate:"omitempty,url"`
}

type GenerateImageRequest struct {
	UpstreamOverrides
	Prompt      string `json:"prompt" validate:"required,max=8000"`
	AspectRatio string `json:"aspect_ratio" validate:"omitempty,oneof=1:1 2:3 3:2 3:4 4:3 9:16 16:9 21:9"`
}

type EditImageRequest struct {
	UpstreamOverrides
	Prompt string   `json:"prompt" validate:"max=8000"`
	Tool   string   `json:"tool" validate:"required"`
	Images []string `json:"images" validate:"required,min=1,max=4,dive,required"`
}

type ScientificDrawingRequest struct {
	UpstreamOverrides
	Prompt  string `json:"prompt" validate:"required,max=8000"`
	Subject string `json:"subject" validate:"omitempty,max=200"`
}

type OutlineRequest struct {
	UpstreamOverrides
	Topic    string `json:"topic" validate:"required,max=2000"`
	Sections int    `json:"sections" validate:"omitempty,min=1,max=20"`
}

type BatchGenerateRequest struct {
	UpstreamOverrides
	Prompt      string `json:"prompt" validate:"required,max=8000"`
	AspectRatio string `json:"aspect_ratio" validate:"omitempty,oneof=1:1 2:3 3:2 3:4 4:3 9:16 16:9 21:9"`
	Count       int    `json:"count" validate:"required,min=1,max=10"`
}

// GenerationResponse is returned by the single-artifact endpoints.
type GenerationResponse struct {
	ImageURL       string `json:"image_url,omitempty"`
	Text           string `json:"text,omitempty"`
	QuotaCost      int    `json:"quota_cost"`
	QuotaRemaining int    `json:"quota_remaining"`
	TransactionID  string `json:"transaction_id"`
}

type BatchUnitResponse struct {
	Index    int    `json:"index"`
	ImageURL string `json:"image_url,omitempty"`
	Charged  int    `json:"charged"`
	Error    string `json:"error,omitempty"`
}

type BatchGenerateResponse struct {
	Results        []BatchUnitResponse `json:"results"`
	Succeeded      int                 `json:"succeeded"`
	QuotaCost      int                 `json:"quota_cost"`
	QuotaRemaining int                 `json:"quota_remaining"`
}

// ErrorResponse is the body of every JSON error. Optional fields depend on the code.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Message   string   `json:"message"`
	Reason    string   `json:"reason,omitempty"`
	Required  *int     `json:"required,omitempty"`
	Remaining *int     `json:"remaining,omitempty"`
	ImageURL  string   `json:"image_url,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
}
