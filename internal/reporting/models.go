package reporting

import "outbound-dialer/internal/campaigns"

// CallsSummary aggregates the call log of one campaign.
type CallsSummary struct {
	CampaignID string `json:"campaign_id"`

	TotalCalls     int `json:"total_calls"`
	InFlightCalls  int `json:"in_flight_calls"`
	CompletedCalls int `json:"completed_calls"`
	FailedCalls    int `json:"failed_calls"`
	NoAnswerCalls  int `json:"no_answer_calls"`
	DroppedCalls   int `json:"dropped_calls"`
	CanceledCalls  int `json:"canceled_calls"`

	ConnectedCalls int `json:"connected_calls"`
	Conversions    int `json:"conversions"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	ConnectionRate float64 `json:"connection_rate"`
	ConversionRate float64 `json:"conversion_rate"`

	// Dispositions counts the effective (latest) category per call.
	Dispositions map[string]int `json:"dispositions"`
}

// Recomputation reports a results repair.
type Recomputation struct {
	CampaignID string            `json:"campaign_id"`
	Before     campaigns.Results `json:"before"`
	After      campaigns.Results `json:"after"`
	Changed    bool              `json:"changed"`
}
