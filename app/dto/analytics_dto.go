package dto

// LeadSendingDTO is one attempt row as exposed by the reporting API
type LeadSendingDTO struct {
	ID                 string  `json:"id"`
	RuleID             string  `json:"rule_id"`
	LeadSubid          string  `json:"lead_subid"`
	LeadName           string  `json:"lead_name"`
	LeadPhone          string  `json:"lead_phone"`
	LeadEmail          *string `json:"lead_email,omitempty"`
	LeadCountry        *string `json:"lead_country,omitempty"`
	TargetProductID    string  `json:"target_product_id"`
	TargetProductName  string  `json:"target_product_name"`
	Status             string  `json:"status"`
	ResponseStatus     *int    `json:"response_status,omitempty"`
	ErrorDetails       *string `json:"error_details,omitempty"`
	ExternalResponseID *string `json:"external_response_id,omitempty"`
	SentAt             string  `json:"sent_at"`
	AttemptNumber      int     `json:"attempt_number"`
	ResponseTimeMs     *int64  `json:"response_time_ms,omitempty"`
}

// SendingStats is the rollup of a set of attempts
type SendingStats struct {
	TotalSent    int64   `json:"total_sent"`
	TotalSuccess int64   `json:"total_success"`
	TotalErrors  int64   `json:"total_errors"`
	SuccessRate  float64 `json:"success_rate"`
	LastSentAt   *string `json:"last_sent_at,omitempty"`
}

// RuleStatsRequest selects a rule and how many recent attempts to include
type RuleStatsRequest struct {
	RuleID string `json:"rule_id" validate:"required,uuid"`
	Recent int    `json:"recent" validate:"gte=0,lte=100"`
}

// RuleStatsResponse is the rollup of one rule
type RuleStatsResponse struct {
	Message  string           `json:"message"`
	RuleID   string           `json:"rule_id"`
	RuleName string           `json:"rule_name"`
	Stats    SendingStats     `json:"stats"`
	Recent   []LeadSendingDTO `json:"recent"`
}

// RuleStatsSummary is one row of the per-rule breakdown
type RuleStatsSummary struct {
	RuleID   string       `json:"rule_id"`
	RuleName string       `json:"rule_name,omitempty"`
	Stats    SendingStats `json:"stats"`
}

// GlobalStatsResponse sums all rules
type GlobalStatsResponse struct {
	Message string             `json:"message"`
	Stats   SendingStats       `json:"stats"`
	Rules   []RuleStatsSummary `json:"rules"`
}

// ListRuleSendingsRequest pages through a rule's attempts, newest first
type ListRuleSendingsRequest struct {
	RuleID string `json:"rule_id" validate:"required,uuid"`
	Limit  int    `json:"limit" validate:"gte=1,lte=100"`
	Offset int    `json:"offset" validate:"gte=0"`
}

// OffsetPagination describes an offset-based page
type OffsetPagination struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// ListRuleSendingsResponse is one page of attempts
type ListRuleSendingsResponse struct {
	Message    string           `json:"message"`
	Items      []LeadSendingDTO `json:"items"`
	Pagination OffsetPagination `json:"pagination"`
}

// RuleScheduleResponse is the scheduler's current verdict for a rule
type RuleScheduleResponse struct {
	Message        string   `json:"message"`
	RuleID         string   `json:"rule_id"`
	RuleName       string   `json:"rule_name"`
	State          string   `json:"state"`
	Reason         string   `json:"reason,omitempty"`
	Policy         string   `json:"policy"`
	DailyCap       *int     `json:"daily_cap,omitempty"`
	SendWindow     *string  `json:"send_window,omitempty"`
	DayKey         string   `json:"day_key,omitempty"`
	SentToday      int      `json:"sent_today"`
	LastSentAt     *string  `json:"last_sent_at,omitempty"`
	NextEligibleAt *string  `json:"next_eligible_at,omitempty"`
	Problems       []string `json:"problems,omitempty"`
	EvaluatedAt    string   `json:"evaluated_at"`
}

// HealthResponse reports liveness of the reporting service
type HealthResponse struct {
	Status      string `json:"status"`
	Environment string `json:"environment"`
	Version     string `json:"version"`
	Time        string `json:"time"`
}
