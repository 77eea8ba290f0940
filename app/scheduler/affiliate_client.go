package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/lead-dispatch/config"
	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/utils"
)

// AffiliateLeadPayload is the body posted to the affiliate intake endpoint
type AffiliateLeadPayload struct {
	Subid       string  `json:"subid"`
	Name        string  `json:"name"`
	Phone       string  `json:"phone"`
	Email       *string `json:"email,omitempty"`
	Country     *string `json:"country,omitempty"`
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Vertical    string  `json:"vertical,omitempty"`
	GeoCountry  string  `json:"geo,omitempty"`
	Affiliate   string  `json:"affiliate,omitempty"`
}

// SubmitResult is what the affiliate answered. A non-2xx status is not an error here;
// classification belongs to the dispatcher.
type SubmitResult struct {
	HTTPStatus int
	Latency    time.Duration
	ExternalID *string
	Body       string
}

// AffiliateSink accepts a single lead submission. It applies no retry of its own.
type AffiliateSink interface {
	Submit(ctx context.Context, lead *models.Lead, dest models.Destination) (*SubmitResult, error)
}

type httpAffiliateClient struct {
	cfg    config.AffiliateConfig
	client *http.Client
}

// NewHTTPAffiliateClient builds a sink posting JSON to AFFILIATE_BASE_URL + AFFILIATE_SUBMIT_PATH.
// The caller bounds each call through the context deadline.
func NewHTTPAffiliateClient(cfg config.AffiliateConfig) AffiliateSink {
	return &httpAffiliateClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

const maxAffiliateBody = 64 * 1024

func (c *httpAffiliateClient) Submit(ctx context.Context, lead *models.Lead, dest models.Destination) (*SubmitResult, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, c.cfg.SubmitPath)
	if err != nil {
		return nil, fmt.Errorf("affiliate url: %w", err)
	}
	payload := AffiliateLeadPayload{
		Subid:       lead.Subid,
		Name:        lead.Name,
		Phone:       lead.Phone,
		Email:       lead.Email,
		Country:     lead.Country,
		ProductID:   dest.ProductID,
		ProductName: dest.ProductName,
		Vertical:    dest.Vertical,
		GeoCountry:  dest.Country,
		Affiliate:   dest.Affiliate,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		header := c.cfg.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAffiliateBody))
	res := &SubmitResult{
		HTTPStatus: resp.StatusCode,
		Latency:    time.Since(start),
		Body:       strings.TrimSpace(strings.ToValidUTF8(string(raw), "\uFFFD")),
	}
	if err != nil {
		return res, fmt.Errorf("read affiliate response: %w", err)
	}
	res.ExternalID = externalID(raw)
	return res, nil
}

// externalID extracts the affiliate-side identifier of an accepted lead, if the body carries one
func externalID(raw []byte) *string {
	var body struct {
		ID     json.RawMessage `json:"id"`
		LeadID json.RawMessage `json:"lead_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	for _, v := range []json.RawMessage{body.ID, body.LeadID} {
		if len(v) == 0 || string(v) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if s == "" {
				continue
			}
			return utils.ToPtr(s)
		}
		return utils.ToPtr(string(v))
	}
	return nil
}
