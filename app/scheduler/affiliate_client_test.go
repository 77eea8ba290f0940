package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/amirphl/lead-dispatch/config"
	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/utils"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const affiliateURL = "https://affiliate.example.com/api/v1/leads"

func newMockedAffiliateClient(t *testing.T) (*httpAffiliateClient, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	c := NewHTTPAffiliateClient(config.AffiliateConfig{
		BaseURL:      "https://affiliate.example.com",
		SubmitPath:   "/api/v1/leads",
		APIKey:       "k-123",
		APIKeyHeader: "X-Partner-Key",
	}).(*httpAffiliateClient)
	c.client.Transport = mt
	return c, mt
}

func testDestination() models.Destination {
	return models.Destination{ProductID: "prod-1", ProductName: "Product One", Country: "US", Affiliate: "aff-7"}
}

func TestAffiliateClientSubmitAccepted(t *testing.T) {
	c, mt := newMockedAffiliateClient(t)
	lead := newTestLead("s1", at(9, 0))
	lead.Email = utils.ToPtr("lead@example.com")

	mt.RegisterResponder(http.MethodPost, affiliateURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "k-123", req.Header.Get("X-Partner-Key"))
		assert.Equal(t, "application/json; charset=utf-8", req.Header.Get("Content-Type"))

		var body AffiliateLeadPayload
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "s1", body.Subid)
		assert.Equal(t, "prod-1", body.ProductID)
		assert.Equal(t, "US", body.GeoCountry)
		assert.Equal(t, "lead@example.com", *body.Email)

		return httpmock.NewJsonResponse(http.StatusCreated, map[string]any{"id": "ext-42"})
	})

	res, err := c.Submit(context.Background(), lead, testDestination())
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.HTTPStatus)
	require.NotNil(t, res.ExternalID)
	assert.Equal(t, "ext-42", *res.ExternalID)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestAffiliateClientNumericLeadID(t *testing.T) {
	c, mt := newMockedAffiliateClient(t)
	mt.RegisterResponder(http.MethodPost, affiliateURL, httpmock.NewStringResponder(http.StatusOK, `{"lead_id": 981}`))

	res, err := c.Submit(context.Background(), newTestLead("s1", at(9, 0)), testDestination())
	require.NoError(t, err)
	require.NotNil(t, res.ExternalID)
	assert.Equal(t, "981", *res.ExternalID)
}

func TestAffiliateClientRejectionIsNotAnError(t *testing.T) {
	c, mt := newMockedAffiliateClient(t)
	mt.RegisterResponder(http.MethodPost, affiliateURL, httpmock.NewStringResponder(http.StatusBadRequest, `duplicate phone`))

	res, err := c.Submit(context.Background(), newTestLead("s1", at(9, 0)), testDestination())
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)
	assert.Equal(t, "duplicate phone", res.Body)
	assert.Nil(t, res.ExternalID)

	out := classify(context.Background(), res, nil, time.Second)
	assert.Equal(t, models.LeadSendingStatusError, out.Status)
	assert.Contains(t, *out.ErrorDetails, "duplicate phone")
}

func TestAffiliateClientTransportError(t *testing.T) {
	c, mt := newMockedAffiliateClient(t)
	mt.RegisterResponder(http.MethodPost, affiliateURL, httpmock.NewErrorResponder(errors.New("connection refused")))

	res, err := c.Submit(context.Background(), newTestLead("s1", at(9, 0)), testDestination())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAffiliateClientBodyIsValidUTF8(t *testing.T) {
	c, mt := newMockedAffiliateClient(t)
	mt.RegisterResponder(http.MethodPost, affiliateURL, httpmock.NewStringResponder(http.StatusInternalServerError, "ошибка \xd0"))

	res, err := c.Submit(context.Background(), newTestLead("s1", at(9, 0)), testDestination())
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(res.Body))
	assert.Equal(t, "ошибка �", res.Body)
}
