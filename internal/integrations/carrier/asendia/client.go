package asendia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ptrack/internal/integrations/carrier"
	"github.com/BearBump/ptrack/internal/models"
	"github.com/pkg/errors"
)

// Credentials are the static values the public tracking web app sends.
type Credentials struct {
	APIKey      string
	TrackingKey string
	AuthHeader  string
}

type Client struct {
	baseURL string
	creds   Credentials
	httpc   *http.Client
}

func New(baseURL string, creds Credentials, httpc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://a1reportapi.asendiaprod.com"
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, creds: creds, httpc: httpc}
}

type location struct {
	City        *string `json:"city"`
	Province    *string `json:"province"`
	CountryIso2 *string `json:"countryIso2"`
	CountryName *string `json:"countryName"`
}

type trackingResp struct {
	Summary struct {
		Progress struct {
			Completed int `json:"completed"`
			Total     int `json:"total"`
		} `json:"trackingProgress"`
	} `json:"trackingBrandedSummary"`
	Detail []struct {
		EventDescription string   `json:"eventDescription"`
		EventOn          string   `json:"eventOn"`
		Location         location `json:"eventLocationDetails"`
	} `json:"trackingBrandedDetail"`
}

func (c *Client) GetTracking(ctx context.Context, id models.Identifier) (*models.TrackingState, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = "/api/A1/TrackingBranded/Tracking"
	q := u.Query()
	q.Set("trackingKey", c.creds.TrackingKey)
	q.Set("trackingNumber", id.Number)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", c.creds.AuthHeader)
	req.Header.Set("X-AsendiaOne-ApiKey", c.creds.APIKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("asendia http %d", resp.StatusCode)
	}

	var r trackingResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return toState(r, id)
}

func toState(r trackingResp, id models.Identifier) (*models.TrackingState, error) {
	progress := models.Progress{Completed: r.Summary.Progress.Completed, Total: r.Summary.Progress.Total}

	updates := make([]models.TrackingEvent, 0, len(r.Detail))
	for _, d := range r.Detail {
		when, err := carrier.ParseISOTime(d.EventOn, nil)
		if err != nil {
			return nil, errors.Wrap(err, "event date")
		}
		updates = append(updates, models.TrackingEvent{
			Text:  d.EventDescription,
			When:  when,
			Where: formatLocation(d.Location),
		})
	}

	short := "Unknown"
	lastUpdate := models.UnknownTime
	if len(r.Detail) > 0 {
		if r.Detail[0].EventDescription != "" {
			short = r.Detail[0].EventDescription
		}
		lastUpdate = updates[0].When
	}

	return &models.TrackingState{
		ID:               id,
		State:            models.StateFromProgress(progress.Completed),
		ShortDescription: short,
		LastUpdate:       lastUpdate,
		Progress:         progress,
		IsDelivered:      progress.Completed == progress.Total,
		IsRetoure:        models.BoolPtr(false),
		IsExpress:        models.BoolPtr(false),
		Updates:          updates,
	}, nil
}

func formatLocation(l location) string {
	if l.City == nil {
		return deref(l.CountryName)
	}
	parts := []string{*l.City}
	if l.Province != nil && l.CountryIso2 != nil {
		parts = append(parts, *l.Province, *l.CountryIso2)
	} else if l.CountryIso2 != nil {
		parts = append(parts, *l.CountryIso2)
	}
	return strings.Join(parts, ", ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
