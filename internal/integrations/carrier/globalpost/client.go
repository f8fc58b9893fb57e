package globalpost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ptrack/internal/integrations/carrier"
	"github.com/BearBump/ptrack/internal/models"
	"github.com/pkg/errors"
)

const (
	dataStart   = "var trackingData = "
	dataEnd     = ";\n"
	statusStart = `<span class="sidebar-right-ele text-normal">`
	statusEnd   = "</span>"
)

type Client struct {
	baseURL   string
	userAgent string
	httpc     *http.Client
	now       func() time.Time
}

func New(baseURL, userAgent string, httpc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://www.goglobalpost.com"
	}
	if userAgent == "" {
		userAgent = carrier.DefaultUserAgent
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, userAgent: userAgent, httpc: httpc, now: time.Now}
}

type trackingData struct {
	LastEventDesc    string `json:"lastEventDesc"`
	LastEventDate    string `json:"lastEventDate"`
	LastEventCity    string `json:"lastEventCity"`
	LastEventState   string `json:"lastEventState"`
	LastEventCountry string `json:"lastEventCountry"`

	FirstEventDesc    string `json:"firstEventDesc"`
	FirstEventDate    string `json:"firstEventDate"`
	FirstEventCity    string `json:"firstEventCity"`
	FirstEventState   string `json:"firstEventState"`
	FirstEventCountry string `json:"firstEventCountry"`
}

func (c *Client) GetTracking(ctx context.Context, id models.Identifier) (*models.TrackingState, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = "/track-detail/"
	q := u.Query()
	q.Set("t", id.Number)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("globalpost http %d", resp.StatusCode)
	}
	return c.parsePage(string(body), id)
}

// The page only embeds the first and the last event; the full route is rendered
// as HTML we do not parse, so progress is a fixed estimate.
func (c *Client) parsePage(page string, id models.Identifier) (*models.TrackingState, error) {
	raw, err := carrier.FindSubstring(page, dataStart, dataEnd)
	if err != nil {
		return nil, errors.Wrap(err, "cut tracking data")
	}
	var d trackingData
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, errors.Wrap(err, "decode tracking data")
	}

	longStatus, err := carrier.FindSubstring(page, statusStart, statusEnd)
	if err != nil {
		return nil, errors.Wrap(err, "cut status")
	}

	last, err := c.parseDateTime(d.LastEventDate)
	if err != nil {
		return nil, err
	}
	first, err := c.parseDateTime(d.FirstEventDate)
	if err != nil {
		return nil, err
	}

	return &models.TrackingState{
		ID:               id,
		State:            models.StateOnTheWay,
		ShortDescription: d.LastEventDesc,
		AdditionalInfo:   strings.TrimSpace(longStatus),
		LastUpdate:       last,
		Progress:         models.Progress{Completed: 2, Total: 5},
		IsRetoure:        models.BoolPtr(false),
		IsExpress:        models.BoolPtr(false),
		Updates: []models.TrackingEvent{
			{Text: d.LastEventDesc, When: last, Where: joinPlace(d.LastEventCity, d.LastEventState, d.LastEventCountry)},
			{Text: d.FirstEventDesc, When: first, Where: joinPlace(d.FirstEventCity, d.FirstEventState, d.FirstEventCountry)},
		},
	}, nil
}

// parseDateTime reads "Jan 02, 2006 - 3:04 PM" and "Today - 3:04 PM".
func (c *Client) parseDateTime(s string) (time.Time, error) {
	datePart, clockPart, ok := strings.Cut(s, " - ")
	if !ok {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}
	clock, err := time.Parse("3:04 PM", strings.ToUpper(strings.TrimSpace(clockPart)))
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", clockPart)
	}

	var day time.Time
	if strings.EqualFold(strings.TrimSpace(datePart), "today") {
		now := c.now()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	} else {
		day, err = time.ParseInLocation("Jan 2, 2006", strings.TrimSpace(datePart), time.Local)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "parse date %q", datePart)
		}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, time.Local), nil
}

func joinPlace(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
