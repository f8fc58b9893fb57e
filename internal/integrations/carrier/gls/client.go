package gls

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ptrack/internal/models"
	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
)

var progressToState = map[int]models.PackageState{
	0: models.StateAnnounced,
	1: models.StateAnnounced,
	2: models.StateOnTheWay,
	3: models.StateArrivedAtDestination,
	4: models.StateOutForDelivery,
	5: models.StateDelivered,
}

var rowLayouts = []string{
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

type Client struct {
	baseURL string
	lang    string
	httpc   *http.Client
}

func New(baseURL, lang string, httpc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://api.gls-pakete.de/trackandtrace"
	}
	if lang == "" {
		lang = "de"
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, lang: lang, httpc: httpc}
}

type trackResp struct {
	Content map[string]struct {
		HTML string `json:"html"`
	} `json:"content"`
}

func (c *Client) GetTracking(ctx context.Context, id models.Identifier) (*models.TrackingState, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	q := u.Query()
	q.Set("lang", c.lang)
	q.Set("match", id.Number)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("gls http %d", resp.StatusCode)
	}

	var r trackResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	entry, ok := r.Content[id.Number]
	if !ok {
		return nil, errors.New("malformed response: number missing from content")
	}
	return parseHTML(entry.HTML, id)
}

func parseHTML(html string, id models.Identifier) (*models.TrackingState, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, errors.Wrap(err, "parse html")
	}

	table := doc.Find("table.data_table").First()
	if table.Length() == 0 {
		return nil, errors.New("no data table in response")
	}

	var updates []models.TrackingEvent
	var rowErr error
	table.Find("tbody > tr").EachWithBreak(func(i int, tr *goquery.Selection) bool {
		tds := tr.Find("td")
		if tds.Length() < 4 {
			rowErr = fmt.Errorf("row %d: expected 4 cells, got %d", i, tds.Length())
			return false
		}
		cell := func(n int) string { return strings.TrimSpace(tds.Eq(n).Text()) }
		when, err := parseRowTime(cell(0) + " " + cell(1))
		if err != nil {
			rowErr = err
			return false
		}
		updates = append(updates, models.TrackingEvent{Text: cell(2), When: when, Where: cell(3)})
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}

	progress := readProgress(doc)
	state, ok := progressToState[progress.Completed]
	if !ok {
		state = models.StateUnknown
	}
	short, info := readStateText(doc)

	lastUpdate := models.UnknownTime
	for _, u := range updates {
		if u.When.After(lastUpdate) {
			lastUpdate = u.When
		}
	}

	return &models.TrackingState{
		ID:               id,
		State:            state,
		ShortDescription: short,
		AdditionalInfo:   info,
		LastUpdate:       lastUpdate,
		Progress:         progress,
		IsDelivered:      progress.Total > 0 && progress.Completed == progress.Total,
		Updates:          updates,
	}, nil
}

func readProgress(doc *goquery.Document) models.Progress {
	base := doc.Find(".ce_icon_box_container").First()
	done := base.Find(".status--complete").Length() + base.Find(".status--current").Length()
	return models.Progress{Completed: done, Total: base.Find(".ce_icon_box").Length()}
}

func readStateText(doc *goquery.Document) (string, string) {
	c := doc.Find(".container.pt-20px .col-12 p.lead strong")
	switch c.Length() {
	case 2:
		return strings.TrimSpace(c.Eq(0).Text()), "Arriving at " + strings.TrimSpace(c.Eq(1).Text())
	case 1:
		return strings.TrimSpace(c.Eq(0).Text()), ""
	default:
		return "Announced", ""
	}
}

func parseRowTime(s string) (time.Time, error) {
	for _, layout := range rowLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized event time %q", s)
}
