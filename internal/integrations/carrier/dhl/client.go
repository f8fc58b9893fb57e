package dhl

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
	appStateMarker = "window.__INITIAL_APP_STATE__"
	jsonStart      = `initialState: JSON.parse("`
	jsonEnd        = `"),`
)

type Client struct {
	baseURL   string
	userAgent string
	httpc     *http.Client
}

func New(baseURL, userAgent string, httpc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://www.dhl.de"
	}
	if userAgent == "" {
		userAgent = carrier.DefaultUserAgent
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, userAgent: userAgent, httpc: httpc}
}

type appState struct {
	Sendungen []struct {
		Details details `json:"sendungsdetails"`
	} `json:"sendungen"`
}

type details struct {
	IstZugestellt  bool        `json:"istZugestellt"`
	Retoure        bool        `json:"retoure"`
	ExpressSendung bool        `json:"expressSendung"`
	Zustellung     *zustellung `json:"zustellung"`
	Verlauf        struct {
		KurzStatus           *string `json:"kurzStatus"`
		AktuellerStatus      *string `json:"aktuellerStatus"`
		DatumAktuellerStatus string  `json:"datumAktuellerStatus"`
		Fortschritt          int     `json:"fortschritt"`
		MaximalFortschritt   int     `json:"maximalFortschritt"`
		Events               []struct {
			Status string `json:"status"`
			Datum  string `json:"datum"`
			Ort    string `json:"ort"`
		} `json:"events"`
	} `json:"sendungsverlauf"`
}

type zustellung struct {
	ZugestelltAnEmpfaenger  bool `json:"zugestelltAnEmpfaenger"`
	BenachrichtigtInFiliale bool `json:"benachrichtigtInFiliale"`
}

func (c *Client) GetTracking(ctx context.Context, id models.Identifier) (*models.TrackingState, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = "/int-verfolgen/search"
	q := u.Query()
	q.Set("language", "de")
	q.Set("lang", "de")
	q.Set("domain", "de")
	q.Set("piececode", id.Number)
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
		return nil, fmt.Errorf("dhl http %d", resp.StatusCode)
	}
	return parsePage(string(body), id)
}

func parsePage(page string, id models.Identifier) (*models.TrackingState, error) {
	if !strings.Contains(page, appStateMarker) {
		return nil, fmt.Errorf("no app state in response: %q", head(page, 50))
	}
	raw, err := carrier.FindSubstring(page, jsonStart, jsonEnd)
	if err != nil {
		return nil, errors.Wrap(err, "cut app state")
	}
	raw = strings.ReplaceAll(raw, `\"`, `"`)

	var st appState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, errors.Wrap(err, "decode app state")
	}
	if len(st.Sendungen) == 0 {
		return nil, errors.New("no shipment in app state")
	}
	return toState(st.Sendungen[0].Details, id)
}

func toState(d details, id models.Identifier) (*models.TrackingState, error) {
	v := d.Verlauf

	updates := make([]models.TrackingEvent, 0, len(v.Events))
	for _, e := range v.Events {
		when, err := carrier.ParseISOTime(e.Datum, nil)
		if err != nil {
			return nil, errors.Wrap(err, "event date")
		}
		updates = append(updates, models.TrackingEvent{Text: e.Status, When: when, Where: e.Ort})
	}

	lastUpdate := models.UnknownTime
	if v.DatumAktuellerStatus != "" {
		t, err := carrier.ParseISOTime(v.DatumAktuellerStatus, nil)
		if err != nil {
			return nil, errors.Wrap(err, "status date")
		}
		lastUpdate = t
	}

	short := "Status offen"
	if v.KurzStatus != nil {
		short = *v.KurzStatus
	}
	info := "Wir erwarten Ihre Sendungsdaten in Kürze."
	if v.AktuellerStatus != nil {
		info = *v.AktuellerStatus
	}

	return &models.TrackingState{
		ID:               id,
		State:            packageState(d),
		ShortDescription: short,
		AdditionalInfo:   info,
		LastUpdate:       lastUpdate,
		Progress:         models.Progress{Completed: v.Fortschritt, Total: v.MaximalFortschritt},
		IsDelivered:      d.IstZugestellt,
		IsRetoure:        models.BoolPtr(d.Retoure),
		IsExpress:        models.BoolPtr(d.ExpressSendung),
		Updates:          updates,
	}, nil
}

func packageState(d details) models.PackageState {
	if z := d.Zustellung; z != nil {
		if z.ZugestelltAnEmpfaenger {
			return models.StateDelivered
		}
		if z.BenachrichtigtInFiliale {
			return models.StateReadyForCollection
		}
	}
	if d.IstZugestellt {
		return models.StateDelivered
	}
	if d.Verlauf.Fortschritt > 4 {
		return models.StateUnknown
	}
	return models.StateFromProgress(d.Verlauf.Fortschritt)
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
