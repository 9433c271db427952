// Package bookingapi is the typed client for the upstream reservation
// platform. It is stateless per request apart from the static API key;
// the caller supplies the user auth token and an optional proxy URL on
// every call.
package bookingapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

const defaultUserAgent = "tablesniper/1.0"

// DefaultRequestTimeout bounds a single upstream request.
const DefaultRequestTimeout = 30 * time.Second

// Slot is a single bookable time as returned by the find endpoint.
// ConfigID is the opaque token required by the details call.
type Slot struct {
	ConfigID  string `json:"config_id"`
	Time      string `json:"time"`
	TableType string `json:"table_type,omitempty"`
}

// BookToken is the short-lived authorization between details and book.
type BookToken struct {
	Value   string `json:"value"`
	Expires string `json:"date_expires"`
}

// Confirmation is the terminal booking receipt.
type Confirmation struct {
	ReservationID     int64  `json:"reservation_id"`
	ConfirmationToken string `json:"confirmation_token"`
}

// UpcomingReservation is one entry from the user-reservations endpoint.
type UpcomingReservation struct {
	Day       string `json:"day"`
	VenueID   string `json:"venue_id"`
	VenueName string `json:"venue_name"`
	Time      string `json:"time"`
}

// CalendarDay is one entry from the venue calendar endpoint.
type CalendarDay struct {
	Date   string `json:"date"`
	Status string `json:"status"` // "available" | "sold-out" | "closed"
}

// CalendarStatusAvailable is the status value worth reacting to.
const CalendarStatusAvailable = "available"

// Client issues requests against the upstream HTTP/JSON API.
type Client struct {
	BaseURL   string
	APIKey    string
	SourceID  string
	Timeout   time.Duration
	UserAgent string
}

// NewClient creates a client with the default request timeout.
func NewClient(baseURL, apiKey, sourceID string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		SourceID: sourceID,
		Timeout:  DefaultRequestTimeout,
	}
}

// FindSlots lists bookable slots for a venue on a given local date.
func (c *Client) FindSlots(ctx context.Context, authToken, proxyURL, venueID, day string, partySize int) ([]Slot, error) {
	q := url.Values{}
	q.Set("venue_id", venueID)
	q.Set("day", day)
	q.Set("party_size", strconv.Itoa(partySize))

	var out struct {
		Slots []Slot `json:"slots"`
	}
	if err := c.getJSON(ctx, authToken, proxyURL, "/4/find", q, &out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}

// GetDetails exchanges a slot config id for a book token. The auth
// token rides both the header and a query parameter; the latter keeps
// the upstream off its captcha path.
func (c *Client) GetDetails(ctx context.Context, authToken, proxyURL, venueID, day string, partySize int, configID string) (*BookToken, error) {
	q := url.Values{}
	q.Set("venue_id", venueID)
	q.Set("day", day)
	q.Set("party_size", strconv.Itoa(partySize))
	q.Set("config_id", configID)
	q.Set("auth_token", authToken)

	var out struct {
		BookToken *BookToken `json:"book_token"`
	}
	if err := c.getJSON(ctx, authToken, proxyURL, "/3/details", q, &out); err != nil {
		return nil, err
	}
	return out.BookToken, nil
}

// Book finalizes a reservation with a book token and the user's stored
// payment method.
func (c *Client) Book(ctx context.Context, authToken, proxyURL, bookToken string, paymentMethodID int64) (*Confirmation, error) {
	payment, err := json.Marshal(map[string]int64{"id": paymentMethodID})
	if err != nil {
		return nil, fmt.Errorf("marshal payment method: %w", err)
	}
	form := url.Values{}
	form.Set("book_token", bookToken)
	form.Set("struct_payment_method", string(payment))
	form.Set("source_id", c.SourceID)

	var out Confirmation
	if err := c.postForm(ctx, authToken, proxyURL, "/3/book", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel releases a reservation by confirmation token.
func (c *Client) Cancel(ctx context.Context, authToken, proxyURL, confirmationToken string) error {
	form := url.Values{}
	form.Set("confirmation_token", confirmationToken)
	return c.postForm(ctx, authToken, proxyURL, "/3/cancel", form, nil)
}

// GetUpcomingReservations lists the authenticated user's future
// reservations.
func (c *Client) GetUpcomingReservations(ctx context.Context, authToken, proxyURL string) ([]UpcomingReservation, error) {
	var out struct {
		Reservations []UpcomingReservation `json:"reservations"`
	}
	if err := c.getJSON(ctx, authToken, proxyURL, "/3/user/reservations", url.Values{}, &out); err != nil {
		return nil, err
	}
	return out.Reservations, nil
}

// GetCalendar returns day-level availability for a venue over a range.
func (c *Client) GetCalendar(ctx context.Context, authToken, proxyURL, venueID string, partySize int, startDate, endDate string) ([]CalendarDay, error) {
	q := url.Values{}
	q.Set("venue_id", venueID)
	q.Set("num_seats", strconv.Itoa(partySize))
	q.Set("start_date", startDate)
	q.Set("end_date", endDate)

	var out struct {
		Days []CalendarDay `json:"days"`
	}
	if err := c.getJSON(ctx, authToken, proxyURL, "/4/venue/calendar", q, &out); err != nil {
		return nil, err
	}
	return out.Days, nil
}

// --- transport ---

func (c *Client) getJSON(ctx context.Context, authToken, proxyURL, path string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path+"?"+q.Encode(), authToken, "")
	if err != nil {
		return err
	}
	return c.do(req, proxyURL, out)
}

func (c *Client) postForm(ctx context.Context, authToken, proxyURL, path string, form url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, authToken, form.Encode())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, proxyURL, out)
}

func (c *Client) newRequest(ctx context.Context, method, pathAndQuery, authToken, body string) (*http.Request, error) {
	if authToken != "" && !httpguts.ValidHeaderFieldValue(authToken) {
		return nil, ErrInvalidAuthToken
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+pathAndQuery, reader)
	if err != nil {
		return nil, err
	}

	ua := c.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.APIKey)
	if authToken != "" {
		req.Header.Set("X-Auth-Token", authToken)
	}
	return req, nil
}

// do executes the request through an optional forward proxy. The
// transport is per-request: proxied calls must not share pooled
// connections across proxies.
func (c *Client) do(req *http.Request, proxyURL string, out any) error {
	transport := &http.Transport{
		DisableKeepAlives: true,
		ForceAttemptHTTP2: true,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := &http.Client{Transport: transport, Timeout: timeout}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Status:  resp.StatusCode,
			Code:    extractErrorCode(body),
			RawBody: body,
		}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// extractErrorCode pulls an optional machine code out of an error body.
func extractErrorCode(body []byte) string {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Code
}
