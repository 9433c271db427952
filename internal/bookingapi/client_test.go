package bookingapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(url string) *Client {
	return NewClient(url, "test-key", "test-source")
}

func TestClassify_Taxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"waf empty body", 500, "", KindWAFBlocked},
		{"waf bare object", 500, "{}", KindWAFBlocked},
		{"waf whitespace object", 500, " {}\n", KindWAFBlocked},
		{"server error with body", 500, `{"message":"internal"}`, KindServerError},
		{"sold out", 412, `{"code":"no_availability"}`, KindSoldOut},
		{"rate limited", 429, "", KindRateLimited},
		{"auth 401", 401, "", KindAuthFailed},
		{"auth 403", 403, "", KindAuthFailed},
		{"auth 419", 419, "", KindAuthFailed},
		{"unknown", 502, "bad gateway", KindUnknown},
	}
	for _, tc := range cases {
		err := &APIError{Status: tc.status, RawBody: []byte(tc.body)}
		if got := Classify(err); got != tc.want {
			t.Fatalf("%s: Classify = %s, want %s", tc.name, got, tc.want)
		}
	}
	if got := Classify(nil); got != KindSuccess {
		t.Fatalf("Classify(nil) = %s", got)
	}
	if got := Classify(errors.New("dial tcp: timeout")); got != KindUnknown {
		t.Fatalf("Classify(transport) = %s", got)
	}
}

func TestFindSlots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/4/find" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("party_size"); got != "2" {
			t.Errorf("party_size = %s", got)
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("api key header = %s", got)
		}
		if got := r.Header.Get("X-Auth-Token"); got != "tok" {
			t.Errorf("auth header = %s", got)
		}
		w.Write([]byte(`{"slots":[{"config_id":"t1","time":"19:30","table_type":"Dining Room"}]}`))
	}))
	defer srv.Close()

	slots, err := newTestClient(srv.URL).FindSlots(context.Background(), "tok", "", "venue-1", "2025-12-20", 2)
	if err != nil {
		t.Fatalf("FindSlots: %v", err)
	}
	if len(slots) != 1 || slots[0].ConfigID != "t1" || slots[0].Time != "19:30" {
		t.Fatalf("slots = %+v", slots)
	}
}

func TestGetDetails_AuthTokenInQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("auth_token"); got != "tok" {
			t.Errorf("auth_token query = %s", got)
		}
		w.Write([]byte(`{"book_token":{"value":"b1","date_expires":"2025-12-20 10:05:00"}}`))
	}))
	defer srv.Close()

	bt, err := newTestClient(srv.URL).GetDetails(context.Background(), "tok", "", "venue-1", "2025-12-20", 2, "t1")
	if err != nil {
		t.Fatalf("GetDetails: %v", err)
	}
	if bt == nil || bt.Value != "b1" {
		t.Fatalf("book token = %+v", bt)
	}
}

func TestGetDetails_MissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"book_token":null}`))
	}))
	defer srv.Close()

	bt, err := newTestClient(srv.URL).GetDetails(context.Background(), "tok", "", "venue-1", "2025-12-20", 2, "t1")
	if err != nil {
		t.Fatalf("GetDetails: %v", err)
	}
	if bt != nil {
		t.Fatalf("expected nil book token, got %+v", bt)
	}
}

func TestBook_FormEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %s", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("book_token"); got != "b1" {
			t.Errorf("book_token = %s", got)
		}
		if got := r.PostForm.Get("struct_payment_method"); got != `{"id":7}` {
			t.Errorf("struct_payment_method = %s", got)
		}
		if got := r.PostForm.Get("source_id"); got != "test-source" {
			t.Errorf("source_id = %s", got)
		}
		w.Write([]byte(`{"reservation_id":42,"confirmation_token":"c1"}`))
	}))
	defer srv.Close()

	conf, err := newTestClient(srv.URL).Book(context.Background(), "tok", "", "b1", 7)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if conf.ReservationID != 42 || conf.ConfirmationToken != "c1" {
		t.Fatalf("confirmation = %+v", conf)
	}
}

func TestBook_SoldOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(412)
		w.Write([]byte(`{"code":"no_availability"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Book(context.Background(), "tok", "", "b1", 7)
	if Classify(err) != KindSoldOut {
		t.Fatalf("expected SOLD_OUT, got %v (%v)", Classify(err), err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "no_availability" {
		t.Fatalf("expected APIError with code, got %v", err)
	}
}

func TestInvalidAuthTokenRejectedLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FindSlots(context.Background(), "bad\ntoken", "", "v", "2025-12-20", 2)
	if !errors.Is(err, ErrInvalidAuthToken) {
		t.Fatalf("expected ErrInvalidAuthToken, got %v", err)
	}
	if Classify(err) != KindAuthFailed {
		t.Fatalf("invalid token should classify AUTH_FAILED")
	}
}

func TestGetCalendar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("num_seats"); got != "2" {
			t.Errorf("num_seats = %s", got)
		}
		w.Write([]byte(`{"days":[{"date":"2025-12-20","status":"available"},{"date":"2025-12-21","status":"sold-out"}]}`))
	}))
	defer srv.Close()

	days, err := newTestClient(srv.URL).GetCalendar(context.Background(), "tok", "", "venue-1", 2, "2025-12-01", "2025-12-31")
	if err != nil {
		t.Fatalf("GetCalendar: %v", err)
	}
	if len(days) != 2 || days[0].Status != CalendarStatusAvailable {
		t.Fatalf("days = %+v", days)
	}
}
