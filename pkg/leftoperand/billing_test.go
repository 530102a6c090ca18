package leftoperand

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func date(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestLimitDateFact(t *testing.T) {
	subs := []Subscription{
		{SubscriptionID: "old", LimitDate: date("2025-01-01")},
		{SubscriptionID: "mid", LimitDate: date("2026-09-01")},
		{SubscriptionID: "far", LimitDate: date("2027-01-01")},
	}
	got := LimitDateFact(subs, date("2026-08-29"))
	if !got.Equal(date("2027-01-01")) {
		t.Fatalf("expected the latest qualifying date, got %v", got)
	}
	if got := LimitDateFact(subs, date("2028-01-01")); !got.IsZero() {
		t.Fatalf("no qualifying subscription must yield zero time, got %v", got)
	}
}

func TestPayAmountFact(t *testing.T) {
	subs := []Subscription{{PayAmount: 50}, {PayAmount: 120}}
	if got := PayAmountFact(subs, 100); got != 120 {
		t.Fatalf("expected 120, got %v", got)
	}
	if got := PayAmountFact(subs, 200); got != 0 {
		t.Fatalf("no qualifying subscription must resolve to 0, got %v", got)
	}
}

func TestUsageCountFact(t *testing.T) {
	subs := []Subscription{{UsageCount: 3}, {UsageCount: 9}}
	if got := UsageCountFact(subs, 5); got != 9 {
		t.Fatalf("expected 9, got %v", got)
	}
	if got := UsageCountFact(nil, 1); got != 0 {
		t.Fatalf("empty subscriptions must resolve to 0, got %v", got)
	}
}

func TestResolveConstraintSelectsQualifyingSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"subscriptionId": "basic", "payAmount": 50},
			{"subscriptionId": "premium", "payAmount": 120}
		]`))
	}))
	defer srv.Close()

	r := New(Config{PayAmount: {URL: srv.URL}}, srv.Client(), 0, time.Millisecond)
	got, err := r.ResolveConstraint(context.Background(), PayAmount, nil, float64(100))
	if err != nil {
		t.Fatalf("resolve constraint: %v", err)
	}
	if got != float64(120) {
		t.Fatalf("expected the qualifying subscription's amount, got %v (%T)", got, got)
	}

	got, err = r.ResolveConstraint(context.Background(), PayAmount, nil, float64(200))
	if err != nil {
		t.Fatalf("resolve constraint: %v", err)
	}
	if got != float64(0) {
		t.Fatalf("no qualifying subscription must resolve to 0, got %v", got)
	}
}

func TestResolveConstraintLimitDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"subscriptionId": "old", "limitDate": "2025-01-01T00:00:00Z"},
			{"subscriptionId": "current", "limitDate": "2027-01-01T00:00:00Z"}
		]`))
	}))
	defer srv.Close()

	r := New(Config{LimitDate: {URL: srv.URL}}, srv.Client(), 0, time.Millisecond)
	got, err := r.ResolveConstraint(context.Background(), LimitDate, nil, "2026-08-29")
	if err != nil {
		t.Fatalf("resolve constraint: %v", err)
	}
	ts, ok := got.(time.Time)
	if !ok || !ts.Equal(date("2027-01-01")) {
		t.Fatalf("expected the qualifying limit date, got %v (%T)", got, got)
	}
}

func TestResolveConstraintScalarPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"payAmount": 75}`))
	}))
	defer srv.Close()

	r := New(Config{PayAmount: {URL: srv.URL, RemoteValue: "payAmount"}}, srv.Client(), 0, time.Millisecond)
	got, err := r.ResolveConstraint(context.Background(), PayAmount, nil, float64(100))
	if err != nil || got != float64(75) {
		t.Fatalf("scalar response must pass through untouched: %v %v", got, err)
	}
}
