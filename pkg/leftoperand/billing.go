package leftoperand

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Operand names the billing system answers with a subscription list.
const (
	PayAmount  = "payAmount"
	UsageCount = "usageCount"
	LimitDate  = "limitDate"
)

// Subscription is one billing entry returned by the billing system for a
// participant/resource pair.
type Subscription struct {
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	LimitDate      time.Time `json:"limitDate,omitempty"`
	PayAmount      float64   `json:"payAmount,omitempty"`
	UsageCount     float64   `json:"usageCount,omitempty"`
}

// LimitDateFact picks the most recent subscription whose limit date is at
// or after the required date. The zero time means no qualifying
// subscription; the engine treats that as a denial upstream.
func LimitDateFact(subs []Subscription, required time.Time) time.Time {
	var best time.Time
	for _, sub := range subs {
		if sub.LimitDate.Before(required) {
			continue
		}
		if sub.LimitDate.After(best) {
			best = sub.LimitDate
		}
	}
	return best
}

// PayAmountFact picks a subscription whose paid amount meets the required
// value, resolving to 0 when none qualifies.
func PayAmountFact(subs []Subscription, required float64) float64 {
	for _, sub := range subs {
		if sub.PayAmount >= required {
			return sub.PayAmount
		}
	}
	return 0
}

// UsageCountFact picks a subscription whose usage count meets the
// required value, resolving to 0 when none qualifies.
func UsageCountFact(subs []Subscription, required float64) float64 {
	for _, sub := range subs {
		if sub.UsageCount >= required {
			return sub.UsageCount
		}
	}
	return 0
}

// ResolveConstraint resolves a fact with the policy constraint's required
// value in hand. When the billing system answers one of the subscription
// operands with a list, the entry satisfying the requirement is selected
// here so the engine compares a scalar, never the list itself. Scalar
// responses pass through untouched.
func (r *Resolver) ResolveConstraint(ctx context.Context, name string, params map[string]string, required any) (any, error) {
	value, err := r.Resolve(ctx, name, params)
	if err != nil {
		return nil, err
	}
	subs, ok := asSubscriptions(value)
	if !ok {
		return value, nil
	}
	switch name {
	case PayAmount:
		if req, ok := requiredFloat(required); ok {
			return PayAmountFact(subs, req), nil
		}
	case UsageCount:
		if req, ok := requiredFloat(required); ok {
			return UsageCountFact(subs, req), nil
		}
	case LimitDate:
		if req, ok := requiredTime(required); ok {
			return LimitDateFact(subs, req), nil
		}
	}
	return value, nil
}

func asSubscriptions(value any) ([]Subscription, bool) {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return nil, false
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, false
	}
	var subs []Subscription
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, false
	}
	return subs, true
}

func requiredFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func requiredTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
