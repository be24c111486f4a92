package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Events observed by the services.
const (
	EventPaymentCallback = "payment.callback"
	EventPaymentInitiate = "payment.initiate"
	EventSegment         = "manuscript.segment"
)

// Outcomes observed by the services.
const (
	OutcomeBadSignature = "bad_signature"
	OutcomeRateLimited  = "rate_limited"
	OutcomeFail         = "fail"
)

// Result contains alert evaluation output.
type Result struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// Alerter aggregates suspicious events per source and reports when a
// threshold is reached within a window.
type Alerter struct {
	client redis.UniversalClient
	prefix string
}

// NewAlerter creates an alerter backed by Redis counters. A nil client yields
// a nil alerter, which observes nothing.
func NewAlerter(client redis.UniversalClient, prefix string) *Alerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "pagecraft:alerts"
	}
	return &Alerter{client: client, prefix: prefix}
}

// Observe records an event for source and reports whether the alert threshold is reached.
func (a *Alerter) Observe(ctx context.Context, event, outcome, source string) (Result, error) {
	result := Result{}
	if a == nil || a.client == nil {
		return result, nil
	}
	threshold, window, ok := rule(event, outcome)
	if !ok {
		return result, nil
	}
	windowMs := window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(source), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	result.Triggered = count >= threshold
	return result, nil
}

func rule(event, outcome string) (threshold int64, window time.Duration, ok bool) {
	event = strings.TrimSpace(event)
	switch strings.TrimSpace(outcome) {
	case OutcomeRateLimited:
		return 20, time.Minute, true
	case OutcomeBadSignature:
		if event == EventPaymentCallback {
			return 5, 10 * time.Minute, true
		}
	case OutcomeFail:
		if event == EventSegment {
			return 3, 30 * time.Minute, true
		}
	}
	return 0, 0, false
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
