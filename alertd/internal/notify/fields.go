package notify

import (
	"fmt"
	"time"

	"github.com/autointelli/alertd/pkg/types"
)

// ist is India Standard Time, the customer-facing zone of the alert emails.
var ist = time.FixedZone("IST", 5*3600+30*60)

// derivedFields are added by Enrich and left out of the generic field listing.
var derivedFields = map[string]bool{
	"rule_name":      true,
	"customer_id":    true,
	"alert_time_utc": true,
	"alert_time_ist": true,
	"downtime_human": true,
}

// Enrich returns a copy of fields with the rule and time fields added.
// Caller-provided values win over rule-derived ones.
func Enrich(fields map[string]any, rule *types.Rule, now time.Time) map[string]any {
	out := make(map[string]any, len(fields)+5)
	if rule != nil {
		out["rule_name"] = rule.Name
		out["customer_id"] = rule.CustomerID
	}
	for k, v := range fields {
		out[k] = v
	}

	out["alert_time_utc"] = FormatUTC(now)
	out["alert_time_ist"] = now.In(ist).Format("2006-01-02 15:04:05") + " IST"

	if secs, ok := downtimeSeconds(out["downtime"]); ok {
		out["downtime_human"] = HumanDuration(secs)
	}
	return out
}

// FormatUTC renders t as ISO-8601 UTC with a trailing Z. The fraction has
// six digits and is omitted when the time has no sub-second part.
func FormatUTC(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	if us := t.Nanosecond() / 1000; us != 0 {
		return fmt.Sprintf("%s.%06dZ", base, us)
	}
	return base + "Z"
}

// HumanDuration renders whole seconds as "Nd Nh Nm Ns", omitting the day part when zero.
func HumanDuration(secs int64) string {
	if secs < 0 {
		secs = 0
	}
	days := secs / 86400
	hours := secs % 86400 / 3600
	mins := secs % 3600 / 60
	s := secs % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, mins, s)
	}
	return fmt.Sprintf("%dh %dm %ds", hours, mins, s)
}

func downtimeSeconds(v any) (int64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case *int64:
		if x == nil {
			return 0, false
		}
		return *x, true
	case int64:
		return x, true
	case int:
		return int64(x), true
	}
	f, ok := types.ToFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}
