package delivery

import (
	"net/url"
	"strings"
)

const redacted = "***"

// RedactTarget hides the identifying part of a target before it is written
// to the audit trail. Webhook URLs keep scheme and host, emails keep the
// first letter and domain, phone numbers keep their last four digits.
func RedactTarget(ch Channel, target string) string {
	switch ch {
	case ChannelWebhook:
		return redactURL(target)
	case ChannelEmail:
		return redactEmail(target)
	case ChannelSMS:
		return redactPhone(target)
	default:
		return redacted
	}
}

func redactURL(target string) string {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return redacted
	}
	out := u.Scheme + "://" + u.Hostname()
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		out += "/" + redacted
	}
	return out
}

func redactEmail(target string) string {
	at := strings.LastIndex(target, "@")
	if at < 1 || at == len(target)-1 {
		return redacted
	}
	return target[:1] + redacted + target[at:]
}

func redactPhone(target string) string {
	var digits int
	for _, r := range target {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return redacted
	}
	var b strings.Builder
	seen := 0
	for _, r := range target {
		if r < '0' || r > '9' {
			if r == '+' {
				b.WriteRune(r)
			}
			continue
		}
		seen++
		if seen > digits-4 {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
	}
	return b.String()
}
