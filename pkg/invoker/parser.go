package invoker

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StderrParser extracts structured signals from a backend's free-form
// stderr. The regexes are inherently fragile, so each backend keeps all of
// its patterns behind this one interface and nothing else in the system
// touches raw stderr.
type StderrParser interface {
	// ParseSession returns a discovered session id, or ""
	ParseSession(stderr string) string
	// ParseTurns returns a reported turn count, or 0
	ParseTurns(stderr string) int
	// DetectRateLimit returns the raw reset token and whether a
	// rate-limit signal was present
	DetectRateLimit(stderr string) (string, bool)
}

var (
	rateLimitRe = regexp.MustCompile(`(?i)rate.?limit|token.?exhaust|too.?many.?requests|\b429\b`)
	// First duration/time-like token near a rate-limit message: "+3600",
	// "retry after 120", "resets at 1767225600", "60s"
	resetTokenRe = regexp.MustCompile(`[+]?\d{1,12}`)

	sessionRe = []*regexp.Regexp{
		regexp.MustCompile(`Session:\s*([0-9a-fA-F][0-9a-fA-F-]+)`),
		regexp.MustCompile(`(?i)session[_-]?id[=:]\s*([0-9a-fA-F][0-9a-fA-F-]+)`),
	}

	turnsRe = []*regexp.Regexp{
		regexp.MustCompile(`(?i)turns?(?:\s+used)?\s*:\s*(\d+)(?:/\d+)?`),
		regexp.MustCompile(`(?i)max(?:imum)?\s+turns\s+reached\D*(\d+)`),
	}
)

// claudeParser handles the hosted CLI's stderr
type claudeParser struct{}

func (claudeParser) ParseSession(stderr string) string {
	for _, re := range sessionRe {
		if m := re.FindStringSubmatch(stderr); m != nil {
			return m[1]
		}
	}
	return ""
}

func (claudeParser) ParseTurns(stderr string) int {
	for _, re := range turnsRe {
		if m := re.FindStringSubmatch(stderr); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func (claudeParser) DetectRateLimit(stderr string) (string, bool) {
	loc := rateLimitRe.FindStringIndex(stderr)
	if loc == nil {
		return "", false
	}
	// Look for the first reset-like token after the match
	tail := stderr[loc[1]:]
	if tok := resetTokenRe.FindString(tail); tok != "" {
		return tok, true
	}
	return "60", true
}

// ollamaParser handles the local daemon. Ollama has no sessions and no
// turn accounting; only the rate-limit scan applies (a local reverse proxy
// can still emit 429s).
type ollamaParser struct{}

func (ollamaParser) ParseSession(string) string { return "" }

func (ollamaParser) ParseTurns(string) int { return 0 }

func (ollamaParser) DetectRateLimit(stderr string) (string, bool) {
	return claudeParser{}.DetectRateLimit(stderr)
}

// ParserFor returns the stderr parser for a backend kind
func ParserFor(local bool) StderrParser {
	if local {
		return ollamaParser{}
	}
	return claudeParser{}
}

// ResolveReset interprets a raw reset token as a deadline. Bare numbers and
// "+N" forms are seconds unless the magnitude says epoch; zero or negative
// values fall back to 60 seconds. The chosen interpretation is returned for
// logging.
func ResolveReset(token string, now time.Time) (time.Time, string) {
	token = strings.TrimSpace(token)
	plus := strings.HasPrefix(token, "+")
	n, err := strconv.ParseInt(strings.TrimPrefix(token, "+"), 10, 64)
	if err != nil || n <= 0 {
		return now.Add(60 * time.Second), "default-60s"
	}
	// Anything epoch-sized is an absolute timestamp; "+N" is always relative
	if !plus && n >= 1_000_000_000 {
		at := time.Unix(n, 0)
		if at.Before(now) {
			return now.Add(60 * time.Second), "stale-epoch-default-60s"
		}
		return at, "epoch"
	}
	return now.Add(time.Duration(n) * time.Second), "relative-seconds"
}
