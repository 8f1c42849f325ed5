package models

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultStrategyName is assigned to strategies parsed without a name
const DefaultStrategyName = "SPX calendar"

// strategyTokens is the token count of "<Day> <Delta> <D1> <D2> <T1> <T2> <TP%> <MaxCost>"
const strategyTokens = 8

var dayAbbreviations = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	"вс": 0, "пн": 1, "вт": 2, "ср": 3, "чт": 4, "пт": 5, "сб": 6,
}

var dayNames = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// ParseDay maps an English three-letter or localized two-letter day
// abbreviation to 0-6 (Sunday=0). ok is false for unknown tokens.
func ParseDay(token string) (day int, ok bool) {
	day, ok = dayAbbreviations[strings.ToLower(strings.TrimSpace(token))]
	return day, ok
}

// ParseStrategy parses the compact strategy grammar, e.g.
// "Mon 70 3 4 09-32 15-30 20% 10000". An unknown day falls back to Monday;
// callers that need to flag that can check the token with ParseDay.
func ParseStrategy(s string) (*Strategy, error) {
	parts := strings.Fields(s)
	if len(parts) != strategyTokens {
		return nil, fmt.Errorf("%w: expected %d tokens, got %d in %q",
			ErrInvalidStrategy, strategyTokens, len(parts), s)
	}

	day, ok := ParseDay(parts[0])
	if !ok {
		day = 1
	}

	delta, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: delta %q: %v", ErrInvalidStrategy, parts[1], err)
	}
	d1, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: d1 %q: %v", ErrInvalidStrategy, parts[2], err)
	}
	d2, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: d2 %q: %v", ErrInvalidStrategy, parts[3], err)
	}
	t1, err := parseGrammarClock(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: t1: %v", ErrInvalidStrategy, err)
	}
	t2, err := parseGrammarClock(parts[5])
	if err != nil {
		return nil, fmt.Errorf("%w: t2: %v", ErrInvalidStrategy, err)
	}
	tp, err := strconv.ParseFloat(strings.TrimSuffix(parts[6], "%"), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: tp %q: %v", ErrInvalidStrategy, parts[6], err)
	}
	maxCost, err := strconv.ParseFloat(parts[7], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: maxCost %q: %v", ErrInvalidStrategy, parts[7], err)
	}

	st := &Strategy{
		Name:        DefaultStrategyName,
		IsActive:    true,
		DayOfWeek:   day,
		Delta:       delta,
		D1:          d1,
		D2:          d2,
		T1:          t1,
		T2:          t2,
		TP:          tp,
		MaxCost:     maxCost,
		Description: "SPX strategy: " + strings.Join(parts, " "),
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// parseGrammarClock accepts only the hyphenated HH-MM form used by the
// strategy grammar.
func parseGrammarClock(tok string) (string, error) {
	if !strings.Contains(tok, "-") {
		return "", fmt.Errorf("malformed time %q, expected HH-MM", tok)
	}
	c, err := ParseClock(tok)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// FormatStrategy renders a strategy in the compact grammar accepted by
// ParseStrategy.
func FormatStrategy(s *Strategy) string {
	day := "Mon"
	if s.DayOfWeek >= 0 && s.DayOfWeek < len(dayNames) {
		day = dayNames[s.DayOfWeek]
	}
	return strings.Join([]string{
		day,
		formatNumber(s.Delta),
		strconv.Itoa(s.D1),
		strconv.Itoa(s.D2),
		normalizeClock(s.T1),
		normalizeClock(s.T2),
		formatNumber(s.TP) + "%",
		formatNumber(s.MaxCost),
	}, " ")
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
