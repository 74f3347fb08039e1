package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = newTimeParser()

func newTimeParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseSince turns an RFC 3339 timestamp or a natural language expression
// relative to now ("2 hours ago", "yesterday") into a time.
func parseSince(expr string, now time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t, nil
	}

	r, err := timeParser.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", expr, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q", expr)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("time %q is in the future", expr)
	}
	return r.Time, nil
}
