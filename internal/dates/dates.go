package dates

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// Layout is the stored due date format.
const Layout = "2006-01-02"

var parser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseDue accepts an ISO date ("2024-03-01") or a natural phrase ("next friday",
// "in 3 days") and returns the calendar date relative to now.
func ParseDue(text string, now time.Time) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty due date")
	}
	if t, err := time.Parse(Layout, text); err == nil {
		return t.Format(Layout), nil
	}
	res, err := parser.Parse(text, now)
	if err != nil {
		return "", fmt.Errorf("parse due date %q: %w", text, err)
	}
	if res == nil {
		return "", fmt.Errorf("unrecognized due date %q", text)
	}
	return res.Time.Format(Layout), nil
}
