// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package leader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/foundry/pkg/errors"
)

// CronSchedule is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
type CronSchedule struct {
	minutes  map[int]bool
	hours    map[int]bool
	days     map[int]bool
	months   map[int]bool
	weekdays map[int]bool

	// When both day fields are restricted, standard cron fires on either
	// match rather than requiring both.
	dayRestricted     bool
	weekdayRestricted bool
}

var cronAliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// ParseCron parses a five-field cron expression. Lists, ranges, steps,
// and the common @-aliases are supported.
func ParseCron(expr string) (*CronSchedule, error) {
	if alias, ok := cronAliases[strings.ToLower(strings.TrimSpace(expr))]; ok {
		expr = alias
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, &errors.ValidationError{
			Field:      "cron",
			Message:    fmt.Sprintf("expected 5 cron fields, got %d", len(fields)),
			Suggestion: "use minute hour day-of-month month day-of-week, e.g. */5 * * * *",
		}
	}

	c := &CronSchedule{}
	var err error
	if c.minutes, err = parseCronField(fields[0], 0, 59); err != nil {
		return nil, cronFieldError("minute", err)
	}
	if c.hours, err = parseCronField(fields[1], 0, 23); err != nil {
		return nil, cronFieldError("hour", err)
	}
	if c.days, err = parseCronField(fields[2], 1, 31); err != nil {
		return nil, cronFieldError("day-of-month", err)
	}
	if c.months, err = parseCronField(fields[3], 1, 12); err != nil {
		return nil, cronFieldError("month", err)
	}
	if c.weekdays, err = parseCronField(fields[4], 0, 6); err != nil {
		return nil, cronFieldError("day-of-week", err)
	}

	c.dayRestricted = fields[2] != "*"
	c.weekdayRestricted = fields[4] != "*"
	return c, nil
}

func cronFieldError(field string, err error) error {
	return &errors.ValidationError{
		Field:   "cron",
		Message: fmt.Sprintf("invalid %s field: %v", field, err),
	}
}

func parseCronField(field string, min, max int) (map[int]bool, error) {
	out := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		if err := parseCronPart(out, part, min, max); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseCronPart(out map[int]bool, part string, min, max int) error {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step %q", part[idx+1:])
		}
		step = n
		part = part[:idx]
	}

	start, end := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		lo, hi, _ := strings.Cut(part, "-")
		var err error
		if start, err = strconv.Atoi(lo); err != nil {
			return fmt.Errorf("invalid range start %q", lo)
		}
		if end, err = strconv.Atoi(hi); err != nil {
			return fmt.Errorf("invalid range end %q", hi)
		}
	default:
		n, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid value %q", part)
		}
		start, end = n, n
	}

	if start < min || end > max || start > end {
		return fmt.Errorf("range %d-%d outside [%d-%d]", start, end, min, max)
	}
	for v := start; v <= end; v += step {
		out[v] = true
	}
	return nil
}

// cronSearchHorizon bounds the Next scan; expressions such as a Feb 30
// date never match.
const cronSearchHorizon = 4 * 365 * 24 * time.Hour

// Next returns the first fire time strictly after the given instant,
// evaluated in the given location. The zero time means no occurrence
// inside the search horizon.
func (c *CronSchedule) Next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(cronSearchHorizon)

	for t.Before(limit) {
		if !c.months[int(t.Month())] {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !c.hours[t.Hour()] {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !c.minutes[t.Minute()] {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func (c *CronSchedule) dayMatches(t time.Time) bool {
	dom := c.days[t.Day()]
	dow := c.weekdays[int(t.Weekday())]
	if c.dayRestricted && c.weekdayRestricted {
		return dom || dow
	}
	return dom && dow
}
