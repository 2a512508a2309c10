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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "every minute", expr: "* * * * *"},
		{name: "every five minutes", expr: "*/5 * * * *"},
		{name: "weekday mornings", expr: "0 9 * * 1-5"},
		{name: "lists and ranges", expr: "0,30 8-18/2 1,15 * *"},
		{name: "hourly alias", expr: "@hourly"},
		{name: "daily alias", expr: "@daily"},
		{name: "too few fields", expr: "* * * *", wantErr: true},
		{name: "minute out of range", expr: "60 * * * *", wantErr: true},
		{name: "inverted range", expr: "30-10 * * * *", wantErr: true},
		{name: "zero step", expr: "*/0 * * * *", wantErr: true},
		{name: "garbage", expr: "banana * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCron(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func mustCron(t *testing.T, expr string) *CronSchedule {
	t.Helper()
	c, err := ParseCron(expr)
	require.NoError(t, err)
	return c
}

func TestCronNext(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 7, 30, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{
			name: "quarter hour",
			expr: "*/15 * * * *",
			from: base,
			want: time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC),
		},
		{
			name: "top of next hour",
			expr: "0 * * * *",
			from: base,
			want: time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "next weekday morning",
			// 2026-08-28 is a Friday; the next 09:00 on a weekday after
			// Friday 10:07 is Monday the 31st.
			expr: "0 9 * * 1-5",
			from: time.Date(2026, 8, 28, 10, 7, 0, 0, time.UTC),
			want: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "first of month",
			expr: "0 0 1 * *",
			from: base,
			want: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exact boundary is strictly after",
			expr: "0 12 * * *",
			from: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustCron(t, tt.expr).Next(tt.from, time.UTC)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestCronNextInTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 09:30 New York is 13:30 UTC during daylight saving.
	c := mustCron(t, "30 9 * * *")
	from := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	got := c.Next(from, ny)
	assert.True(t, got.Equal(time.Date(2026, 8, 25, 13, 30, 0, 0, time.UTC)),
		"got %s", got)
}

func TestCronDayFieldsAreAlternatives(t *testing.T) {
	// Standard cron fires when either restricted day field matches:
	// the 15th OR any Sunday.
	c := mustCron(t, "0 0 15 * 0")

	// 2026-09-06 is a Sunday before the 15th.
	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	first := c.Next(from, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 6, 0, 0, 0, 0, time.UTC), first)

	second := c.Next(first, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 13, 0, 0, 0, 0, time.UTC), second)

	third := c.Next(second, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC), third)
}

func TestCronNeverMatchesReturnsZero(t *testing.T) {
	c := mustCron(t, "0 0 30 2 *")
	got := c.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	assert.True(t, got.IsZero(), "february 30th never fires")
}
