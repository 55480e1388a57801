package window

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		start     time.Time
		end       time.Time
		g         Granularity
		want      Window
		wantErrIs error
	}{
		{
			name:  "date granularity floors both bounds",
			start: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			end:   time.Date(2024, 1, 16, 14, 0, 0, 0, time.UTC),
			g:     GranularityDate,
			want: Window{
				Start:       time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
				End:         time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
				Granularity: GranularityDate,
			},
		},
		{
			name:  "timestamp granularity passes through",
			start: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			end:   time.Date(2024, 1, 16, 14, 0, 0, 0, time.UTC),
			g:     GranularityTimestamp,
			want: Window{
				Start:       time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
				End:         time.Date(2024, 1, 16, 14, 0, 0, 0, time.UTC),
				Granularity: GranularityTimestamp,
			},
		},
		{
			name:  "same day collapses to an empty date window",
			start: time.Date(2024, 1, 15, 1, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 1, 15, 23, 0, 0, 0, time.UTC),
			g:     GranularityDate,
			want: Window{
				Start:       time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
				End:         time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
				Granularity: GranularityDate,
			},
		},
		{
			name:      "unknown granularity",
			start:     time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			end:       time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
			g:         "hour",
			wantErrIs: ErrInvalidGranularity,
		},
		{
			name:      "end before start",
			start:     time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
			end:       time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			g:         GranularityDate,
			wantErrIs: ErrInvalidWindow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Compute(tt.start, tt.end, tt.g)
			if tt.wantErrIs != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErrIs))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvalidGranularityErrorIsTyped(t *testing.T) {
	t.Parallel()

	_, err := ParseGranularity("weekly")
	require.Error(t, err)

	var target *InvalidGranularityError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "weekly", target.Value)

	g, err := ParseGranularity("date")
	require.NoError(t, err)
	assert.Equal(t, GranularityDate, g)
}

func TestWindowLiterals(t *testing.T) {
	t.Parallel()

	w := Window{
		Start:       time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		End:         time.Date(2024, 1, 15, 11, 0, 0, 500000000, time.UTC),
		Granularity: GranularityTimestamp,
	}
	assert.Equal(t, "2024-01-15T10:30:00", w.StartLiteral())
	assert.Equal(t, "2024-01-15T11:00:00.5", w.EndLiteral())
	assert.Equal(t, "[2024-01-15T10:30:00, 2024-01-15T11:00:00.5)", w.String())

	d := Window{Start: w.Start, End: w.End, Granularity: GranularityDate}
	assert.Equal(t, "2024-01-15", d.StartLiteral())
}

func TestWindowContainsIsHalfOpen(t *testing.T) {
	t.Parallel()

	w, err := Compute(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), GranularityDate)
	require.NoError(t, err)

	assert.True(t, w.Contains(w.Start))
	assert.True(t, w.Contains(w.End.Add(-time.Nanosecond)))
	assert.False(t, w.Contains(w.End))
	assert.False(t, w.IsEmpty())

	empty := Window{Start: w.Start, End: w.Start, Granularity: GranularityDate}
	assert.True(t, empty.IsEmpty())
	assert.False(t, empty.Contains(w.Start))
}

func TestModifiersApply(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)

	s, e, err := Modifiers{Start: "-1d", End: "-2h"}.Apply(start, end)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC), s)
	assert.Equal(t, time.Date(2024, 1, 15, 22, 0, 0, 0, time.UTC), e)

	_, _, err = Modifiers{Start: "yesterday"}.Apply(start, end)
	require.Error(t, err)
	assert.True(t, Modifiers{}.IsZero())
}
