package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ani-regulations/internal/regulation"
)

type stubSource struct {
	records []regulation.Record
	calls   int
	start   int
	end     int
}

func (s *stubSource) ScrapePages(_ context.Context, start, end int) []regulation.Record {
	s.calls++
	s.start, s.end = start, end
	return s.records
}

func latestAt(t time.Time) LatestFunc {
	return func(context.Context) (time.Time, bool, error) { return t, true, nil }
}

func TestCheck(t *testing.T) {
	t.Parallel()

	persisted := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		records   []regulation.Record
		latest    LatestFunc
		want      bool
		wantCalls int
	}{
		{
			name:      "accessor fails",
			latest:    func(context.Context) (time.Time, bool, error) { return time.Time{}, false, errors.New("db down") },
			want:      true,
			wantCalls: 0,
		},
		{
			name:      "no history",
			latest:    func(context.Context) (time.Time, bool, error) { return time.Time{}, false, nil },
			want:      true,
			wantCalls: 0,
		},
		{
			name:      "strictly newer",
			records:   []regulation.Record{{CreatedAt: "2024-03-15"}, {CreatedAt: "2024-03-16"}},
			latest:    latestAt(persisted),
			want:      true,
			wantCalls: 1,
		},
		{
			name:      "equal is not new",
			records:   []regulation.Record{{CreatedAt: "2024-03-15"}, {CreatedAt: "2024-03-01"}},
			latest:    latestAt(persisted),
			want:      false,
			wantCalls: 1,
		},
		{
			name:      "unparseable skipped",
			records:   []regulation.Record{{CreatedAt: "marzo 2024"}, {CreatedAt: ""}},
			latest:    latestAt(persisted),
			want:      false,
			wantCalls: 1,
		},
		{
			name:      "zoned latest compared on wall clock",
			records:   []regulation.Record{{CreatedAt: "2024-03-15 10:00:00"}},
			latest:    latestAt(time.Date(2024, 3, 15, 10, 0, 0, 0, time.FixedZone("COT", -5*3600))),
			want:      false,
			wantCalls: 1,
		},
		{
			name:      "empty pages",
			latest:    latestAt(persisted),
			want:      false,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := &stubSource{records: tt.records}
			got := New(src, nil).Check(context.Background(), tt.latest, 0)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.wantCalls, src.calls)
		})
	}
}

func TestCheckPageRange(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	p := New(src, nil)

	p.Check(context.Background(), latestAt(time.Now()), 0)
	require.Equal(t, 0, src.start)
	require.Equal(t, DefaultPages-1, src.end)

	p.Check(context.Background(), latestAt(time.Now()), 1)
	require.Equal(t, 0, src.end)
}
