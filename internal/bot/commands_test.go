package bot

import (
	"strings"
	"testing"
	"time"

	"subwatch/internal/storage"
)

func TestParseAddArgs(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		args    []string
		want    storage.Subscription
		wantErr bool
	}{
		{
			name: "full form",
			args: []string{"Netflix", "9.99", "usd", "30", "2024-02-01"},
			want: storage.Subscription{Service: "Netflix", Amount: 9.99, Currency: "usd", PeriodDays: 30,
				NextDue: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		},
		{
			name: "multi-word service",
			args: []string{"YouTube", "Premium", "11.99", "EUR"},
			want: storage.Subscription{Service: "YouTube Premium", Amount: 11.99, Currency: "EUR", PeriodDays: 30,
				NextDue: now.Add(30 * 24 * time.Hour)},
		},
		{
			name: "defaults to monthly one period out",
			args: []string{"Spotify", "5", "USD"},
			want: storage.Subscription{Service: "Spotify", Amount: 5, Currency: "USD", PeriodDays: 30,
				NextDue: now.Add(30 * 24 * time.Hour)},
		},
		{
			name: "custom period",
			args: []string{"VPS", "40", "USD", "90"},
			want: storage.Subscription{Service: "VPS", Amount: 40, Currency: "USD", PeriodDays: 90,
				NextDue: now.Add(90 * 24 * time.Hour)},
		},
		{name: "too few args", args: []string{"Netflix", "9.99"}, wantErr: true},
		{name: "no amount", args: []string{"Netflix", "nine", "USD"}, wantErr: true},
		{name: "negative amount", args: []string{"Netflix", "-5", "USD"}, wantErr: true},
		{name: "zero period", args: []string{"Netflix", "9.99", "USD", "0"}, wantErr: true},
		{name: "garbage tail", args: []string{"Netflix", "9.99", "USD", "soon"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseAddArgs(tc.args, now)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAddArgs: %v", err)
			}
			if got.ID == "" {
				t.Error("missing generated id")
			}
			got.ID = ""
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		wantCmd  string
		wantArgs int
	}{
		{"/add Netflix 9.99 USD", "add", 3},
		{"/add@subwatch_bot Netflix 9.99 USD", "add", 3},
		{"/LIST", "list", 0},
		{"/help", "help", 0},
	}
	for _, tc := range cases {
		cmd, args := splitCommand(tc.in)
		if cmd != tc.wantCmd || len(args) != tc.wantArgs {
			t.Errorf("splitCommand(%q) = (%q, %d args), want (%q, %d)", tc.in, cmd, len(args), tc.wantCmd, tc.wantArgs)
		}
	}
}

func TestRenderList(t *testing.T) {
	t.Parallel()

	subs := []storage.Subscription{
		{Service: "Netflix", Amount: 9.99, Currency: "USD", PeriodDays: 30,
			NextDue: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{Service: "iCloud", Amount: 0.99, Currency: "USD", PeriodDays: 30,
			NextDue: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)},
	}
	totals := map[string]float64{"USD": 10.98}

	out := renderList(subs, totals).String()
	for _, want := range []string{"Netflix", "9.99 USD", "monthly", "2024-02-01", "iCloud", "Monthly total", "10.98 USD"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "\n\n<b>Monthly total</b>") {
		t.Errorf("totals block not separated by a blank line:\n%s", out)
	}
}

func TestRenderListEmpty(t *testing.T) {
	t.Parallel()

	out := renderList(nil, nil).String()
	if !strings.Contains(out, "/add") {
		t.Errorf("empty list should hint at /add, got %q", out)
	}
}

func TestPeriodLabel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		days int
		want string
	}{
		{7, "weekly"},
		{30, "monthly"},
		{31, "monthly"},
		{365, "yearly"},
		{90, "every 90 days"},
	}
	for _, tc := range cases {
		if got := periodLabel(tc.days); got != tc.want {
			t.Errorf("periodLabel(%d) = %q, want %q", tc.days, got, tc.want)
		}
	}
}
