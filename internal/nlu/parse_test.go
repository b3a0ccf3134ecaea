package nlu

import (
	"testing"
	"time"
)

func TestParseIntent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    Intent
		wantErr bool
	}{
		{
			name: "add full",
			raw:  `{"intent":"add","service":"Netflix","amount":9.99,"currency":"usd","period_days":30,"next_payment":"2024-02-01"}`,
			want: Intent{Intent: IntentAdd, Service: "Netflix", Amount: 9.99, Currency: "USD", PeriodDays: 30, NextPayment: "2024-02-01"},
		},
		{
			name: "add defaults period and currency",
			raw:  `{"intent":"add","service":"Spotify","amount":5}`,
			want: Intent{Intent: IntentAdd, Service: "Spotify", Amount: 5, Currency: "USD", PeriodDays: 30},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"intent\":\"list\"}\n```",
			want: Intent{Intent: IntentList},
		},
		{
			name: "delete",
			raw:  `{"intent":"delete","service":" Netflix "}`,
			want: Intent{Intent: IntentDelete, Service: "Netflix"},
		},
		{
			name: "total",
			raw:  `{"intent":"total"}`,
			want: Intent{Intent: IntentTotal},
		},
		{
			name:    "add without amount",
			raw:     `{"intent":"add","service":"Netflix"}`,
			wantErr: true,
		},
		{
			name:    "add with bogus currency",
			raw:     `{"intent":"add","service":"Netflix","amount":9.99,"currency":"DOLLARS"}`,
			wantErr: true,
		},
		{
			name:    "delete without service",
			raw:     `{"intent":"delete"}`,
			wantErr: true,
		},
		{
			name:    "bad intent value",
			raw:     `{"intent":"subscribe"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `Sure! I added Netflix for you.`,
			wantErr: true,
		},
		{
			name:    "empty",
			raw:     ``,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseIntent(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				if got.Intent != IntentUnknown {
					t.Errorf("failed parse yields intent %q, want unknown", got.Intent)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseIntent: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDueTime(t *testing.T) {
	t.Parallel()

	today := time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)

	t.Run("explicit date", func(t *testing.T) {
		t.Parallel()
		it := Intent{Intent: IntentAdd, PeriodDays: 30, NextPayment: "2024-02-01"}
		got, err := it.DueTime(today)
		if err != nil {
			t.Fatalf("DueTime: %v", err)
		}
		want := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("defaults to one period out", func(t *testing.T) {
		t.Parallel()
		it := Intent{Intent: IntentAdd, PeriodDays: 30}
		got, err := it.DueTime(today)
		if err != nil {
			t.Fatalf("DueTime: %v", err)
		}
		want := today.Add(30 * 24 * time.Hour)
		if !got.Equal(want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("garbage date", func(t *testing.T) {
		t.Parallel()
		it := Intent{Intent: IntentAdd, PeriodDays: 30, NextPayment: "next tuesday"}
		if _, err := it.DueTime(today); err == nil {
			t.Error("expected error for unparseable date")
		}
	})
}
