package bot

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"subwatch/internal/storage"
	"subwatch/pkg/tgui"
)

func renderList(subs []storage.Subscription, totals map[string]float64) tgui.H {
	if len(subs) == 0 {
		return tgui.Esc("You aren't tracking anything yet. Use /add or just describe the subscription.")
	}

	parts := make([]tgui.H, 0, len(subs)+1)
	parts = append(parts, tgui.B("Your subscriptions"))
	for _, sub := range subs {
		parts = append(parts, renderSubLine(sub))
	}
	list := tgui.JoinH("\n", parts...)
	if len(totals) > 0 {
		// JoinH skips blank parts, so the totals block is joined as its own
		// paragraph rather than separated by an empty line element.
		list = tgui.JoinH("\n\n", list, renderTotals(totals))
	}
	return list
}

func renderSubLine(sub storage.Subscription) tgui.H {
	return tgui.JoinH(" ",
		tgui.Esc("•"),
		tgui.B(sub.Service),
		tgui.Esc("—"),
		tgui.Esc(formatAmount(sub.Amount)+" "+sub.Currency+","),
		tgui.Esc(periodLabel(sub.PeriodDays)+","),
		tgui.Esc("next "+sub.NextDue.UTC().Format("2006-01-02")),
	)
}

func renderTotals(totals map[string]float64) tgui.H {
	if len(totals) == 0 {
		return tgui.Esc("Nothing to sum up yet.")
	}
	currencies := make([]string, 0, len(totals))
	for cur := range totals {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)

	parts := []tgui.H{tgui.B("Monthly total")}
	for _, cur := range currencies {
		parts = append(parts, tgui.Esc(fmt.Sprintf("≈ %s %s", formatAmount(totals[cur]), cur)))
	}
	return tgui.JoinH("\n", parts...)
}

func periodLabel(days int) string {
	switch days {
	case 7:
		return "weekly"
	case 30, 31:
		return "monthly"
	case 365, 366:
		return "yearly"
	default:
		return fmt.Sprintf("every %d days", days)
	}
}

func formatAmount(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
