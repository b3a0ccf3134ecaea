package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"subwatch/internal/nlu"
	"subwatch/internal/sched"
	"subwatch/internal/storage"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
	"subwatch/pkg/tgui"
)

const helpText = `<b>subwatch</b> tracks your recurring payments and reminds you before each one is due.

<b>Commands</b>
/add &lt;service&gt; &lt;amount&gt; &lt;currency&gt; [period_days] [YYYY-MM-DD] — track a subscription
/list — your subscriptions and monthly total
/delete &lt;service&gt; — stop tracking
/total — monthly spend per currency
/help — this message

You can also just write, e.g. <i>"netflix 9.99 usd monthly starting feb 1"</i>.`

func (s *Service) cmdStart(ctx context.Context, m transport.Message) {
	err := s.store.UpsertUser(ctx, storage.User{TgID: m.FromID, Username: m.FromUsername})
	if err != nil {
		s.log.Warn("user upsert failed", logx.Int64("user", m.FromID), logx.Err(err))
	}
	s.reply(ctx, m.ChatID, tgui.Raw(helpText), nil)
}

func (s *Service) cmdHelp(ctx context.Context, m transport.Message) {
	s.reply(ctx, m.ChatID, tgui.Raw(helpText), nil)
}

func (s *Service) cmdAdd(ctx context.Context, m transport.Message, args []string) {
	sub, err := parseAddArgs(args, s.now())
	if err != nil {
		s.reply(ctx, m.ChatID, tgui.JoinH("\n",
			tgui.Esc(err.Error()),
			tgui.Esc("Usage: /add <service> <amount> <currency> [period_days] [YYYY-MM-DD]")), nil)
		return
	}
	sub.OwnerID = m.ChatID
	s.askAddConfirm(ctx, m.ChatID, sub)
}

func (s *Service) cmdList(ctx context.Context, m transport.Message) {
	subs, err := s.store.ListSubscriptionsByOwner(ctx, m.ChatID)
	if err != nil {
		s.reply(ctx, m.ChatID, tgui.Esc("Could not load your subscriptions, try again."), nil)
		return
	}
	totals, err := s.store.MonthlyTotal(ctx, m.ChatID)
	if err != nil {
		s.log.Warn("monthly total failed", logx.Int64("chat", m.ChatID), logx.Err(err))
		totals = nil
	}
	s.reply(ctx, m.ChatID, renderList(subs, totals), nil)
}

func (s *Service) cmdTotal(ctx context.Context, m transport.Message) {
	totals, err := s.store.MonthlyTotal(ctx, m.ChatID)
	if err != nil {
		s.reply(ctx, m.ChatID, tgui.Esc("Could not compute your total, try again."), nil)
		return
	}
	s.reply(ctx, m.ChatID, renderTotals(totals), nil)
}

func (s *Service) cmdDelete(ctx context.Context, m transport.Message, args []string) {
	name := strings.TrimSpace(strings.Join(args, " "))
	if name == "" {
		s.reply(ctx, m.ChatID, tgui.Esc("Usage: /delete <service>"), nil)
		return
	}
	s.askDeleteConfirm(ctx, m.ChatID, name)
}

func (s *Service) handleFreeText(ctx context.Context, m transport.Message, text string) {
	if s.nlu == nil || !s.nlu.Enabled() {
		if !m.IsGroup {
			s.reply(ctx, m.ChatID, tgui.Esc("I didn't get that, see /help."), nil)
		}
		return
	}

	it, err := s.nlu.Extract(ctx, text, s.now())
	if err != nil || it.Intent == nlu.IntentUnknown {
		if err != nil {
			s.log.Debug("intent extraction failed", logx.Err(err))
		}
		if !m.IsGroup {
			s.reply(ctx, m.ChatID, tgui.Esc("I didn't get that, see /help."), nil)
		}
		return
	}

	switch it.Intent {
	case nlu.IntentAdd:
		due, err := it.DueTime(s.now())
		if err != nil {
			s.reply(ctx, m.ChatID, tgui.Esc("I couldn't read the payment date, use YYYY-MM-DD."), nil)
			return
		}
		s.askAddConfirm(ctx, m.ChatID, storage.Subscription{
			ID:         uuid.NewString(),
			OwnerID:    m.ChatID,
			Service:    it.Service,
			Amount:     it.Amount,
			Currency:   it.Currency,
			PeriodDays: it.PeriodDays,
			NextDue:    due,
		})
	case nlu.IntentDelete:
		s.askDeleteConfirm(ctx, m.ChatID, it.Service)
	case nlu.IntentList:
		s.cmdList(ctx, m)
	case nlu.IntentTotal:
		s.cmdTotal(ctx, m)
	}
}

func (s *Service) askAddConfirm(ctx context.Context, chatID int64, sub storage.Subscription) {
	sub.Normalize()
	if err := sub.Validate(); err != nil {
		s.reply(ctx, chatID, tgui.Esc("That doesn't look right: "+err.Error()), nil)
		return
	}
	s.setPending(chatID, &pendingAction{kind: pendingAdd, sub: sub})

	markup := tgui.ConfirmInline(
		tgui.Btn("✅ Add", tgui.Data("sub", "confirm", "")),
		tgui.Btn("✖ Cancel", tgui.Data("sub", "cancel", "")),
	).Markup()
	s.reply(ctx, chatID, tgui.JoinH("\n", tgui.Esc("Track this subscription?"), renderSubLine(sub)), markup)
}

func (s *Service) askDeleteConfirm(ctx context.Context, chatID int64, name string) {
	sub, err := s.store.FindSubscriptionByService(ctx, chatID, name)
	if errors.Is(err, storage.ErrNotFound) {
		s.reply(ctx, chatID, tgui.JoinH(" ",
			tgui.Esc("No subscription named"), tgui.B(name)), nil)
		return
	}
	if err != nil {
		s.reply(ctx, chatID, tgui.Esc("Lookup failed, try again."), nil)
		return
	}
	s.setPending(chatID, &pendingAction{kind: pendingDelete, id: sub.ID, name: sub.Service})

	markup := tgui.ConfirmInline(
		tgui.Btn("🗑 Delete", tgui.Data("sub", "confirm", "")),
		tgui.Btn("✖ Cancel", tgui.Data("sub", "cancel", "")),
	).Markup()
	s.reply(ctx, chatID, tgui.JoinH(" ",
		tgui.Esc("Stop tracking"), tgui.B(sub.Service), tgui.Esc("?")), markup)
}

func (s *Service) handleCallback(ctx context.Context, cb transport.Callback) {
	scope, action, payload := tgui.ParseData(cb.Data)
	if scope != "sub" {
		s.answer(ctx, cb.ID, "")
		return
	}

	switch action {
	case "pay":
		s.confirmPayment(ctx, cb, payload)
	case "confirm":
		s.runPending(ctx, cb)
	case "cancel":
		s.takePending(cb.ChatID)
		s.answer(ctx, cb.ID, "Cancelled")
		s.edit(ctx, cb, tgui.Esc("Cancelled."))
	default:
		s.answer(ctx, cb.ID, "")
	}
}

// confirmPayment is the acknowledgement path: advance the cycle the button
// was rendered for, replace the schedule, and rewrite the reminder message.
// A tap for a cycle that was already confirmed or rescheduled gets the
// neutral "already handled" answer instead of advancing again.
func (s *Service) confirmPayment(ctx context.Context, cb transport.Callback, payload string) {
	subID, due, err := sched.ParsePayPayload(payload)
	if err != nil {
		s.answer(ctx, cb.ID, "Already handled")
		return
	}
	next, err := s.sched.OnPaymentConfirmed(ctx, subID, due)
	switch {
	case err == nil:
		s.answer(ctx, cb.ID, "Marked as paid")
		s.edit(ctx, cb, tgui.JoinH(" ",
			tgui.Esc("✅ Paid. Next payment"),
			tgui.B(next.UTC().Format("2006-01-02"))))
	case errors.Is(err, sched.ErrExpired), errors.Is(err, storage.ErrNotFound):
		s.answer(ctx, cb.ID, "Already handled")
	default:
		s.log.Warn("payment confirm failed", logx.String("sub", subID), logx.Err(err))
		s.answer(ctx, cb.ID, "Didn't go through, try again")
	}
}

func (s *Service) runPending(ctx context.Context, cb transport.Callback) {
	p := s.takePending(cb.ChatID)
	if p == nil {
		s.answer(ctx, cb.ID, "Already handled")
		return
	}

	switch p.kind {
	case pendingAdd:
		if err := s.store.CreateSubscription(ctx, p.sub); err != nil {
			s.log.Warn("create failed", logx.String("service", p.sub.Service), logx.Err(err))
			s.answer(ctx, cb.ID, "Didn't go through, try again")
			return
		}
		s.sched.OnSubscriptionCreated(p.sub)
		s.answer(ctx, cb.ID, "Added")
		s.edit(ctx, cb, tgui.JoinH("\n", tgui.Esc("Tracking:"), renderSubLine(p.sub)))
	case pendingDelete:
		err := s.store.DeleteSubscription(ctx, p.id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.answer(ctx, cb.ID, "Didn't go through, try again")
			return
		}
		s.sched.OnSubscriptionDeleted(p.id)
		s.answer(ctx, cb.ID, "Deleted")
		s.edit(ctx, cb, tgui.JoinH(" ", tgui.Esc("Stopped tracking"), tgui.B(p.name)))
	}
}

func (s *Service) answer(ctx context.Context, callbackID, text string) {
	if err := s.adapter.AnswerCallback(ctx, callbackID, text); err != nil {
		s.log.Debug("callback answer failed", logx.Err(err))
	}
}

func (s *Service) edit(ctx context.Context, cb transport.Callback, text tgui.H) {
	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	err := s.adapter.EditText(ctx, ref, text.String(), &transport.SendOptions{ParseMode: "HTML"})
	if err != nil {
		s.log.Debug("message edit failed", logx.Err(err))
	}
}

// parseAddArgs parses "/add <service> <amount> <currency> [period_days] [date]".
func parseAddArgs(args []string, now time.Time) (storage.Subscription, error) {
	if len(args) < 3 {
		return storage.Subscription{}, errors.New("need at least service, amount and currency")
	}

	// The service name may span several words; amount/currency anchor the tail.
	var (
		amountIdx = -1
		amount    float64
	)
	for i := 1; i < len(args); i++ {
		v, err := strconv.ParseFloat(args[i], 64)
		if err == nil {
			amountIdx = i
			amount = v
			break
		}
	}
	if amountIdx < 1 || amountIdx+1 >= len(args) {
		return storage.Subscription{}, errors.New("could not find the amount")
	}
	if !(amount > 0) {
		return storage.Subscription{}, errors.New("amount must be positive")
	}

	sub := storage.Subscription{
		ID:         uuid.NewString(),
		Service:    strings.Join(args[:amountIdx], " "),
		Amount:     amount,
		Currency:   args[amountIdx+1],
		PeriodDays: 30,
	}

	rest := args[amountIdx+2:]
	for _, a := range rest {
		if days, err := strconv.Atoi(a); err == nil {
			if days <= 0 {
				return storage.Subscription{}, errors.New("period_days must be positive")
			}
			sub.PeriodDays = days
			continue
		}
		t, err := time.Parse("2006-01-02", a)
		if err != nil {
			return storage.Subscription{}, errors.New("could not read " + strconv.Quote(a))
		}
		sub.NextDue = t.UTC()
	}
	if sub.NextDue.IsZero() {
		sub.NextDue = now.UTC().Add(time.Duration(sub.PeriodDays) * 24 * time.Hour)
	}
	return sub, nil
}
