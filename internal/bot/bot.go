// Package bot is the chat-facing command layer: it routes slash commands,
// free-text intents, and inline-keyboard callbacks into the record store and
// the scheduling core.
package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"subwatch/internal/nlu"
	"subwatch/internal/runtime/supervisor"
	"subwatch/internal/sched"
	"subwatch/internal/storage"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
	"subwatch/pkg/tgui"
)

type Config struct {
	// OwnerUserIDs restricts the bot to these users; empty allows everyone.
	OwnerUserIDs []int64
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	adapter transport.Adapter
	store   storage.Store
	sched   *sched.Service
	nlu     *nlu.Service

	// One pending confirm/cancel flow per chat; a new request replaces it.
	pending map[int64]*pendingAction

	updates chan transport.Update
	sup     *supervisor.Supervisor

	now func() time.Time
}

type pendingKind string

const (
	pendingAdd    pendingKind = "add"
	pendingDelete pendingKind = "delete"
)

type pendingAction struct {
	kind pendingKind
	sub  storage.Subscription // add: the subscription to create
	id   string               // delete: the subscription to drop
	name string               // delete: display name
}

func New(cfg Config, adapter transport.Adapter, store storage.Store, schedSvc *sched.Service, nluSvc *nlu.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		store:   store,
		sched:   schedSvc,
		nlu:     nluSvc,
		pending: map[int64]*pendingAction{},
		now:     time.Now,
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start begins receiving updates from the transport and serving them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.updates != nil {
		s.mu.Unlock()
		return nil
	}
	s.updates = make(chan transport.Update, 64)
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	updates := s.updates
	s.mu.Unlock()

	if err := s.adapter.Start(ctx, updates); err != nil {
		return err
	}

	s.sup.Go0("bot.dispatch", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				s.handle(ctx, u)
			}
		}
	})
	s.log.Info("service started")
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.updates = nil
	s.mu.Unlock()

	_ = s.adapter.Stop(ctx)
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("service stopped")
}

// MenuCommands lists the command menu entries for transports that support one.
func (s *Service) MenuCommands() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "start", Description: "What this bot does"},
		{Command: "add", Description: "Track a subscription"},
		{Command: "list", Description: "Your subscriptions and monthly total"},
		{Command: "delete", Description: "Stop tracking a subscription"},
		{Command: "total", Description: "Monthly spend per currency"},
		{Command: "help", Description: "Usage"},
	}
}

func (s *Service) allowed(userID int64) bool {
	s.mu.Lock()
	owners := s.cfg.OwnerUserIDs
	s.mu.Unlock()
	if len(owners) == 0 {
		return true
	}
	for _, id := range owners {
		if id == userID {
			return true
		}
	}
	return false
}

func (s *Service) handle(ctx context.Context, u transport.Update) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("update handler panicked", logx.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch u.Kind {
	case transport.UpdateMessage:
		if u.Message == nil || !s.allowed(u.Message.FromID) {
			return
		}
		s.handleMessage(ctx, *u.Message)
	case transport.UpdateCallback:
		if u.Callback == nil || !s.allowed(u.Callback.FromID) {
			return
		}
		s.handleCallback(ctx, *u.Callback)
	}
}

func (s *Service) handleMessage(ctx context.Context, m transport.Message) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		cmd, args := splitCommand(text)
		switch cmd {
		case "start":
			s.cmdStart(ctx, m)
		case "help":
			s.cmdHelp(ctx, m)
		case "add":
			s.cmdAdd(ctx, m, args)
		case "list":
			s.cmdList(ctx, m)
		case "delete", "del", "remove":
			s.cmdDelete(ctx, m, args)
		case "total":
			s.cmdTotal(ctx, m)
		default:
			s.reply(ctx, m.ChatID, tgui.Esc("Unknown command, see /help."), nil)
		}
		return
	}

	s.handleFreeText(ctx, m, text)
}

// splitCommand turns "/add@subwatch_bot netflix 9.99" into ("add", args).
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:]
}

func (s *Service) reply(ctx context.Context, chatID int64, text tgui.H, markup any) {
	_, err := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text.String(), &transport.SendOptions{
		ParseMode:          "HTML",
		DisablePreview:     true,
		ReplyMarkupAdapter: markup,
	})
	if err != nil {
		s.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (s *Service) setPending(chatID int64, p *pendingAction) {
	s.mu.Lock()
	s.pending[chatID] = p
	s.mu.Unlock()
}

func (s *Service) takePending(chatID int64) *pendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[chatID]
	delete(s.pending, chatID)
	return p
}
