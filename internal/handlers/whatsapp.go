package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"abi-agent/internal/auth"
	"abi-agent/internal/convo"
	"abi-agent/internal/metrics"
	"abi-agent/internal/session"
	"abi-agent/internal/tools"
	"abi-agent/internal/wa"

	"go.mau.fi/whatsmeow/types"
)

// UnknownNumberNotice is sent to phones with no linked customer account.
const UnknownNumberNotice = "This number is not linked to a customer account. Please register on the ABI portal with this phone number to chat here."

// ResetNotice confirms a cleared conversation.
const ResetNotice = "Conversation cleared. How can I help you?"

const resetCommand = "/reset"

// Sender delivers text replies.
type Sender interface {
	SendText(ctx context.Context, to types.JID, text string) error
}

// AccountFinder resolves a phone number to a credential record.
type AccountFinder interface {
	FindByPhone(phone string) (auth.Account, bool)
}

// Responder answers one chat turn.
type Responder interface {
	Respond(ctx context.Context, req convo.Request) (convo.Result, error)
}

// Config tunes the processor.
type Config struct {
	TurnTimeout time.Duration
}

// WhatsApp runs customer turns for inbound WhatsApp messages.
type WhatsApp struct {
	accounts AccountFinder
	sessions session.Store
	chat     Responder
	sender   Sender
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration

	locks sync.Map
}

// NewWhatsApp builds the processor.
func NewWhatsApp(accounts AccountFinder, sessions session.Store, chat Responder, sender Sender, metricRegistry *metrics.Metrics, logger *slog.Logger, cfg Config) *WhatsApp {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	return &WhatsApp{
		accounts: accounts,
		sessions: sessions,
		chat:     chat,
		sender:   sender,
		metrics:  metricRegistry,
		logger:   logger.With("component", "wa_handler"),
		timeout:  cfg.TurnTimeout,
	}
}

// ProcessMessage handles one inbound text. Turns from the same phone run one
// at a time so history stays ordered.
func (h *WhatsApp) ProcessMessage(ctx context.Context, msg wa.Inbound) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	acct, ok := h.accounts.FindByPhone(msg.Phone)
	if !ok || acct.Role != auth.RoleCustomer || acct.CustomerID == "" {
		h.logger.Info("message from unlinked number", "phone", msg.Phone)
		h.reply(ctx, msg.Chat, UnknownNumberNotice)
		return
	}

	unlock := h.lock(msg.Phone)
	defer unlock()

	key := sessionKey(msg.Phone)
	sess, err := h.sessions.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			h.logger.Warn("load whatsapp session failed, starting fresh", "phone", msg.Phone, "error", err)
		}
		sess = session.New(acct.Username, tools.PersonaCustomer, acct.CustomerID)
		sess.Token = key
	}

	text := strings.TrimSpace(msg.Text)
	if strings.EqualFold(text, resetCommand) {
		sess.Reset()
		h.save(ctx, sess)
		h.reply(ctx, msg.Chat, ResetNotice)
		return
	}

	res, err := h.chat.Respond(ctx, convo.Request{
		Persona:    tools.PersonaCustomer,
		CustomerID: acct.CustomerID,
		History:    sess.History,
		Prompt:     text,
	})
	if err != nil {
		h.logger.Warn("whatsapp turn aborted", "phone", msg.Phone, "error", err)
		h.countError()
		return
	}

	sess.AppendTurn(text, res.Text, res.Steps)
	h.save(ctx, sess)
	h.reply(ctx, msg.Chat, res.Text)
}

func (h *WhatsApp) lock(phone string) func() {
	v, _ := h.locks.LoadOrStore(phone, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (h *WhatsApp) save(ctx context.Context, sess *session.Session) {
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.logger.Error("save whatsapp session failed", "error", err)
		h.countError()
	}
}

func (h *WhatsApp) reply(ctx context.Context, to types.JID, text string) {
	if err := h.sender.SendText(ctx, to, text); err != nil {
		h.logger.Error("send whatsapp reply failed", "to", to.String(), "error", err)
		h.countError()
	}
}

func (h *WhatsApp) countError() {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues("wa").Inc()
	}
}

func sessionKey(phone string) string {
	return "wa:" + phone
}
