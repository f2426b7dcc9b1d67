// Package bot routes incoming chat updates to the navigator and the
// publication pipeline.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"zeepub-bot/internal/adapters/telegram"
	"zeepub-bot/internal/domain"
	"zeepub-bot/internal/usecase/auth"
	"zeepub-bot/internal/usecase/format"
	"zeepub-bot/internal/usecase/navigator"
	"zeepub-bot/internal/usecase/publish"
	"zeepub-bot/internal/usecase/ratelimit"
	"zeepub-bot/internal/usecase/session"
	"zeepub-bot/internal/usecase/urlcache"
)

const (
	msgAskPassword    = "🔐 Introduce la contraseña de acceso:"
	msgWrongPassword  = "Contraseña incorrecta. Vuelves al catálogo público."
	msgAskQuery       = "🔍 Escribe el título que quieres buscar:"
	msgAskDestination = "Envíame el @ del canal o el id del chat destino:"
	msgTooManyCmds    = "Demasiados comandos seguidos. Espera un momento."
	msgTooManySearch  = "Has alcanzado el límite de búsquedas por hora."
	msgCancelled      = "Sesión reiniciada."
	msgPreparing      = "⏳ Preparando publicación..."
	msgBookGone       = "Ese botón ya caducó. Vuelve a abrir la página."
	msgNotAllowed     = "Este comando es solo para administradores."
	msgHelp           = "Comandos:\n" +
		"/start - catálogo público\n" +
		"/evil - catálogo privado (contraseña)\n" +
		"/search - buscar por título\n" +
		"/volver - página anterior\n" +
		"/cancel - reiniciar la sesión\n" +
		"/status - estado del bot"
)

// Handler dispatches updates from long polling.
type Handler struct {
	log      zerolog.Logger
	sender   telegram.Sender
	sessions *session.Store
	nav      *navigator.Service
	pipeline *publish.Service
	limiter  *ratelimit.Limiter
	cache    *urlcache.Service
	users    domain.UserRepo
	seed     string
	public   string
	gated    string
	channel  string
	admins   map[int64]bool
}

// NewHandler wires the dispatch layer.
func NewHandler(
	logger zerolog.Logger,
	sender telegram.Sender,
	sessions *session.Store,
	nav *navigator.Service,
	pipeline *publish.Service,
	limiter *ratelimit.Limiter,
	cache *urlcache.Service,
	users domain.UserRepo,
	seed, publicRoot, gatedRoot, channel string,
	admins []int64,
) *Handler {
	adminSet := make(map[int64]bool, len(admins))
	for _, id := range admins {
		adminSet[id] = true
	}
	return &Handler{
		log:      logger,
		sender:   sender,
		sessions: sessions,
		nav:      nav,
		pipeline: pipeline,
		limiter:  limiter,
		cache:    cache,
		users:    users,
		seed:     seed,
		public:   publicRoot,
		gated:    gatedRoot,
		channel:  channel,
		admins:   adminSet,
	}
}

// HandleUpdate processes one incoming update. Panics never escape to the
// polling loop.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("bot: handler panic")
		}
	}()
	switch {
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	uid := msg.From.ID
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	if !strings.HasPrefix(text, "/") {
		h.handleText(ctx, uid, chatID, text)
		return
	}

	if !h.limiter.Allow(uid, ratelimit.KindCommand) {
		h.reply(chatID, msgTooManyCmds)
		return
	}
	h.limiter.Record(uid, ratelimit.KindCommand)

	switch {
	case strings.HasPrefix(text, "/start"):
		h.registerUser(ctx, msg.From)
		h.sessions.ClearFlags(uid)
		h.run(func() error { return h.nav.EnterRoot(ctx, uid, chatID, h.public) })
	case strings.HasPrefix(text, "/evil"):
		h.sessions.Update(uid, func(s *session.Session) {
			s.AwaitingPassword = true
			s.OriginChat = chatID
		})
		h.reply(chatID, msgAskPassword)
	case strings.HasPrefix(text, "/volver"):
		h.run(func() error { return h.nav.Back(ctx, uid, chatID) })
	case strings.HasPrefix(text, "/cancel"):
		h.cancel(uid, chatID)
	case strings.HasPrefix(text, "/help"):
		h.reply(chatID, msgHelp)
	case strings.HasPrefix(text, "/status"):
		h.handleStatus(ctx, uid, chatID)
	case strings.HasPrefix(text, "/search"):
		h.sessions.Update(uid, func(s *session.Session) {
			s.AwaitingQuery = true
			s.OriginChat = chatID
		})
		h.reply(chatID, msgAskQuery)
	case strings.HasPrefix(text, "/reset"):
		if !h.admins[uid] {
			h.reply(chatID, msgNotAllowed)
			return
		}
		h.limiter.ResetAll()
		h.reply(chatID, "Contadores de descarga reiniciados.")
	default:
		h.reply(chatID, msgHelp)
	}
}

// handleText routes a plain message by the first set flag: password, then
// destination, then query. Anything else is ignored.
func (h *Handler) handleText(ctx context.Context, uid, chatID int64, text string) {
	ses := h.sessions.Ensure(uid)
	switch {
	case ses.AwaitingPassword:
		h.sessions.ClearFlags(uid)
		if !auth.Check(h.seed, text, time.Now()) {
			h.reply(chatID, msgWrongPassword)
			h.run(func() error { return h.nav.EnterRoot(ctx, uid, chatID, h.public) })
			return
		}
		h.run(func() error { return h.nav.EnterRoot(ctx, uid, chatID, h.gated) })
	case ses.AwaitingDestination:
		h.sessions.ClearFlags(uid)
		dest := parseDestination(text)
		h.sessions.Update(uid, func(s *session.Session) { s.Destination = text })
		h.startPublish(ctx, uid, chatID, dest)
	case ses.AwaitingQuery:
		h.sessions.ClearFlags(uid)
		if !h.limiter.Allow(uid, ratelimit.KindSearch) {
			h.reply(chatID, msgTooManySearch)
			return
		}
		h.limiter.Record(uid, ratelimit.KindSearch)
		root := ses.RootURL
		if root == "" {
			root = h.public
		}
		h.run(func() error { return h.nav.Render(ctx, uid, chatID, h.nav.SearchURL(root, text), false) })
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		return
	}
	uid := cb.From.ID
	chatID := cb.Message.Chat.ID
	data := cb.Data
	h.sender.AnswerCallback(cb.ID)

	switch {
	case strings.HasPrefix(data, "col|"):
		idx, err := strconv.Atoi(strings.TrimPrefix(data, "col|"))
		if err != nil {
			return
		}
		h.run(func() error { return h.nav.Descend(ctx, uid, chatID, idx) })
	case strings.HasPrefix(data, "lib|"):
		h.selectBook(uid, chatID, strings.TrimPrefix(data, "lib|"))
	case strings.HasPrefix(data, "nav|"):
		h.run(func() error { return h.nav.Nav(ctx, uid, chatID, strings.TrimPrefix(data, "nav|")) })
	case data == "back", data == "volver_ultima":
		h.closeActionMenu(uid, chatID)
		ses := h.sessions.Ensure(uid)
		if data == "back" {
			h.run(func() error { return h.nav.Back(ctx, uid, chatID) })
			return
		}
		if ses.LastPage != "" {
			h.run(func() error { return h.nav.Render(ctx, uid, chatID, ses.LastPage, false) })
		}
	case data == "volver_colecciones":
		h.closeActionMenu(uid, chatID)
		ses := h.sessions.Ensure(uid)
		root := ses.RootURL
		if root == "" {
			root = h.public
		}
		h.run(func() error { return h.nav.EnterRoot(ctx, uid, chatID, root) })
	case data == "cerrar":
		h.closeActionMenu(uid, chatID)
	case data == "buscar":
		h.sessions.Update(uid, func(s *session.Session) {
			s.AwaitingQuery = true
			s.OriginChat = chatID
		})
		h.reply(chatID, msgAskQuery)
	case data == "abrir_zeepubs":
		h.run(func() error { return h.nav.OpenZeepubs(ctx, uid, chatID, h.public) })
	case strings.HasPrefix(data, "destino|"):
		h.handleDestination(ctx, uid, chatID, strings.TrimPrefix(data, "destino|"))
	}
}

// selectBook stashes the chosen volume and asks where to publish it.
func (h *Handler) selectBook(uid, chatID int64, key string) {
	book, ok := h.nav.Book(uid, key)
	if !ok {
		h.reply(chatID, msgBookGone)
		return
	}
	h.sessions.Update(uid, func(s *session.Session) {
		s.PendingTitle = book.Title
		s.PendingCoverURL = book.CoverURL
		s.PendingDownloadURL = book.DownloadURL
		s.OriginChat = chatID
	})

	rows := [][]tgbotapi.InlineKeyboardButton{
		{tgbotapi.NewInlineKeyboardButtonData("📥 Aquí", "destino|aqui")},
	}
	if h.channel != "" {
		rows = append(rows, []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("📣 "+h.channel, "destino|"+h.channel),
		})
	}
	rows = append(rows, []tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardButtonData("✏️ Otro chat", "destino|otro"),
	})
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	h.sender.SendMessage(telegram.Destination{ChatID: chatID}, "¿Dónde quieres publicar <b>"+format.EscapeHTML(book.Title)+"</b>?", &markup)
}

func (h *Handler) handleDestination(ctx context.Context, uid, chatID int64, arg string) {
	switch {
	case arg == "aqui":
		h.startPublish(ctx, uid, chatID, telegram.Destination{ChatID: chatID})
	case arg == "otro":
		h.sessions.Update(uid, func(s *session.Session) { s.AwaitingDestination = true })
		h.reply(chatID, msgAskDestination)
	case strings.HasPrefix(arg, "@"):
		h.startPublish(ctx, uid, chatID, telegram.Destination{Channel: arg})
	}
}

// startPublish launches the pipeline for the pending selection.
func (h *Handler) startPublish(ctx context.Context, uid, chatID int64, dest telegram.Destination) {
	ses := h.sessions.Ensure(uid)
	if ses.PendingDownloadURL == "" {
		h.reply(chatID, msgBookGone)
		return
	}
	placeholderID, _ := h.sender.SendMessage(telegram.Destination{ChatID: chatID}, msgPreparing, nil)
	req := publish.Request{
		UserID:        uid,
		OriginChat:    chatID,
		Destination:   dest,
		Title:         ses.PendingTitle,
		CoverURL:      ses.PendingCoverURL,
		DownloadURL:   ses.PendingDownloadURL,
		PlaceholderID: placeholderID,
	}
	h.run(func() error { return h.pipeline.Publish(ctx, req) })
}

func (h *Handler) handleStatus(ctx context.Context, uid, chatID int64) {
	remaining := h.limiter.Remaining(uid, ratelimit.KindDownload)
	quota := strconv.Itoa(remaining)
	if remaining == ratelimit.Unlimited {
		quota = "ilimitadas"
	}
	lines := []string{fmt.Sprintf("Descargas restantes esta hora: %s", quota)}
	if h.admins[uid] {
		if stats, err := h.cache.Stats(ctx); err == nil {
			lines = append(lines,
				fmt.Sprintf("Enlaces guardados: %d", stats.Total),
				fmt.Sprintf("Válidos: %d / Rotos: %d / En riesgo: %d", stats.Valid, stats.Broken, stats.AtRisk),
			)
		}
	}
	h.reply(chatID, strings.Join(lines, "\n"))
}

func (h *Handler) cancel(uid, chatID int64) {
	ses := h.sessions.Ensure(uid)
	if ses.MenuMessageID != 0 {
		h.sender.DeleteMessage(chatID, ses.MenuMessageID)
	}
	if ses.ActionMenuID != 0 {
		h.sender.DeleteMessage(chatID, ses.ActionMenuID)
	}
	h.sessions.ClearPending(uid)
	h.sessions.Reset(uid)
	h.reply(chatID, msgCancelled)
}

func (h *Handler) closeActionMenu(uid, chatID int64) {
	ses := h.sessions.Ensure(uid)
	if ses.ActionMenuID != 0 {
		h.sender.DeleteMessage(chatID, ses.ActionMenuID)
		h.sessions.Update(uid, func(s *session.Session) { s.ActionMenuID = 0 })
	}
}

func (h *Handler) registerUser(ctx context.Context, from *tgbotapi.User) {
	if h.users == nil {
		return
	}
	err := h.users.UpsertUser(ctx, domain.BotUser{
		ID:      from.ID,
		Role:    "user",
		AddedAt: time.Now().UTC(),
	})
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", from.ID).Msg("bot: user upsert failed")
	}
}

func (h *Handler) reply(chatID int64, text string) {
	if _, err := h.sender.SendMessage(telegram.Destination{ChatID: chatID}, text, nil); err != nil {
		h.log.Warn().Err(err).Int64("chat_id", chatID).Msg("bot: reply failed")
	}
}

// run executes a step and logs its failure; dispatch itself never errors.
func (h *Handler) run(fn func() error) {
	if err := fn(); err != nil {
		h.log.Error().Err(err).Msg("bot: operation failed")
	}
}

func parseDestination(text string) telegram.Destination {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "@") {
		return telegram.Destination{Channel: text}
	}
	if id, err := strconv.ParseInt(text, 10, 64); err == nil {
		return telegram.Destination{ChatID: id}
	}
	return telegram.Destination{Channel: "@" + text}
}
