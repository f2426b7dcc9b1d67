// Package telegram wraps the chat transport: typed send/delete helpers over
// the bot API with request metrics.
package telegram

import (
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"zeepub-bot/internal/infra/fetch"
	"zeepub-bot/internal/infra/metrics"
)

// Destination addresses a chat either by numeric id or by @handle. The
// handle wins when both are set.
type Destination struct {
	ChatID  int64
	Channel string
}

// Sender is the transport surface the navigator and the pipeline need.
type Sender interface {
	SendMessage(dest Destination, text string, markup *tgbotapi.InlineKeyboardMarkup) (int, error)
	SendPhotoURL(dest Destination, photoURL, caption string) (int, error)
	SendPhotoBytes(dest Destination, name string, payload []byte, caption string) (int, error)
	SendDocument(dest Destination, filename string, payload fetch.Result) (SentDocument, error)
	EditMessageMarkup(chatID int64, messageID int, markup tgbotapi.InlineKeyboardMarkup) error
	DeleteMessage(chatID int64, messageID int) error
	AnswerCallback(callbackID string) error
}

// SentDocument describes the delivered file.
type SentDocument struct {
	MessageID    int
	FileUniqueID string
	FileSize     int64
}

// Client implements Sender on the real bot API.
type Client struct {
	api *tgbotapi.BotAPI
	log zerolog.Logger
}

func NewClient(api *tgbotapi.BotAPI, logger zerolog.Logger) *Client {
	return &Client{api: api, log: logger}
}

func applyDest(base *tgbotapi.BaseChat, dest Destination) {
	if dest.Channel != "" {
		base.ChannelUsername = dest.Channel
		return
	}
	base.ChatID = dest.ChatID
}

func (c *Client) SendMessage(dest Destination, text string, markup *tgbotapi.InlineKeyboardMarkup) (int, error) {
	var lastID int
	for _, part := range SplitMessage(text) {
		msg := tgbotapi.NewMessage(0, part)
		applyDest(&msg.BaseChat, dest)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if markup != nil {
			msg.ReplyMarkup = *markup
		}
		start := time.Now()
		sent, err := c.api.Send(msg)
		metrics.ObserveNetworkRequest("telegram", "send_message", start, err)
		if err != nil {
			return 0, err
		}
		lastID = sent.MessageID
	}
	return lastID, nil
}

func (c *Client) SendPhotoURL(dest Destination, photoURL, caption string) (int, error) {
	photo := tgbotapi.NewPhoto(0, tgbotapi.FileURL(photoURL))
	applyDest(&photo.BaseChat, dest)
	photo.Caption = caption
	photo.ParseMode = tgbotapi.ModeHTML
	start := time.Now()
	sent, err := c.api.Send(photo)
	metrics.ObserveNetworkRequest("telegram", "send_photo", start, err)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (c *Client) SendPhotoBytes(dest Destination, name string, payload []byte, caption string) (int, error) {
	photo := tgbotapi.NewPhoto(0, tgbotapi.FileBytes{Name: name, Bytes: payload})
	applyDest(&photo.BaseChat, dest)
	photo.Caption = caption
	photo.ParseMode = tgbotapi.ModeHTML
	start := time.Now()
	sent, err := c.api.Send(photo)
	metrics.ObserveNetworkRequest("telegram", "send_photo", start, err)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// SendDocument uploads the payload under the given filename, streaming
// spilled results from disk.
func (c *Client) SendDocument(dest Destination, filename string, payload fetch.Result) (SentDocument, error) {
	var file tgbotapi.RequestFileData
	if payload.Path != "" {
		f, err := os.Open(payload.Path)
		if err != nil {
			return SentDocument{}, err
		}
		defer f.Close()
		file = tgbotapi.FileReader{Name: filename, Reader: f}
	} else {
		file = tgbotapi.FileBytes{Name: filename, Bytes: payload.Bytes}
	}
	doc := tgbotapi.NewDocument(0, file)
	applyDest(&doc.BaseChat, dest)
	start := time.Now()
	sent, err := c.api.Send(doc)
	metrics.ObserveNetworkRequest("telegram", "send_document", start, err)
	if err != nil {
		return SentDocument{}, err
	}
	out := SentDocument{MessageID: sent.MessageID}
	if sent.Document != nil {
		out.FileUniqueID = sent.Document.FileUniqueID
		out.FileSize = int64(sent.Document.FileSize)
	}
	return out, nil
}

func (c *Client) EditMessageMarkup(chatID int64, messageID int, markup tgbotapi.InlineKeyboardMarkup) error {
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, markup)
	_, err := c.api.Request(edit)
	return err
}

func (c *Client) DeleteMessage(chatID int64, messageID int) error {
	_, err := c.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	if err != nil {
		c.log.Debug().Err(err).Int("message_id", messageID).Msg("telegram: delete failed")
	}
	return err
}

func (c *Client) AnswerCallback(callbackID string) error {
	_, err := c.api.Request(tgbotapi.NewCallback(callbackID, ""))
	return err
}
