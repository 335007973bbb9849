// Package discord connects the command dispatcher to a Discord bot.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/langbot-app/LangTARS/dispatcher"
)

const (
	// MaxMessageLen is Discord's hard limit on message content.
	MaxMessageLen = 2000
	chunkLen      = 1900
)

// sender is the part of *discordgo.Session used to reply.
type sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config configures the bot.
type Config struct {
	Token string
	// Channels restricts the bot to these channel ids. Empty means all.
	Channels []string
}

// Bot relays "!tars" messages to a dispatcher and posts the replies.
type Bot struct {
	session    *discordgo.Session
	dispatcher *dispatcher.Dispatcher
	channels   map[string]bool
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bot. Call Start to connect.
func New(cfg Config, d *dispatcher.Dispatcher, logger *slog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is empty")
	}
	if logger == nil {
		logger = discardLogger()
	}
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		session:    dg,
		dispatcher: d,
		channels:   make(map[string]bool),
		logger:     logger.With("component", "discord"),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, c := range cfg.Channels {
		b.channels[c] = true
	}
	dg.AddHandler(b.handleReady)
	dg.AddHandler(b.handleMessage)
	return b, nil
}

// Start opens the gateway connection.
func (b *Bot) Start() error {
	return b.session.Open()
}

// Stop waits for in-flight commands and closes the connection.
func (b *Bot) Stop() error {
	b.cancel()
	b.wg.Wait()
	return b.session.Close()
}

func (b *Bot) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("discord bot logged in", "user", r.User.Username)
}

func (b *Bot) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.handle(b.ctx, s, m.ChannelID, m.Author.ID, m.Content)
	}()
}

// handle dispatches one message and posts the reply.
func (b *Bot) handle(ctx context.Context, s sender, channelID, userID, content string) {
	if len(b.channels) > 0 && !b.channels[channelID] {
		return
	}
	notify := func(text string) { b.send(s, channelID, text) }
	reply, ok := b.dispatcher.Handle(ctx, dispatcher.Message{UserID: userID, Text: content, Notify: notify})
	if !ok {
		return
	}
	b.send(s, channelID, reply)
}

func (b *Bot) send(s sender, channelID, text string) {
	for _, chunk := range Chunk(text, chunkLen) {
		if _, err := s.ChannelMessageSend(channelID, chunk); err != nil {
			b.logger.Error("send message", "channel", channelID, "error", err)
			return
		}
	}
}

// Chunk splits text into pieces of at most limit bytes, preferring line
// breaks. A code fence left open by a split is closed in that piece and
// reopened in the next.
func Chunk(text string, limit int) []string {
	if limit <= 0 || limit > MaxMessageLen {
		limit = MaxMessageLen
	}
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	const fence = "```"
	var (
		chunks []string
		cur    strings.Builder
		inCode bool
	)
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		s := cur.String()
		if inCode {
			s += "\n" + fence
		}
		chunks = append(chunks, s)
		cur.Reset()
		if inCode {
			cur.WriteString(fence + "\n")
		}
	}
	// room reserves space for a closing fence.
	room := limit - len(fence) - 1

	for _, line := range strings.SplitAfter(text, "\n") {
		for cur.Len()+len(line) > room {
			reopened := 0
			if inCode {
				reopened = len(fence) + 1
			}
			if cur.Len() > reopened {
				flush()
				continue
			}
			cut := room - cur.Len()
			for cut > 0 && !isRuneStart(line[cut]) {
				cut--
			}
			if cut <= 0 {
				cut = room - cur.Len()
			}
			cur.WriteString(line[:cut])
			line = line[cut:]
			flush()
		}
		cur.WriteString(line)
		if strings.HasPrefix(strings.TrimSpace(line), fence) {
			inCode = !inCode
		}
	}
	if s := strings.TrimRight(cur.String(), "\n"); s != "" && s != fence {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }
