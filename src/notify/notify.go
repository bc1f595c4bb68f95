// Package notify announces finalized topics to a Discord channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/stake-plus/murmur-protocol/src/events"
)

const (
	boxInnerWidth = 58
	boxPadding    = 1
	ansiDim       = "\u001b[2m"
	ansiReset     = "\u001b[0m"
)

// ChannelSender is the part of a discordgo session the announcer needs.
type ChannelSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Announcer posts a styled summary for every minted topic.
type Announcer struct {
	sender    ChannelSender
	channelID string
	baseURL   string
	log       zerolog.Logger
}

// NewAnnouncer posts to channelID. When baseURL is set each announcement
// carries a link button to the topic's curated messages.
func NewAnnouncer(sender ChannelSender, channelID, baseURL string, log zerolog.Logger) *Announcer {
	return &Announcer{
		sender:    sender,
		channelID: channelID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		log:       log.With().Str("component", "notify").Logger(),
	}
}

// Open starts a bot session for token.
func Open(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("open discord session: %w", err)
	}
	return s, nil
}

func (a *Announcer) Name() string { return "discord" }

func (a *Announcer) Publish(_ context.Context, evs []events.Event) error {
	for _, e := range evs {
		if e.Kind != events.KindTopicMinted || e.Mint == nil {
			continue
		}
		msg := a.message(e)
		if _, err := a.sender.ChannelMessageSendComplex(a.channelID, msg); err != nil {
			return fmt.Errorf("announce topic %d: %w", e.Mint.TopicID, err)
		}
		a.log.Info().Uint64("topic", e.Mint.TopicID).Msg("announced minted topic")
	}
	return nil
}

func (a *Announcer) message(e events.Event) *discordgo.MessageSend {
	title := fmt.Sprintf("Topic #%d finalized", e.Mint.TopicID)
	msg := &discordgo.MessageSend{
		Content: wrapBox(renderBox(title, mintBody(e))),
		Flags:   discordgo.MessageFlagsSuppressEmbeds,
	}
	if a.baseURL != "" {
		msg.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label: "Curated messages",
					Style: discordgo.LinkButton,
					URL:   fmt.Sprintf("%s/v1/topics/%d/curated", a.baseURL, e.Mint.TopicID),
				},
			}},
		}
	}
	return msg
}

func mintBody(e events.Event) string {
	m := e.Mint
	var b strings.Builder
	if t := e.Topic; t != nil {
		fmt.Fprintf(&b, "Messages: %d  Participants: %d  Likes: %d\n", t.MessageCount, t.UniqueUsers, t.LikeCount)
		fmt.Fprintf(&b, "VP burned: %d\n", t.VPBurned)
	}
	fmt.Fprintf(&b, "Curated: %d messages\n", len(e.Curated))
	for i, c := range e.Curated {
		if i == 5 {
			fmt.Fprintf(&b, "  ... and %d more\n", len(e.Curated)-i)
			break
		}
		fmt.Fprintf(&b, "  #%d message %d (%d likes)\n", c.Rank, c.MessageID, c.LikeCount)
	}
	fmt.Fprintf(&b, "Curated set: %s\n", m.CuratedSetHash.Hex())
	fmt.Fprintf(&b, "Minted by %s at %s", m.MintedBy.Hex(), time.Unix(m.MintedAt, 0).UTC().Format(time.RFC3339))
	return b.String()
}

func renderBox(title, body string) []string {
	var bodyLines []string
	for _, line := range strings.Split(body, "\n") {
		bodyLines = append(bodyLines, wrapLine(strings.TrimRight(line, " "), boxInnerWidth)...)
	}

	innerWidth := boxInnerWidth + boxPadding*2
	border := strings.Repeat("─", innerWidth+2)

	lines := []string{"╭" + border + "╮"}
	if title = strings.TrimSpace(title); title != "" {
		lines = append(lines, formatBoxLine(title), "├"+border+"┤")
	}
	for _, line := range bodyLines {
		lines = append(lines, formatBoxLine(line))
	}
	return append(lines, "╰"+border+"╯")
}

func wrapBox(lines []string) string {
	return fmt.Sprintf("```ansi\n%s%s%s\n```", ansiDim, strings.Join(lines, "\n"), ansiReset)
}

func formatBoxLine(content string) string {
	pad := strings.Repeat(" ", boxPadding)
	return fmt.Sprintf("│ %s%s%s │", pad, padRight(content, boxInnerWidth), pad)
}

// wrapLine breaks line on spaces so no piece exceeds width runes. Words
// longer than width are split.
func wrapLine(line string, width int) []string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return []string{""}
	}
	var out []string
	var current string
	for _, word := range words {
		for utf8.RuneCountInString(word) > width {
			if current != "" {
				out = append(out, current)
				current = ""
			}
			r := []rune(word)
			out = append(out, string(r[:width]))
			word = string(r[width:])
		}
		switch {
		case current == "":
			current = word
		case utf8.RuneCountInString(current)+1+utf8.RuneCountInString(word) > width:
			out = append(out, current)
			current = word
		default:
			current += " " + word
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

func padRight(text string, width int) string {
	n := utf8.RuneCountInString(text)
	if n >= width {
		return string([]rune(text)[:width])
	}
	return text + strings.Repeat(" ", width-n)
}
