package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/murmur-protocol/src/events"
	"github.com/stake-plus/murmur-protocol/src/types"
)

type fakeSender struct {
	channel string
	sent    []*discordgo.MessageSend
	err     error
}

func (f *fakeSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.channel = channelID
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "1", ChannelID: channelID, Content: data.Content}, nil
}

func mintedEvent() events.Event {
	var curated []types.CuratedEntry
	for i := 1; i <= 7; i++ {
		curated = append(curated, types.CuratedEntry{TopicID: 4, MessageID: uint64(10 + i), LikeCount: uint64(20 - i), Rank: uint32(i)})
	}
	return events.Event{
		Kind:    events.KindTopicMinted,
		Topic:   &types.Topic{ID: 4, MessageCount: 30, UniqueUsers: 9, LikeCount: 120, VPBurned: 900},
		Curated: curated,
		Mint: &types.MintRecord{
			TopicID:        4,
			CuratedSetHash: common.HexToHash("0x01"),
			MintedBy:       common.HexToAddress("0xaa"),
			MintedAt:       1_700_000_000,
		},
	}
}

func TestAnnouncesMintedTopics(t *testing.T) {
	sender := &fakeSender{}
	a := NewAnnouncer(sender, "chan", "https://murmur.example/", zerolog.Nop())

	err := a.Publish(context.Background(), []events.Event{
		{Kind: events.KindMessageLiked},
		mintedEvent(),
	})
	require.NoError(t, err)
	require.Equal(t, "chan", sender.channel)
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	require.Contains(t, msg.Content, "Topic #4 finalized")
	require.Contains(t, msg.Content, "Messages: 30  Participants: 9  Likes: 120")
	require.Contains(t, msg.Content, "#1 message 11 (19 likes)")
	require.Contains(t, msg.Content, "... and 2 more")
	require.NotContains(t, msg.Content, "message 16")
	require.Contains(t, msg.Content, "2023-11-14T22:13:20Z")
	require.Equal(t, discordgo.MessageFlagsSuppressEmbeds, msg.Flags)

	require.Len(t, msg.Components, 1)
	row := msg.Components[0].(discordgo.ActionsRow)
	require.Equal(t, "https://murmur.example/v1/topics/4/curated", row.Components[0].(discordgo.Button).URL)
}

func TestAnnounceFailureIsReturned(t *testing.T) {
	a := NewAnnouncer(&fakeSender{err: errors.New("gateway down")}, "chan", "", zerolog.Nop())
	err := a.Publish(context.Background(), []events.Event{mintedEvent()})
	require.ErrorContains(t, err, "announce topic 4")
}

func TestBoxLinesHaveEqualWidth(t *testing.T) {
	lines := renderBox("title", "short\n"+strings.Repeat("x", 130)+"\nwords that should wrap onto a second line once they pass the box width")
	width := utf8.RuneCountInString(lines[0])
	for _, l := range lines {
		require.Equal(t, width, utf8.RuneCountInString(l), l)
	}
}

func TestWrapLine(t *testing.T) {
	require.Equal(t, []string{"ab cd", "ef"}, wrapLine("ab cd ef", 5))
	require.Equal(t, []string{"abcde", "fg h"}, wrapLine("abcdefg h", 5))
	require.Equal(t, []string{""}, wrapLine("   ", 5))
}
