package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/murmur-protocol/src/events"
	"github.com/stake-plus/murmur-protocol/src/types"
)

func TestCollectorCountsEvents(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	err := c.Publish(context.Background(), []events.Event{
		{Kind: events.KindTopicCreated, Amount: 1000},
		{Kind: events.KindMessagePosted, Message: &types.Message{VPCost: 24}},
		{Kind: events.KindMessageLiked, Amount: 1},
		{Kind: events.KindMessageLiked, Amount: 1},
		{Kind: events.KindSettlementApplied, Settlement: &types.Settlement{Users: []common.Address{{1}, {2}}}},
		{Kind: events.KindTopicMinted},
	})
	require.NoError(t, err)

	require.Equal(t, float64(1), testutil.ToFloat64(c.posts))
	require.Equal(t, float64(2), testutil.ToFloat64(c.likes))
	require.Equal(t, float64(24), testutil.ToFloat64(c.vpConsumed.WithLabelValues("post")))
	require.Equal(t, float64(2), testutil.ToFloat64(c.vpConsumed.WithLabelValues("like")))
	require.Equal(t, float64(1000), testutil.ToFloat64(c.vpConsumed.WithLabelValues("topic_create")))
	require.Equal(t, float64(1), testutil.ToFloat64(c.topics.WithLabelValues("minted")))
	require.Equal(t, float64(1), testutil.ToFloat64(c.settlementsApplied))
	require.Equal(t, float64(2), testutil.ToFloat64(c.settledUsers))
}

func TestOperationErrorsByCode(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.Operation("post", time.Now(), nil)
	c.Operation("post", time.Now(), types.ErrRateLimitExceeded)
	c.Operation("post", time.Now(), errors.New("disk on fire"))

	require.Equal(t, float64(1), testutil.ToFloat64(c.operationErrors.WithLabelValues("post", "rate_limit_exceeded")))
	require.Equal(t, float64(1), testutil.ToFloat64(c.operationErrors.WithLabelValues("post", "internal")))
}
