package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(TopicStreamStarted)
	t.Cleanup(sub.Close)

	b.Publish(TopicStreamStarted, "session-1")

	ev := <-sub.C()
	require.Equal(t, TopicStreamStarted, ev.Topic)
	require.Equal(t, "session-1", ev.Data)
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	b := New(2)
	sub := b.Subscribe(TopicBandwidthUpdate)
	t.Cleanup(sub.Close)

	b.Publish(TopicBandwidthUpdate, 1)
	b.Publish(TopicBandwidthUpdate, 2)
	b.Publish(TopicBandwidthUpdate, 3) // should drop 1, keep 2 and 3

	first := <-sub.C()
	second := <-sub.C()
	require.Equal(t, 2, first.Data)
	require.Equal(t, 3, second.Data)
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := New(1)
	b.Publish(TopicMetricsUpdate, struct{}{})
}

func TestSubscribeIsolatedByTopic(t *testing.T) {
	b := New(4)
	streams := b.Subscribe(TopicStreamStarted)
	settings := b.Subscribe(TopicSettingsChanged)
	t.Cleanup(streams.Close)
	t.Cleanup(settings.Close)

	b.Publish(TopicStreamStarted, "x")

	select {
	case ev := <-streams.C():
		require.Equal(t, "x", ev.Data)
	default:
		t.Fatal("expected event on streams subscription")
	}
	select {
	case <-settings.C():
		t.Fatal("settings subscription should not receive stream events")
	default:
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(TopicStreamStopped)
	sub.Close()

	b.Publish(TopicStreamStopped, "ignored")

	_, ok := <-sub.C()
	require.False(t, ok, "channel should be closed after Close")
}
