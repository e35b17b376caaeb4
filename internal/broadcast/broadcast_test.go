package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster() *Broadcaster {
	b := New(logrus.StandardLogger())
	b.writeTimeout = 50 * time.Millisecond
	return b
}

func TestPublishJobUpdateReachesTenantAndJobChannels(t *testing.T) {
	b := newTestBroadcaster()

	allJobs, err := b.SubscribeAllJobs(1)
	require.NoError(t, err)
	defer allJobs.Unsubscribe()

	jobSub, err := b.SubscribeJob("job_abc")
	require.NoError(t, err)
	defer jobSub.Unsubscribe()

	otherTenant, err := b.SubscribeAllJobs(2)
	require.NoError(t, err)
	defer otherTenant.Unsubscribe()

	b.PublishJobUpdate(1, "job_abc", map[string]string{"status": "RUNNING"})

	select {
	case msg := <-allJobs.C:
		var decoded map[string]string
		require.NoError(t, json.Unmarshal(msg, &decoded))
		require.Equal(t, "RUNNING", decoded["status"])
	case <-time.After(time.Second):
		t.Fatal("expected a message on all-jobs channel")
	}

	select {
	case <-jobSub.C:
	case <-time.After(time.Second):
		t.Fatal("expected a message on the per-job channel")
	}

	select {
	case <-otherTenant.C:
		t.Fatal("tenant 2 must not receive tenant 1's job update")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroadcaster()
	sub, err := b.SubscribePoolStatus(1)
	require.NoError(t, err)
	sub.Unsubscribe()

	b.PublishPoolStatus(1, map[string]int{"online": 3})

	_, ok := <-sub.C
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func TestSubscribeRejectsOverCapacityChannel(t *testing.T) {
	b := newTestBroadcaster()
	b.maxSubs = 2

	_, err := b.SubscribePoolStatus(1)
	require.NoError(t, err)
	_, err = b.SubscribePoolStatus(1)
	require.NoError(t, err)
	_, err = b.SubscribePoolStatus(1)
	require.Error(t, err)
	_, ok := err.(*ErrChannelFull)
	require.True(t, ok)
}

func TestSlowSubscriberIsDroppedWithoutBlockingOthers(t *testing.T) {
	b := newTestBroadcaster()
	slow, err := b.SubscribeAllJobs(1)
	require.NoError(t, err)
	fast, err := b.SubscribeAllJobs(1)
	require.NoError(t, err)
	defer fast.Unsubscribe()

	for i := 0; i < 64; i++ {
		b.PublishJobUpdate(1, "job_x", map[string]int{"i": i})
	}

	select {
	case _, ok := <-slow.C:
		if ok {
			// draining the buffered backlog is fine; the point is the
			// publish calls above never blocked this goroutine.
		}
	default:
	}

	select {
	case <-fast.C:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber should still receive updates")
	}
}

func TestPublishCancellationTargetsJobChannelOnly(t *testing.T) {
	b := newTestBroadcaster()
	jobSub, err := b.SubscribeJob("job_xyz")
	require.NoError(t, err)
	defer jobSub.Unsubscribe()

	b.PublishCancellation(1, "job_xyz")

	select {
	case msg := <-jobSub.C:
		var decoded map[string]string
		require.NoError(t, json.Unmarshal(msg, &decoded))
		require.Equal(t, "cancelled", decoded["type"])
	case <-time.After(time.Second):
		t.Fatal("expected a cancellation message")
	}
}
