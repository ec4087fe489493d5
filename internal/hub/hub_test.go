package hub

import (
	"testing"
	"time"

	"geotracker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func updateEvent(deviceID string) models.Event {
	return models.Event{
		Type:     models.EventUpdated,
		DeviceID: deviceID,
		Position: &models.Position{DeviceID: deviceID, Latitude: 1, Longitude: 2, Timestamp: time.Now().UnixMilli()},
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := New()
	a := h.Subscribe()
	b := h.Subscribe()
	assert.Equal(t, 2, h.Len())

	h.Publish(updateEvent("T1"))

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.Events:
			assert.Equal(t, models.EventUpdated, ev.Type)
			assert.Equal(t, "T1", ev.DeviceID)
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestLateJoinerGetsNoBacklog(t *testing.T) {
	h := New()
	h.Publish(updateEvent("T1"))

	sub := h.Subscribe()
	select {
	case <-sub.Events:
		t.Fatal("late joiner must not receive past events")
	default:
	}
}

func TestStalledSubscriberDropsWithoutBlocking(t *testing.T) {
	h := New()
	stalled := h.Subscribe()
	healthy := h.Subscribe()

	// Overfill the stalled subscriber's buffer; Publish must not block and
	// the healthy subscriber must still see everything its buffer holds.
	for i := 0; i < subscriberBuffer+16; i++ {
		h.Publish(updateEvent("T1"))
		<-healthy.Events
	}

	assert.Len(t, stalled.Events, subscriberBuffer)
}

func TestUnsubscribeClosesFeed(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	h.Unsubscribe(sub)
	assert.Zero(t, h.Len())

	_, open := <-sub.Events
	assert.False(t, open)

	// Publishing after unsubscribe goes nowhere.
	h.Publish(updateEvent("T1"))
}

func TestRemovalEvent(t *testing.T) {
	h := New()
	sub := h.Subscribe()

	h.Publish(models.Event{Type: models.EventRemoved, DeviceID: "T9"})

	ev := <-sub.Events
	require.Equal(t, models.EventRemoved, ev.Type)
	assert.Equal(t, "T9", ev.DeviceID)
	assert.Nil(t, ev.Position)
}
