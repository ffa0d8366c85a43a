package pubsub

import (
	"encoding/json"
	"testing"
)

func recv(t *testing.T, s *Subscriber) Envelope {
	t.Helper()
	select {
	case msg := <-s.C():
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		return env
	default:
		t.Fatal("expected a message")
	}
	return Envelope{}
}

func TestPublishReachesTopicSubscribersOnly(t *testing.T) {
	h := NewHub()
	a := NewSubscriber("a", 4)
	b := NewSubscriber("b", 4)
	h.Subscribe(a, "ride1")
	h.Subscribe(b, "ride2")

	if err := h.Publish("ride1", "ride:status", map[string]string{"ride_id": "ride1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env := recv(t, a)
	if env.Event != "ride:status" {
		t.Fatalf("unexpected event %q", env.Event)
	}
	select {
	case <-b.C():
		t.Fatal("subscriber of another topic got the message")
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub()
	s := NewSubscriber("slow", 1)
	h.Subscribe(s, "t")
	for i := 0; i < 10; i++ {
		if err := h.Publish("t", "e", i); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	// buffer of one: exactly the first message survives
	<-s.C()
	select {
	case <-s.C():
		t.Fatal("expected overflow to be dropped")
	default:
	}
}

func TestDetachRemovesAllTopicsAndClosesChannel(t *testing.T) {
	h := NewHub()
	s := NewSubscriber("s", 4)
	h.Subscribe(s, "a")
	h.Subscribe(s, "b")
	h.Detach(s)
	if h.Subscribers("a") != 0 || h.Subscribers("b") != 0 {
		t.Fatal("detach left topic membership behind")
	}
	if _, ok := <-s.C(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestSendBypassesTopics(t *testing.T) {
	h := NewHub()
	s := NewSubscriber("s", 4)
	if err := h.Send(s, "ride:status", map[string]string{"ride_id": "r1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env := recv(t, s)
	if env.Event != "ride:status" {
		t.Fatalf("unexpected event %q", env.Event)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil || data["ride_id"] != "r1" {
		t.Fatalf("unexpected payload: %s", env.Data)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	s := NewSubscriber("s", 4)
	h.Subscribe(s, "t")
	h.Unsubscribe(s, "t")
	_ = h.Publish("t", "e", nil)
	select {
	case <-s.C():
		t.Fatal("unsubscribed subscriber got a message")
	default:
	}
}
