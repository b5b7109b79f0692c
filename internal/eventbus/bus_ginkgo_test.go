package eventbus_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionhost/internal/eventbus"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

func TestEventBusSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "EventBus Suite")
}

func logEvent(sessionID string, n int64) types.SessionEvent {
	return types.SessionEvent{
		Type:    types.EventLog,
		Payload: types.LogPayload{Level: types.LogInfo, Message: "tick"},
		Context: types.EventContext{SessionID: sessionID, Source: types.SourceSupervisor, TimestampMs: n},
	}
}

var _ = Describe("Bus rooms", func() {
	var bus *eventbus.Bus

	BeforeEach(func() {
		bus = eventbus.New(8)
	})

	AfterEach(func() {
		Expect(bus.Close()).To(Succeed())
	})

	Describe("reference counting", func() {
		It("keeps a client joined across multiple subscribes until matching unsubscribes", func() {
			_, err := bus.Subscribe("alice", "s1")
			Expect(err).NotTo(HaveOccurred())
			_, err = bus.Subscribe("alice", "s1")
			Expect(err).NotTo(HaveOccurred())

			bus.Unsubscribe("alice", "s1")
			Expect(bus.Publish(logEvent("s1", 1))).To(Succeed())

			sub, err := bus.Subscribe("alice", "s1")
			Expect(err).NotTo(HaveOccurred())
			Eventually(sub.Events, time.Second).Should(Receive())
		})

		It("is idempotent across reconnection", func() {
			sub, err := bus.Subscribe("alice", "s1")
			Expect(err).NotTo(HaveOccurred())

			// Re-subscribing (simulating reconnect) must not duplicate delivery.
			sub2, err := bus.Subscribe("alice", "s1")
			Expect(err).NotTo(HaveOccurred())

			Expect(bus.Publish(logEvent("s1", 1))).To(Succeed())
			Eventually(sub.Events, time.Second).Should(Receive())
			Consistently(sub2.Events, 100*time.Millisecond).ShouldNot(Receive())
		})
	})

	Describe("fan-out isolation", func() {
		It("delivers events only to subscribers of the matching session", func() {
			subA, err := bus.Subscribe("alice", "s1")
			Expect(err).NotTo(HaveOccurred())
			subB, err := bus.Subscribe("bob", "s2")
			Expect(err).NotTo(HaveOccurred())

			Expect(bus.Publish(logEvent("s1", 1))).To(Succeed())

			Eventually(subA.Events, time.Second).Should(Receive())
			Consistently(subB.Events, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("delivers in FIFO order to a single subscriber", func() {
			sub, err := bus.Subscribe("alice", "s1")
			Expect(err).NotTo(HaveOccurred())

			for i := int64(0); i < 10; i++ {
				Expect(bus.Publish(logEvent("s1", i))).To(Succeed())
			}

			for i := int64(0); i < 10; i++ {
				var e types.SessionEvent
				Eventually(sub.Events, time.Second).Should(Receive(&e))
				Expect(e.Context.TimestampMs).To(Equal(i))
			}
		})
	})

	Describe("backpressure", func() {
		It("disconnects a subscriber whose outbound queue overflows with Slow", func() {
			tinyBus := eventbus.New(1)
			defer tinyBus.Close()

			sub, err := tinyBus.Subscribe("alice", "s1")
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 20; i++ {
				_ = tinyBus.Publish(logEvent("s1", int64(i)))
			}

			Eventually(sub.Disconnected, time.Second).Should(Receive(Equal(eventbus.Slow)))
		})
	})
})
