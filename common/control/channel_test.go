package control_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bashirmohd/bigdataexpress-C/common/control"
)

type recorder struct {
	mu     sync.Mutex
	events []*control.Event
}

func (r *recorder) record(event *control.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *recorder) blockIds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.events))
	for _, event := range r.events {
		ids = append(ids, event.BlockId)
	}

	return ids
}

func mustEvent(kind control.Kind, jobId string, blockId string) *control.Event {
	event, err := control.NewEvent(kind, jobId, blockId, nil)
	Expect(err).To(BeNil())
	return event
}

var _ = Describe("Channel", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		transport *control.MemoryTransport
		channel   *control.Channel
		received  *recorder
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())

		transport = control.NewMemoryTransport()
		channel = control.NewChannel(transport)
		channel.SetRetryInterval(10 * time.Millisecond)
		Expect(channel.Start(ctx)).To(Succeed())
		Expect(channel.Connected()).To(BeTrue())

		received = &recorder{}
		_, err := channel.Subscribe(ctx, control.AllJobs, received.record)
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		cancel()
		Expect(channel.Close()).To(Succeed())
	})

	It("will deliver events in publish order", func() {
		for _, blockId := range []string{"b0", "b1", "b2", "b3"} {
			Expect(channel.Publish(control.Topic("job-1"), mustEvent(control.KindAck, "job-1", blockId), nil)).To(Succeed())
		}

		Eventually(received.blockIds).Should(Equal([]string{"b0", "b1", "b2", "b3"}))
	})

	It("will report delivery to the callback", func() {
		delivered := make(chan error, 1)
		event := mustEvent(control.KindDispatch, "job-1", "b0")

		Expect(channel.Publish(control.Topic("job-1"), event, func(e *control.Event, err error) {
			Expect(e.EventId).To(Equal(event.EventId))
			delivered <- err
		})).To(Succeed())

		Eventually(delivered).Should(Receive(BeNil()))
	})

	It("will hold events while disconnected and flush them on reconnect", func() {
		statuses := make(chan control.ConnectionStatus, 4)
		channel.OnStatusChange(func(status control.ConnectionStatus) {
			statuses <- status
		})

		transport.SetConnected(false)
		Eventually(statuses).Should(Receive(Equal(control.Disconnected)))

		var delivered sync.WaitGroup
		for _, blockId := range []string{"b0", "b1", "b2"} {
			delivered.Add(1)
			Expect(channel.Publish(control.Topic("job-1"), mustEvent(control.KindDispatch, "job-1", blockId),
				func(_ *control.Event, err error) {
					defer GinkgoRecover()
					Expect(err).To(BeNil())
					delivered.Done()
				})).To(Succeed())
		}

		Consistently(channel.Pending, 100*time.Millisecond).Should(Equal(3))
		Expect(received.blockIds()).To(BeEmpty())

		transport.SetConnected(true)
		Eventually(statuses).Should(Receive(Equal(control.Connected)))

		Eventually(received.blockIds).Should(Equal([]string{"b0", "b1", "b2"}))
		Eventually(channel.Pending).Should(Equal(0))
		delivered.Wait()
	})

	It("will drop malformed messages", func() {
		Expect(transport.Publish(ctx, control.Topic("job-1"), []byte("garbage"))).To(Succeed())
		Expect(channel.Publish(control.Topic("job-1"), mustEvent(control.KindAck, "job-1", "b0"), nil)).To(Succeed())

		Eventually(received.blockIds).Should(Equal([]string{"b0"}))
	})

	It("will refuse to publish once closed", func() {
		Expect(channel.Close()).To(Succeed())

		err := channel.Publish(control.Topic("job-1"), mustEvent(control.KindAck, "job-1", "b0"), nil)
		Expect(err).To(MatchError(control.ErrChannelClosed))
	})
})
