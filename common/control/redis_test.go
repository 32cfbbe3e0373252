package control_test

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bashirmohd/bigdataexpress-C/common/control"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

var _ = Describe("RedisTransport", func() {
	var (
		server    *miniredis.Miniredis
		transport *control.RedisTransport
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		server = miniredis.RunT(GinkgoT())

		port, err := strconv.Atoi(server.Port())
		Expect(err).To(BeNil())

		ctx, cancel = context.WithCancel(context.Background())

		transport = control.NewRedisTransport(server.Host(), port, 0, "")
		transport.SetPingInterval(20 * time.Millisecond)
		Expect(transport.Connect(ctx)).To(Succeed())
		Expect(transport.ConnectionStatus()).To(Equal(control.Connected))
	})

	AfterEach(func() {
		cancel()
		Expect(transport.Close()).To(Succeed())
	})

	It("will deliver messages published on a wildcard subscription in order", func() {
		received := make(chan string, 8)

		_, err := transport.Subscribe(ctx, control.AllJobs, func(topic string, payload []byte) {
			received <- topic + ":" + string(payload)
		})
		Expect(err).To(BeNil())

		Expect(transport.Publish(ctx, control.Topic("job-1"), []byte("first"))).To(Succeed())
		Expect(transport.Publish(ctx, "bde/jobs/job-1/nested", []byte("ignored"))).To(Succeed())
		Expect(transport.Publish(ctx, control.Topic("job-2"), []byte("second"))).To(Succeed())

		Eventually(received).Should(Receive(Equal("bde/jobs/job-1:first")))
		Eventually(received).Should(Receive(Equal("bde/jobs/job-2:second")))
		Consistently(received, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("will stop delivering after unsubscribing", func() {
		received := make(chan string, 8)

		sub, err := transport.Subscribe(ctx, control.Topic("job-1"), func(_ string, payload []byte) {
			received <- string(payload)
		})
		Expect(err).To(BeNil())
		Expect(sub.Unsubscribe()).To(Succeed())

		Expect(transport.Publish(ctx, control.Topic("job-1"), []byte("late"))).To(Succeed())
		Consistently(received, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("will report the loss of the server", func() {
		server.Close()

		Eventually(transport.ConnectionStatus).Should(Equal(control.Disconnected))

		err := transport.Publish(ctx, control.Topic("job-1"), []byte("held"))
		Expect(errors.Is(err, types.ErrDisconnected)).To(BeTrue())
	})
})
