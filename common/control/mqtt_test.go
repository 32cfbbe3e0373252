package control_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	broker "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bashirmohd/bigdataexpress-C/common/control"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

// freePort returns a local TCP port that nothing is listening on.
func freePort() int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).To(BeNil())
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// startBroker runs an embedded MQTT broker that accepts every client on the given local port.
func startBroker(port int) *broker.Server {
	server := broker.New(&broker.Options{
		Logger: slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})

	Expect(server.AddHook(new(auth.AllowHook), nil)).To(Succeed())

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: "127.0.0.1:" + strconv.Itoa(port)})
	Expect(server.AddListener(tcp)).To(Succeed())
	Expect(server.Serve()).To(Succeed())

	return server
}

var _ = Describe("MQTTTransport", func() {
	var (
		port      int
		server    *broker.Server
		transport *control.MQTTTransport
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		port = freePort()
		server = startBroker(port)

		ctx, cancel = context.WithCancel(context.Background())

		transport = control.NewMQTTTransport(control.MQTTOptions{
			Host:     "127.0.0.1",
			Port:     port,
			ClientId: "bde-scheduler-test",
		})
		Expect(transport.Connect(ctx)).To(Succeed())
		Eventually(transport.ConnectionStatus).Should(Equal(control.Connected))
	})

	AfterEach(func() {
		cancel()
		Expect(transport.Close()).To(Succeed())
		if server != nil {
			Expect(server.Close()).To(Succeed())
		}
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
		Expect(transport.Publish(ctx, control.Topic("job-1"), []byte("third"))).To(Succeed())

		Eventually(received).Should(Receive(Equal("bde/jobs/job-1:first")))
		Eventually(received).Should(Receive(Equal("bde/jobs/job-2:second")))
		Eventually(received).Should(Receive(Equal("bde/jobs/job-1:third")))
		Consistently(received, 100*time.Millisecond).ShouldNot(Receive())
	})

	It("will stop delivering after unsubscribing", func() {
		received := make(chan string, 8)

		sub, err := transport.Subscribe(ctx, control.Topic("job-1"), func(_ string, payload []byte) {
			received <- string(payload)
		})
		Expect(err).To(BeNil())
		Expect(sub.Unsubscribe()).To(Succeed())

		Expect(transport.Publish(ctx, control.Topic("job-1"), []byte("late"))).To(Succeed())
		Consistently(received, 100*time.Millisecond).ShouldNot(Receive())
	})

	It("will report the loss of the broker", func() {
		Expect(server.Close()).To(Succeed())
		server = nil

		Eventually(transport.ConnectionStatus).Should(Equal(control.Disconnected))
		Consistently(transport.ConnectionStatus, 200*time.Millisecond).Should(Equal(control.Disconnected))

		err := transport.Publish(ctx, control.Topic("job-1"), []byte("held"))
		Expect(errors.Is(err, types.ErrDisconnected)).To(BeTrue())
	})

	It("will subscribe again after reconnecting", func() {
		received := make(chan string, 8)

		_, err := transport.Subscribe(ctx, control.AllJobs, func(topic string, payload []byte) {
			received <- topic + ":" + string(payload)
		})
		Expect(err).To(BeNil())

		Expect(server.Close()).To(Succeed())
		server = nil
		Eventually(transport.ConnectionStatus).Should(Equal(control.Disconnected))

		// The restarted broker knows nothing of the earlier session.
		server = startBroker(port)

		Eventually(transport.ConnectionStatus).WithTimeout(20 * time.Second).Should(Equal(control.Connected))

		Expect(transport.Publish(ctx, control.Topic("job-3"), []byte("after"))).To(Succeed())
		Eventually(received).Should(Receive(Equal("bde/jobs/job-3:after")))
	})
})
