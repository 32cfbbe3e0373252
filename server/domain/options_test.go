package domain_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bashirmohd/bigdataexpress-C/common/decompose"
	"github.com/bashirmohd/bigdataexpress-C/common/jobs"
	"github.com/bashirmohd/bigdataexpress-C/server/domain"
)

var _ = Describe("SchedulerOptions", func() {
	It("will fill in defaults", func() {
		options := domain.SchedulerOptions{}
		Expect(options.Validate()).To(Succeed())

		Expect(options.Transport).To(Equal(domain.MemoryTransport))
		Expect(options.StoreType).To(Equal(domain.MemoryStore))
		Expect(options.GroupSize).To(Equal(decompose.DefaultGroupSize))
		Expect(options.RetryLimit).To(Equal(jobs.DefaultRetryLimit))
		Expect(options.ScheduleInterval()).To(Equal(time.Second))
		Expect(options.Rate().IsZero()).To(BeTrue())

		policy, err := options.Policy()
		Expect(err).To(BeNil())
		Expect(policy).To(Equal(decompose.DefaultPolicy()))
	})

	It("will default the broker port per transport", func() {
		options := domain.SchedulerOptions{Transport: "MQTT", StoreType: "redis"}
		Expect(options.Validate()).To(Succeed())

		Expect(options.Transport).To(Equal(domain.MQTTTransport))
		Expect(options.MQHost).To(Equal(domain.DefaultMQHost))
		Expect(options.MQPort).To(Equal(domain.DefaultMQTTPort))
		Expect(options.StorePort).To(Equal(domain.DefaultRedisPort))
	})

	DescribeTable("invalid options",
		func(options domain.SchedulerOptions) {
			err := options.Validate()
			Expect(errors.Is(err, domain.ErrInvalidOptions)).To(BeTrue())
		},
		Entry("unknown transport", domain.SchedulerOptions{Transport: "amqp"}),
		Entry("unknown store", domain.SchedulerOptions{StoreType: "postgres"}),
		Entry("unparseable group size", domain.SchedulerOptions{GroupSize: "lots"}),
		Entry("negative block rate", domain.SchedulerOptions{BlockRate: -1}),
	)

	It("will not print secrets", func() {
		options := domain.SchedulerOptions{AuthClientSecret: "hunter2", RedisPassword: "s3cr3t"}
		Expect(options.Validate()).To(Succeed())

		Expect(options.PrettyString(2)).ToNot(ContainSubstring("hunter2"))
		Expect(options.String()).ToNot(ContainSubstring("s3cr3t"))
	})
})
