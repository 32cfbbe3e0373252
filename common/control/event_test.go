package control_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bashirmohd/bigdataexpress-C/common/control"
)

var _ = Describe("Event", func() {
	It("will round-trip through the wire format", func() {
		event, err := control.NewEvent(control.KindFail, "job-1", "job-1-s0000-b0001",
			map[string]string{"reason": "checksum mismatch"})
		Expect(err).To(BeNil())
		Expect(event.EventId).ToNot(BeEmpty())

		data, err := event.Encode()
		Expect(err).To(BeNil())

		decoded, err := control.DecodeEvent(data)
		Expect(err).To(BeNil())
		Expect(decoded.EventId).To(Equal(event.EventId))
		Expect(decoded.Kind).To(Equal(control.KindFail))
		Expect(decoded.BlockId).To(Equal("job-1-s0000-b0001"))

		var payload map[string]string
		Expect(decoded.Decode(&payload)).To(Succeed())
		Expect(payload["reason"]).To(Equal("checksum mismatch"))
	})

	It("will reject malformed events", func() {
		_, err := control.DecodeEvent([]byte("{not json"))
		Expect(err).ToNot(BeNil())

		_, err = control.DecodeEvent([]byte(`{"kind":"ack","jobId":"job-1"}`))
		Expect(err).ToNot(BeNil())
	})

	It("will fail to decode an empty payload", func() {
		event, err := control.NewEvent(control.KindAck, "job-1", "b", nil)
		Expect(err).To(BeNil())

		var v map[string]any
		Expect(event.Decode(&v)).ToNot(Succeed())
	})

	DescribeTable("topic matching",
		func(pattern string, topic string, expected bool) {
			Expect(control.Matches(pattern, topic)).To(Equal(expected))
		},
		Entry("exact", "bde/jobs/job-1", "bde/jobs/job-1", true),
		Entry("wildcard level", control.AllJobs, control.Topic("job-7"), true),
		Entry("different job", "bde/jobs/job-1", "bde/jobs/job-2", false),
		Entry("wildcard does not span levels", control.AllJobs, "bde/jobs/job-1/extra", false),
		Entry("shorter topic", control.AllJobs, "bde/jobs", false),
	)
})
