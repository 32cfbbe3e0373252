package store

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MongoStore documents", func() {
	It("will key documents by id and strip the key on the way out", func() {
		document := []byte(`{"_id":"stale","id":"job-1-s0000-b0000","state":"pending","attempts":1,"reservations":["r1","r2"]}`)

		converted, err := toBSON("job-1-s0000-b0000", document)
		Expect(err).To(BeNil())
		Expect(converted[0].Key).To(Equal("_id"))
		Expect(converted[0].Value).To(Equal("job-1-s0000-b0000"))
		Expect(converted).To(HaveLen(5))

		restored, err := fromBSON(converted)
		Expect(err).To(BeNil())
		Expect(restored).To(MatchJSON(`{"id":"job-1-s0000-b0000","state":"pending","attempts":1,"reservations":["r1","r2"]}`))
	})

	It("will reject documents that are not JSON objects", func() {
		_, err := toBSON("x", []byte(`[1, 2, 3]`))
		Expect(err).ToNot(BeNil())
	})
})
