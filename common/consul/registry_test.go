package consul_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	consulapi "github.com/hashicorp/consul/api"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bashirmohd/bigdataexpress-C/common/consul"
)

// fakeAgent records the requests made to the consul agent API.
type fakeAgent struct {
	mu            sync.Mutex
	registrations []consulapi.AgentServiceRegistration
	deregistered  []string
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case r.URL.Path == "/v1/agent/service/register":
		body, _ := io.ReadAll(r.Body)

		var reg consulapi.AgentServiceRegistration
		if err := json.Unmarshal(body, &reg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		a.registrations = append(a.registrations, reg)
	case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		a.deregistered = append(a.deregistered, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}

var _ = Describe("Client", func() {
	var (
		agent  *fakeAgent
		server *httptest.Server
		client *consul.Client
	)

	BeforeEach(func() {
		agent = &fakeAgent{}
		server = httptest.NewServer(agent)

		var err error
		client, err = consul.NewClient(strings.TrimPrefix(server.URL, "http://"), "")
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		server.Close()
	})

	It("will register the scheduler with its metadata and health check", func() {
		err := client.Register(consul.ServiceName, "bde-scheduler-1", "10.0.0.5", 5000, 8089,
			map[string]string{"transport": "mqtt"})
		Expect(err).To(BeNil())

		Expect(agent.registrations).To(HaveLen(1))
		reg := agent.registrations[0]
		Expect(reg.ID).To(Equal("bde-scheduler-1"))
		Expect(reg.Name).To(Equal(consul.ServiceName))
		Expect(reg.Address).To(Equal("10.0.0.5"))
		Expect(reg.Meta).To(HaveKeyWithValue("transport", "mqtt"))
		Expect(reg.Check).ToNot(BeNil())
		Expect(reg.Check.HTTP).To(Equal("http://10.0.0.5:8089/metrics"))
	})

	It("will register without a health check when metrics are disabled", func() {
		Expect(client.Register(consul.ServiceName, "bde-scheduler-1", "10.0.0.5", 5000, 0, nil)).To(Succeed())
		Expect(agent.registrations[0].Check).To(BeNil())
	})

	It("will deregister the scheduler", func() {
		Expect(client.Deregister("bde-scheduler-1")).To(Succeed())
		Expect(agent.deregistered).To(ConsistOf("bde-scheduler-1"))
	})

	It("will fall back to any address when the control interface does not exist", func() {
		fallback, err := consul.NewClient(strings.TrimPrefix(server.URL, "http://"), "no-such-interface0")
		Expect(err).To(BeNil())

		ip, err := fallback.LocalIP()
		if err != nil {
			Expect(err).To(MatchError(consul.ErrNoAddress))
		} else {
			Expect(ip).ToNot(BeEmpty())
		}
	})
})
