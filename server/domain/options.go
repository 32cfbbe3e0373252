package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/bashirmohd/bigdataexpress-C/common/decompose"
	"github.com/bashirmohd/bigdataexpress-C/common/jobs"
)

const (
	MemoryTransport = "memory"
	RedisTransport  = "redis"
	MQTTTransport   = "mqtt"

	MemoryStore = "memory"
	RedisStore  = "redis"
	MongoStore  = "mongo"

	DefaultMQHost             = "localhost"
	DefaultMQTTPort           = 1883
	DefaultRedisPort          = 6379
	DefaultRedisDatabase      = 0
	DefaultMongoURI           = "mongodb://localhost:27017"
	DefaultScheduleIntervalMs = 1000
	DefaultParallelism        = 8
	DefaultServiceId          = "bde-scheduler"
)

var (
	ErrInvalidOptions = errors.New("invalid scheduler options")
)

// SchedulerOptions configure the transfer scheduler daemon.
type SchedulerOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	// Control channel.
	Transport        string `name:"mq-transport" description:"Message broker used for the control channel: memory, redis or mqtt." yaml:"mq_transport" json:"mq_transport"`
	MQHost           string `name:"mq-host" description:"Hostname of the message broker." yaml:"mq_host" json:"mq_host"`
	MQPort           int    `name:"mq-port" description:"Port of the message broker." yaml:"mq_port" json:"mq_port"`
	MQCACert         string `name:"mq-ca" description:"Path of the CA certificate of the MQTT broker. Enables TLS when set." yaml:"mq_ca" json:"mq_ca"`
	MQClientId       string `name:"mq-client-id" description:"MQTT client id. Generated if empty." yaml:"mq_client_id" json:"mq_client_id"`
	MQUsername       string `name:"mq-username" description:"MQTT user name." yaml:"mq_username" json:"mq_username"`
	MQPassword       string `name:"mq-password" description:"MQTT password." yaml:"mq_password" json:"-"`
	ControlInterface string `name:"ctrl-interface" description:"Network interface carrying control traffic." yaml:"ctrl_interface" json:"ctrl_interface"`

	// Document store.
	StoreType     string `name:"store" description:"Document store: memory, redis or mongo." yaml:"store" json:"store"`
	StoreHost     string `name:"store-host" description:"Hostname of the Redis document store." yaml:"store_host" json:"store_host"`
	StorePort     int    `name:"store-port" description:"Port of the Redis document store." yaml:"store_port" json:"store_port"`
	RedisDatabase int    `name:"redis-database" description:"Redis database number." yaml:"redis_database" json:"redis_database"`
	RedisPassword string `name:"redis-password" description:"Redis password." yaml:"redis_password" json:"-"`
	MongoURI      string `name:"mongo-uri" description:"MongoDB connection string." yaml:"mongo_uri" json:"mongo_uri"`
	MongoDatabase string `name:"mongo-database" description:"MongoDB database name." yaml:"mongo_database" json:"mongo_database"`
	SeedFile      string `name:"seed" description:"YAML file describing the site's storages, DTNs and links. Written to the store at startup." yaml:"seed" json:"seed"`
	ClearJobs     bool   `name:"clear-jobs" description:"Remove all job records from the store at startup." yaml:"clear_jobs" json:"clear_jobs"`

	// Federated login. These are passed through to the transfer agents and never interpreted.
	AuthClientId     string `name:"auth-client-id" description:"Federated login client id." yaml:"auth_client_id" json:"auth_client_id"`
	AuthClientSecret string `name:"auth-client-secret" description:"Federated login client secret." yaml:"auth_client_secret" json:"-"`
	AuthCallback     string `name:"auth-callback" description:"Federated login callback URL." yaml:"auth_callback" json:"auth_callback"`

	// Scheduling.
	GroupSize          string  `name:"group-size" description:"Maximum size of a block, e.g. \"20GB\"." yaml:"group_size" json:"group_size"`
	BlocksPerSubJob    int     `name:"blocks-per-subjob" description:"Maximum number of blocks in a sub-job." yaml:"blocks_per_subjob" json:"blocks_per_subjob"`
	RetryLimit         int     `name:"retry-limit" description:"Number of failed attempts after which a block fails for good." yaml:"retry_limit" json:"retry_limit"`
	BlockRate          float64 `name:"block-rate" description:"Bandwidth reserved for each block. 0 reserves the block's length." yaml:"block_rate" json:"block_rate"`
	ScheduleIntervalMs int     `name:"schedule-interval" description:"Interval, in milliseconds, between periodic scheduling passes." yaml:"schedule_interval" json:"schedule_interval"`
	Parallelism        int     `name:"parallelism" description:"Maximum number of jobs scheduled concurrently." yaml:"parallelism" json:"parallelism"`
	DedupeCapacity     int     `name:"dedupe-capacity" description:"Number of recent event ids remembered to discard duplicates." yaml:"dedupe_capacity" json:"dedupe_capacity"`

	// Observability and registration.
	PrometheusPort     int    `name:"prometheus-port" description:"Port on which metrics are served. 0 disables the endpoint." yaml:"prometheus_port" json:"prometheus_port"`
	ConsulAddr         string `name:"consul" description:"Consul agent address." yaml:"consul" json:"consul"`
	ServiceId          string `name:"service-id" description:"Id under which the scheduler registers with Consul." yaml:"service_id" json:"service_id"`
	PrettyPrintOptions bool   `name:"pretty_print_options" description:"Print the options at startup." yaml:"pretty_print_options" json:"pretty_print_options"`
}

// Validate fills in defaults and checks the options.
func (o *SchedulerOptions) Validate() error {
	o.Transport = strings.ToLower(o.Transport)
	switch o.Transport {
	case "":
		fmt.Printf("[WARNING] \"mq-transport\" is not set. Using the in-process \"%s\" transport.\n", MemoryTransport)
		o.Transport = MemoryTransport
	case MemoryTransport, RedisTransport, MQTTTransport:
	default:
		return fmt.Errorf("%w: unknown transport \"%s\"", ErrInvalidOptions, o.Transport)
	}

	if o.Transport != MemoryTransport && o.MQHost == "" {
		fmt.Printf("[WARNING] \"mq-host\" is not set. Using default value: \"%s\".\n", DefaultMQHost)
		o.MQHost = DefaultMQHost
	}

	if o.MQPort <= 0 {
		switch o.Transport {
		case MQTTTransport:
			o.MQPort = DefaultMQTTPort
		case RedisTransport:
			o.MQPort = DefaultRedisPort
		}
	}

	o.StoreType = strings.ToLower(o.StoreType)
	switch o.StoreType {
	case "":
		fmt.Printf("[WARNING] \"store\" is not set. Using the \"%s\" store; nothing will survive a restart.\n",
			MemoryStore)
		o.StoreType = MemoryStore
	case MemoryStore, RedisStore, MongoStore:
	default:
		return fmt.Errorf("%w: unknown store \"%s\"", ErrInvalidOptions, o.StoreType)
	}

	if o.StoreType == RedisStore {
		if o.StoreHost == "" {
			o.StoreHost = "localhost"
		}

		if o.StorePort <= 0 {
			fmt.Printf("[WARNING] \"store-port\" is not set. Using default value: '%d'.\n", DefaultRedisPort)
			o.StorePort = DefaultRedisPort
		}
	}

	if o.RedisDatabase < 0 {
		fmt.Printf("[WARNING] RedisDatabase configuration is invalid. Using default value: '%d'.\n",
			DefaultRedisDatabase)
		o.RedisDatabase = DefaultRedisDatabase
	}

	if o.StoreType == MongoStore && o.MongoURI == "" {
		fmt.Printf("[WARNING] \"mongo-uri\" is not set. Using default value: \"%s\".\n", DefaultMongoURI)
		o.MongoURI = DefaultMongoURI
	}

	if o.GroupSize == "" {
		o.GroupSize = decompose.DefaultGroupSize
	}

	if o.BlocksPerSubJob <= 0 {
		o.BlocksPerSubJob = decompose.DefaultMaxBlocksPerSubJob
	}

	if _, err := o.Policy(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	if o.RetryLimit <= 0 {
		o.RetryLimit = jobs.DefaultRetryLimit
	}

	if o.BlockRate < 0 {
		return fmt.Errorf("%w: negative block rate %f", ErrInvalidOptions, o.BlockRate)
	}

	if o.ScheduleIntervalMs <= 0 {
		o.ScheduleIntervalMs = DefaultScheduleIntervalMs
	}

	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}

	if o.DedupeCapacity <= 0 {
		o.DedupeCapacity = jobs.DefaultDedupeCapacity
	}

	if o.ServiceId == "" {
		o.ServiceId = DefaultServiceId
	}

	return nil
}

// Policy returns the decomposition policy described by the options.
func (o *SchedulerOptions) Policy() (decompose.Policy, error) {
	return decompose.ParsePolicy(o.GroupSize, o.BlocksPerSubJob)
}

// ScheduleInterval returns the interval between periodic scheduling passes.
func (o *SchedulerOptions) ScheduleInterval() time.Duration {
	return time.Duration(o.ScheduleIntervalMs) * time.Millisecond
}

// Rate returns the per-block bandwidth reservation. Zero means each block reserves its own length.
func (o *SchedulerOptions) Rate() decimal.Decimal {
	return decimal.NewFromFloat(o.BlockRate)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *SchedulerOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(o, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (o *SchedulerOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}

	return string(m)
}
