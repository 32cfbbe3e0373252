package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bashirmohd/bigdataexpress-C/common/catalog"
	"github.com/bashirmohd/bigdataexpress-C/common/consul"
	"github.com/bashirmohd/bigdataexpress-C/common/control"
	"github.com/bashirmohd/bigdataexpress-C/common/metrics"
	"github.com/bashirmohd/bigdataexpress-C/common/store"
	"github.com/bashirmohd/bigdataexpress-C/server/daemon"
	"github.com/bashirmohd/bigdataexpress-C/server/domain"
)

const (
	connectTimeout = 30 * time.Second
)

var (
	options      = domain.SchedulerOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

// createStore connects to the configured document store.
func createStore(ctx context.Context, options *domain.SchedulerOptions) store.DocumentStore {
	var documentStore store.DocumentStore

	switch options.StoreType {
	case domain.RedisStore:
		redisStore := store.NewRedisStore(options.StoreHost, options.StorePort)
		redisStore.SetDatabase(options.RedisDatabase)
		redisStore.SetRedisPassword(options.RedisPassword)
		documentStore = redisStore
	case domain.MongoStore:
		documentStore = store.NewMongoStore(options.MongoURI, options.MongoDatabase)
	default:
		globalLogger.Warn("Using the in-memory document store. Jobs will not survive a restart.")
		documentStore = store.NewMemoryStore()
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := documentStore.Connect(connectCtx); err != nil {
		log.Fatalf("Failed to connect to the \"%s\" document store: %v", options.StoreType, err)
	}

	return documentStore
}

// createTransport creates the Transport of the control channel. It is connected by the Coordinator.
func createTransport(options *domain.SchedulerOptions) control.Transport {
	switch options.Transport {
	case domain.RedisTransport:
		return control.NewRedisTransport(options.MQHost, options.MQPort, options.RedisDatabase, options.RedisPassword)
	case domain.MQTTTransport:
		return control.NewMQTTTransport(control.MQTTOptions{
			Host:     options.MQHost,
			Port:     options.MQPort,
			CACert:   options.MQCACert,
			ClientId: options.MQClientId,
			Username: options.MQUsername,
			Password: options.MQPassword,
		})
	default:
		globalLogger.Warn("Using the in-process control channel. No transfer agent can reach this scheduler.")
		return control.NewMemoryTransport()
	}
}

// loadSite populates the store from the seed file, if one was given, and loads the site catalog from the store.
func loadSite(ctx context.Context, repository *store.Repository, options *domain.SchedulerOptions) *catalog.Catalog {
	if options.ClearJobs {
		if err := repository.ClearJobs(ctx); err != nil {
			log.Fatalf("Failed to clear job records: %v", err)
		}
	}

	if options.SeedFile != "" {
		seed, err := catalog.LoadSeed(options.SeedFile)
		if err != nil {
			log.Fatalf("Failed to load seed file \"%s\": %v", options.SeedFile, err)
		}

		if err = repository.Seed(ctx, seed); err != nil {
			log.Fatalf("Failed to seed the document store: %v", err)
		}
	}

	site := catalog.New()
	if err := site.Load(ctx, repository); err != nil {
		log.Fatalf("Failed to load the site catalog: %v", err)
	}

	globalLogger.Info("Loaded %d storage(s), %d DTN(s) and %d link(s).", len(site.Storages()), len(site.DTNs()),
		len(site.Links()))

	return site
}

func registerWithConsul(options *domain.SchedulerOptions, serviceId string) *consul.Client {
	if options.ConsulAddr == "" {
		return nil
	}

	globalLogger.Info("Initializing consul agent [host: %v]...", options.ConsulAddr)
	consulClient, err := consul.NewClient(options.ConsulAddr, options.ControlInterface)
	if err != nil {
		log.Fatalf("Got error while initializing consul agent: %v", err)
	}

	meta := map[string]string{
		"transport":      options.Transport,
		"mq_host":        options.MQHost,
		"mq_port":        fmt.Sprintf("%d", options.MQPort),
		"auth_client_id": options.AuthClientId,
		"auth_callback":  options.AuthCallback,
	}

	err = consulClient.Register(consul.ServiceName, serviceId, "", options.MQPort, options.PrometheusPort, meta)
	if err != nil {
		log.Fatalf("Failed to register in consul: %v", err)
	}

	globalLogger.Info("Successfully registered in consul as %s.", serviceId)
	return consulClient
}

func main() {
	defer finalize()

	// Ensure that the options/configuration is valid.
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the transfer scheduler with the following options:\n%s\n",
			options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the transfer scheduler.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	documentStore := createStore(ctx, &options)
	defer func() {
		if err := documentStore.Close(); err != nil {
			globalLogger.Warn("Failed to close the document store: %v", err)
		}
	}()

	repository := store.NewRepository(documentStore)
	site := loadSite(ctx, repository, &options)

	channel := control.NewChannel(createTransport(&options))
	defer func() {
		if err := channel.Close(); err != nil {
			globalLogger.Warn("Failed to close the control channel: %v", err)
		}
	}()

	serviceId := fmt.Sprintf("%s-%s", options.ServiceId, uuid.NewString()[:8])

	metricsManager := metrics.NewSchedulerPrometheusManager(options.PrometheusPort, serviceId, site)
	if err := metricsManager.Start(); err != nil {
		log.Fatalf("Failed to start the metrics manager: %v", err)
	}
	defer func() {
		_ = metricsManager.Stop()
	}()

	coordinator, err := daemon.NewCoordinator(&options, site, repository, channel, metricsManager)
	if err != nil {
		log.Fatalf("Failed to create the coordinator: %v", err)
	}

	if err = coordinator.Recover(ctx); err != nil {
		log.Fatalf("Failed to recover persisted jobs: %v", err)
	}

	consulClient := registerWithConsul(&options, serviceId)

	// Start detecting stop signals
	go func() {
		<-sig
		globalLogger.Info("Shutting down...")

		if consulClient != nil {
			if err := consulClient.Deregister(serviceId); err != nil {
				globalLogger.Warn("Failed to deregister from consul: %v", err)
			}
		}

		cancel()
	}()

	if err = coordinator.Run(ctx); err != nil {
		globalLogger.Error("Control loop exited with error: %v", err)
	}
}

func finalize() {
	if err := recover(); err != nil {
		globalLogger.Error("Called recover() and retrieved the following error: %v", err)
		globalLogger.Error("Stack trace of CURRENT goroutine:")
		debug.PrintStack()
		os.Exit(1)
	}
}
