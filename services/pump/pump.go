package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/pump/core/logger"
	"github.com/relabs-tech/pump/pump/ingest"
	"github.com/relabs-tech/pump/pump/mapping"
	"github.com/relabs-tech/pump/pump/provision"
	"github.com/relabs-tech/pump/pump/relay"
	"github.com/relabs-tech/pump/pump/source"
	"github.com/relabs-tech/pump/pump/transform"
)

// Service holds the configuration for this service
type Service struct {
	TenantToken     string `env:"LIGHTELLIGENCE_TOKEN,required" description:"tenant token for the ingestion API"`
	SourceAPIKey    string `env:"ZENSIE_API_KEY,required" description:"API key for the telemetry source"`
	Organization    string `env:"ZENSIE_ORGANIZATION,required" description:"source organization identifier"`
	MappingFile     string `env:"MAPPING_FILE,default=/mapping.json" description:"path to the sensor-to-device mapping file"`
	CACertFile      string `env:"CA_CERT_FILE,default=olt_ca.pem" description:"trust-anchor certificate for the ingestion API"`
	SourceURL       string `env:"SOURCE_URL,default=https://api.30mhz.com" description:"base URL of the source REST API"`
	SourceBrokerURL string `env:"SOURCE_BROKER_URL,required" description:"MQTT URL of the source reading stream"`
	IngestURL       string `env:"INGEST_URL,default=https://api.lightelligence.io" description:"base URL of the ingestion API"`
	Mode            string `env:"MODE" description:"provision or relay; selected by mapping file content if unset"`
	StatusAddr      string `env:"STATUS_ADDR,default=:3000" description:"listen address of the status endpoint"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	store := mapping.New(service.MappingFile)
	if err := store.Load(); err != nil {
		// unreadable store is fatal in either mode, the supervisor restarts us
		panic(err)
	}

	mode := service.Mode
	if mode == "" {
		if store.IsEmpty() {
			mode = "provision"
		} else {
			mode = "relay"
		}
	}

	switch mode {
	case "provision":
		runProvisioning(service, store)
	case "relay":
		runRelay(service, store)
	default:
		rlog.Fatalf("unknown mode %q", mode)
	}
}

func runProvisioning(service *Service, store *mapping.Store) {
	rlog := logger.Default()

	sourceAPI := source.NewAPI(&source.Builder{
		URL:          service.SourceURL,
		APIKey:       service.SourceAPIKey,
		Organization: service.Organization,
	})
	ingestClient, err := ingest.NewClient(&ingest.Builder{
		URL:         service.IngestURL,
		TenantToken: service.TenantToken,
		CACertFile:  service.CACertFile,
	})
	if err != nil {
		panic(err)
	}

	planner := provision.NewPlanner(&provision.Builder{
		Source: sourceAPI,
		Ingest: ingestClient,
		Store:  store,
	})

	ctx, _ := logger.ContextWithLogger(nil)
	incomplete, err := planner.Run(ctx)
	if err != nil {
		panic(err)
	}
	if incomplete > 0 {
		rlog.Errorf("%d sensors could not be provisioned", incomplete)
		os.Exit(1)
	}
	rlog.Info("provisioning complete")
}

func runRelay(service *Service, store *mapping.Store) {
	rlog := logger.Default()

	ingestClient, err := ingest.NewClient(&ingest.Builder{
		URL:         service.IngestURL,
		TenantToken: service.TenantToken,
		CACertFile:  service.CACertFile,
	})
	if err != nil {
		panic(err)
	}

	subscription := source.NewSubscription(&source.SubscriptionBuilder{
		BrokerURL:    service.SourceBrokerURL,
		APIKey:       service.SourceAPIKey,
		Organization: service.Organization,
	})

	engine := relay.NewEngine(&relay.Builder{
		Store:       store,
		Transformer: transform.New(),
		Forwarder:   ingestClient,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	engine.HandleStatus(router)
	go func() {
		rlog.Infof("status endpoint on %s", service.StatusAddr)
		http.ListenAndServe(service.StatusAddr, handlers.CombinedLoggingHandler(os.Stdout, router))
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rlog.Infof("relaying %d mapped sensors (mapping revision %d)", store.Len(), store.Revision())
	go subscription.Run(ctx)
	engine.Run(ctx, subscription.Readings())
	rlog.Info("relay stopped")
}
