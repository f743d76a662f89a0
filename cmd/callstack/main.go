package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"google.golang.org/api/option"

	"github.com/getsentry/callstack/internal/analysis"
	"github.com/getsentry/callstack/internal/callstack"
	"github.com/getsentry/callstack/internal/diagnostics"
	"github.com/getsentry/callstack/internal/event"
	"github.com/getsentry/callstack/internal/eventstream"
	"github.com/getsentry/callstack/internal/httputil"
	"github.com/getsentry/callstack/internal/layout"
	"github.com/getsentry/callstack/internal/logutil"
	"github.com/getsentry/callstack/internal/storageprovider"
	"github.com/getsentry/callstack/internal/storageutil"
)

type environment struct {
	config ServiceConfig
	layout layout.Layout

	analyses *analysis.Registry

	storage  storageutil.ObjectHandler
	closers  []io.Closer
	http     *httpclient.Client
	bigquery *bigquery.Client

	diagnosticsWriter diagnostics.Writer
	diagnostics       *diagnostics.Publisher
	newEventsReader   func(topic string) eventstream.Reader

	// analyses outlive the requests starting them
	ctx    context.Context
	cancel context.CancelFunc
}

var release string

func newEnvironment(c ServiceConfig) (*environment, error) {
	e := environment{
		config:   c,
		layout:   layout.Default(),
		analyses: analysis.NewRegistry(),
		http:     httpclient.NewClient(httpclient.WithHTTPTimeout(c.RemoteTimeout)),
	}
	var err error
	if c.LayoutFile != "" {
		e.layout, err = layout.Load(c.LayoutFile)
		if err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	switch c.StorageBackend {
	case "gcs":
		var opts []option.ClientOption
		if c.StorageEndpoint != "" {
			opts = append(opts, option.WithEndpoint(c.StorageEndpoint), option.WithoutAuthentication())
		}
		gcs, client, err := storageprovider.NewGcs(ctx, c.SnapshotsBucket, opts...)
		if err != nil {
			return nil, err
		}
		e.storage = gcs
		e.closers = append(e.closers, client)
	case "badger":
		b, err := storageprovider.OpenBadger(c.BadgerPath)
		if err != nil {
			return nil, err
		}
		b.TTL = c.BadgerTTL
		e.storage = b
		e.closers = append(e.closers, b)
	case "blob":
		b, err := storageprovider.OpenBlob(ctx, c.SnapshotsBucket)
		if err != nil {
			return nil, err
		}
		e.storage = b
		e.closers = append(e.closers, b)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}

	if len(c.KafkaBrokers) > 0 {
		w := &kafka.Writer{
			Addr:         kafka.TCP(c.KafkaBrokers...),
			Async:        true,
			Balancer:     kafka.CRC32Balancer{},
			BatchSize:    10,
			Compression:  kafka.Lz4,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
		e.diagnosticsWriter = w
		var inserter diagnostics.Inserter
		if c.BigQueryProject != "" {
			e.bigquery, err = bigquery.NewClient(ctx, c.BigQueryProject)
			if err != nil {
				return nil, err
			}
			inserter = e.bigquery.Dataset(c.BigQueryDataset).Table(c.BigQueryTable).Inserter()
		}
		e.diagnostics = diagnostics.NewPublisher(w, c.DiagnosticsKafkaTopic, inserter)
		e.newEventsReader = func(topic string) eventstream.Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  c.KafkaBrokers,
				GroupID:  c.EventsConsumerGroup,
				Topic:    topic,
				MaxWait:  time.Second,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return &e, nil
}

func (e *environment) shutdown() {
	e.cancel()
	for _, c := range e.closers {
		err := c.Close()
		if err != nil {
			sentry.CaptureException(err)
		}
	}
	if e.diagnosticsWriter != nil {
		err := e.diagnosticsWriter.Close()
		if err != nil {
			sentry.CaptureException(err)
		}
	}
	if e.bigquery != nil {
		err := e.bigquery.Close()
		if err != nil {
			sentry.CaptureException(err)
		}
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) builderConfig() callstack.Config {
	return callstack.Config{
		Layout:   e.layout,
		MaxDepth: e.config.MaxDepth,
	}
}

// start registers a new analysis and runs it in the background. Diagnostics
// are published once it completed.
func (e *environment) start(name string, src event.Source) *analysis.Analysis {
	a := analysis.New(name, e.builderConfig())
	e.analyses.Add(a)
	go func() {
		err := a.Run(e.ctx, src)
		if c, ok := src.(io.Closer); ok {
			_ = c.Close()
		}
		if err != nil {
			sentry.CaptureException(err)
			return
		}
		if e.diagnostics == nil {
			return
		}
		_, err = e.diagnostics.Publish(e.ctx, a)
		if err != nil {
			sentry.CaptureException(err)
			log.Err(err).Str("analysis_id", a.ID).Msg("can't publish diagnostics")
		}
	}()
	return a
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodGet, "/analyses", e.getAnalyses},
		{http.MethodPost, "/analyses", e.postAnalysis},
		{http.MethodPost, "/analyses/remote", e.postRemoteAnalysis},
		{http.MethodPost, "/analyses/stream", e.postStreamAnalysis},
		{http.MethodGet, "/analyses/:analysis_id", e.getAnalysis},
		{http.MethodDelete, "/analyses/:analysis_id", e.deleteAnalysis},
		{http.MethodGet, "/analyses/:analysis_id/tree", e.getTree},
		{http.MethodPost, "/analyses/:analysis_id/rows", e.postRows},
		{http.MethodGet, "/analyses/:analysis_id/follow", e.getFollow},
		{http.MethodGet, "/analyses/:analysis_id/speedscope", e.getSpeedscope},
		{http.MethodGet, "/analyses/:analysis_id/chrometrace", e.getChromeTrace},
		{http.MethodPost, "/analyses/:analysis_id/snapshot", e.postSnapshot},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.DecompressPayload(route.handler)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

func main() {
	config, err := newServiceConfig()
	if err != nil {
		logutil.ConfigureLogger("info")
		log.Fatal().Err(err).Msg("can't read the configuration")
	}
	logutil.ConfigureLogger(config.LogLevel)

	env, err := newEnvironment(config)
	if err != nil {
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              env.config.SentryDSN,
		EnableTracing:    true,
		Environment:      env.config.Environment,
		Release:          release,
		TracesSampleRate: 1.0,
		BeforeSend:       httputil.SetHTTPStatusCodeTag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	server := http.Server{
		Addr:    ":" + env.config.Port,
		Handler: sentryhttp.New(sentryhttp.Options{}).Handle(router),
	}

	waitForShutdown := make(chan os.Signal)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	log.Info().Str("port", env.config.Port).Str("storage", env.config.StorageBackend).Msg("listening")
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown

	// Shutdown the rest of the environment after the HTTP connections are closed
	env.shutdown()
}

func (e *environment) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
