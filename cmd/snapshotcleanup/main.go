package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"

	"github.com/getsentry/callstack/internal/callstack"
	"github.com/getsentry/callstack/internal/logutil"
	"github.com/getsentry/callstack/internal/storageprovider"
)

type config struct {
	SnapshotsBucket string `env:"CALLSTACK_SNAPSHOTS_BUCKET" env-default:"file:///var/lib/callstack"`
	RetentionDays   int    `env:"CALLSTACK_SNAPSHOT_RETENTION_DAYS" env-default:"30"`
	Schedule        string `env:"CALLSTACK_CLEANUP_SCHEDULE" env-default:"@daily"`
	LogLevel        string `env:"LOG_LEVEL" env-default:"info"`
}

const snapshotsPrefix = "analyses/"

// cleanup deletes the snapshots written before limit and the ones built by
// another version of the call stack construction.
func cleanup(ctx context.Context, bucket *blob.Bucket, limit time.Time) (int, error) {
	suffix := fmt.Sprintf("/v%d", callstack.Version)
	iter := bucket.List(&blob.ListOptions{Prefix: snapshotsPrefix})
	var deleted int
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return deleted, nil
		}
		if err != nil {
			return deleted, err
		}
		if obj.IsDir {
			continue
		}
		if strings.HasSuffix(obj.Key, suffix) && !limit.After(obj.ModTime) {
			continue
		}
		err = bucket.Delete(ctx, obj.Key)
		if err != nil {
			return deleted, err
		}
		deleted++
	}
}

func main() {
	var c config
	err := cleanenv.ReadEnv(&c)
	logutil.ConfigureLogger(c.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("can't read the configuration")
	}

	err = sentry.Init(sentry.ClientOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	ctx := context.Background()
	b, err := storageprovider.OpenBlob(ctx, c.SnapshotsBucket)
	if err != nil {
		log.Fatal().Err(err).Msg("can't open the snapshots bucket")
	}
	defer b.Close()

	cr := cron.New()
	_, err = cr.AddFunc(c.Schedule, func() {
		limit := time.Now().Add(time.Hour * 24 * -1 * time.Duration(c.RetentionDays))
		deleted, err := cleanup(ctx, b.Bucket, limit)
		if err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("error cleaning up snapshots")
			return
		}
		log.Info().
			Int("deleted", deleted).
			Str("prefix", snapshotsPrefix).
			Msg("snapshots cleaned up")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't set up cron function")
	}

	exitSignal := make(chan os.Signal, 1)
	signal.Notify(exitSignal, os.Interrupt)

	go func() {
		<-exitSignal

		cr.Stop()
	}()

	cr.Run()
}
