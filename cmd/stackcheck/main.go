package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pierrec/lz4"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/callstack/internal/analysis"
	"github.com/getsentry/callstack/internal/callstack"
	"github.com/getsentry/callstack/internal/layout"
	"github.com/getsentry/callstack/internal/logutil"
	"github.com/getsentry/callstack/internal/tef"
)

const (
	workersCount int = 16
)

type result struct {
	path      string
	summary   analysis.Summary
	skipped   int
	anomalies callstack.Anomalies
}

func (r result) String() string {
	return fmt.Sprintf("%s events=%d skipped=%d threads=%d intervals=%d unmatched_exits=%d order_violations=%d truncated_frames=%d max_depth_exceeded=%d",
		r.path,
		r.summary.Events,
		r.skipped,
		r.summary.Threads,
		r.summary.Intervals,
		r.anomalies.UnmatchedExits,
		r.anomalies.OrderViolations,
		r.anomalies.TruncatedFrames,
		r.anomalies.MaxDepthExceeded,
	)
}

func main() {
	logutil.ConfigureLogger(os.Getenv("LOG_LEVEL"))

	args := os.Args[1:]
	if len(args) < 1 || len(args) > 2 {
		fmt.Println("./stackcheck <traces directory> [layout file]") // nolint
		return
	}

	l := layout.Default()
	if len(args) == 2 {
		var err error
		l, err = layout.Load(args[1])
		if err != nil {
			log.Fatal().Err(err).Msg("can't load layout")
		}
	}

	results := make(chan result)
	done := make(chan struct{})
	go func() {
		for r := range results {
			fmt.Println(r) // nolint
		}
		close(done)
	}()

	err := checkTraces(context.Background(), args[0], l, results)
	close(results)
	<-done
	if err != nil {
		log.Fatal().Err(err).Msg("can't walk traces")
	}
}

// checkTraces analyses every file under root with a pool of workers.
func checkTraces(ctx context.Context, root string, l layout.Layout, results chan<- result) error {
	pathChannel := make(chan string, workersCount)

	var wg sync.WaitGroup
	for w := 0; w < workersCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range pathChannel {
				r, err := checkTrace(ctx, path, l)
				if err != nil {
					log.Err(err).Str("path", path).Msg("can't analyse trace")
					continue
				}
				results <- r
			}
		}()
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		pathChannel <- path
		return nil
	})
	close(pathChannel)
	wg.Wait()
	return err
}

func checkTrace(ctx context.Context, path string, l layout.Layout) (result, error) {
	f, err := os.Open(path)
	if err != nil {
		return result{}, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".lz4") {
		r = lz4.NewReader(f)
	}
	src, trace, err := tef.NewSource(r, l)
	if err != nil {
		return result{}, err
	}

	a := analysis.New(filepath.Base(path), callstack.Config{Layout: l})
	err = a.Run(ctx, src)
	if err != nil {
		return result{}, err
	}
	s := a.Summary()
	return result{
		path:      path,
		summary:   s,
		skipped:   trace.Skipped,
		anomalies: s.Anomalies,
	}, nil
}
