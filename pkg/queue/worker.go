package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/modelctl/pkg/types"
)

type workerDeps struct {
	downloader  Downloader
	destDir     string
	retryBase   time.Duration
	maxRetries  int
	registryURL func(item *types.QueuedItem) string // resolves a QueuedItem to a fetchable URL
}

// runWorker downloads item's single file into deps.destDir, writing every
// ProgressUpdate — including the terminal one — to job.Progress and never
// touching the queue store or the event broker. Retries follow the
// shard-worker pattern of a manually-driven exponential backoff loop:
// fatal errors short-circuit, transient ones retry up to maxRetries times.
func runWorker(ctx context.Context, item *types.QueuedItem, job *types.ActiveJob, deps workerDeps) {
	defer close(job.Progress)

	// downloadCtx is cancelled the moment job.Cancel fires, so copyChunked's
	// per-chunk ctx check is how cancellation reaches mid-stream, not just
	// between retry attempts.
	downloadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-job.Cancel:
			cancel()
		case <-downloadCtx.Done():
		}
	}()

	filename := item.Filename
	url := deps.registryURL(item)

	shard := item.Shard
	update := func(bytesDone int64, done bool, err error) types.ProgressUpdate {
		u := types.ProgressUpdate{
			DownloadID:      item.DownloadID,
			GroupID:         item.GroupID,
			Shard:           shard,
			BytesDownloaded: bytesDone,
			BytesTotal:      item.Size,
			Done:            done,
			Err:             err,
		}
		return u
	}

	f, partPath, err := openPartFile(deps.destDir, filename)
	if err != nil {
		send(job, ctx, update(0, true, &fatalError{err}))
		return
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = deps.retryBase
	exp.Multiplier = 2
	exp.MaxInterval = 30 * time.Second
	exp.Reset()

	attempts := 0
	var writtenTotal int64

	for {
		select {
		case <-job.Cancel:
			f.Close()
			removePartFile(deps.destDir, filename)
			send(job, ctx, update(writtenTotal, true, nil))
			return
		case <-ctx.Done():
			f.Close()
			send(job, ctx, update(writtenTotal, true, ctx.Err()))
			return
		default:
		}

		n, err := deps.downloader.Download(downloadCtx, url, f, func(total int64) {
			writtenTotal = total
			sendNonBlocking(job, update(total, false, nil))
		})
		_ = n
		if err == nil {
			break
		}

		if job.Cancelled() {
			f.Close()
			removePartFile(deps.destDir, filename)
			send(job, ctx, update(writtenTotal, true, nil))
			return
		}

		if isFatal(err) {
			f.Close()
			removePartFile(deps.destDir, filename)
			send(job, ctx, update(writtenTotal, true, err))
			return
		}

		if attempts >= deps.maxRetries {
			f.Close()
			removePartFile(deps.destDir, filename)
			send(job, ctx, update(writtenTotal, true, fmt.Errorf("exhausted %d retries: %w", deps.maxRetries, err)))
			return
		}
		attempts++

		wait := exp.NextBackOff()
		select {
		case <-time.After(wait):
		case <-job.Cancel:
			f.Close()
			removePartFile(deps.destDir, filename)
			send(job, ctx, update(writtenTotal, true, nil))
			return
		case <-ctx.Done():
			f.Close()
			send(job, ctx, update(writtenTotal, true, ctx.Err()))
			return
		}
	}

	if err := f.Close(); err != nil {
		send(job, ctx, update(writtenTotal, true, &fatalError{err}))
		return
	}

	if item.ContentHash != "" {
		if err := verifyHash(partPath, item.ContentHash); err != nil {
			removePartFile(deps.destDir, filename)
			send(job, ctx, update(writtenTotal, true, &fatalError{err}))
			return
		}
	}

	if err := finalizeFile(partPath, deps.destDir, filename); err != nil {
		send(job, ctx, update(writtenTotal, true, &fatalError{err}))
		return
	}

	send(job, ctx, update(writtenTotal, true, nil))
}

// send writes a terminal update, preferring delivery but never blocking
// forever past ctx cancellation (the bridge is always reading, so this is
// a safety net, not the common path).
func send(job *types.ActiveJob, ctx context.Context, u types.ProgressUpdate) {
	select {
	case job.Progress <- u:
	case <-ctx.Done():
	}
}

// sendNonBlocking drops an in-flight progress tick rather than stall the
// download if the bridge is momentarily behind; the next tick supersedes it
// and the terminal update is always sent via the blocking send above.
func sendNonBlocking(job *types.ActiveJob, u types.ProgressUpdate) {
	select {
	case job.Progress <- u:
	default:
	}
}

func verifyHash(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != expected {
		return fmt.Errorf("content hash mismatch: got %s want %s", got, expected)
	}
	return nil
}
