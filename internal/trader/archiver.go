package trader

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/storage"
)

const (
	archiveWriteTimeout = 10 * time.Second
	// default buffer cap, in batches
	archiveBufferBatches = 20
)

// archiver buffers delivered records and appends them to the archive in
// batches from a single writer goroutine. Failed batches are dropped, and
// while writes stall the buffer keeps only the newest limit records.
type archiver struct {
	archive storage.EventArchive
	clock   clock.Clock
	batch   int
	limit   int
	every   time.Duration
	log     *logrus.Entry

	mu      sync.Mutex
	buf     []domain.EventRecord
	dropped int
	ticker  clock.Timer

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newArchiver(archive storage.EventArchive, c clock.Clock, batch, limit int, every time.Duration, log *logrus.Entry) *archiver {
	if batch <= 0 {
		batch = 500
	}
	if limit < batch {
		limit = batch * archiveBufferBatches
	}
	if every <= 0 {
		every = 2 * time.Second
	}
	return &archiver{
		archive: archive,
		clock:   c,
		batch:   batch,
		limit:   limit,
		every:   every,
		log:     log,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (a *archiver) start() {
	a.mu.Lock()
	a.ticker = clock.Every(a.clock, a.every, a.signal)
	a.mu.Unlock()
	go a.loop()
}

func (a *archiver) add(rec domain.EventRecord) {
	a.mu.Lock()
	if len(a.buf) >= a.limit {
		if a.dropped == 0 {
			a.log.WithField("limit", a.limit).Warn("Event archive buffer full, dropping oldest records")
		}
		n := len(a.buf) - a.limit + 1
		a.buf = append(a.buf[:0], a.buf[n:]...)
		a.dropped += n
	}
	a.buf = append(a.buf, rec)
	full := len(a.buf) >= a.batch
	a.mu.Unlock()
	if full {
		a.signal()
	}
}

func (a *archiver) signal() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *archiver) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.kick:
			a.flush()
		case <-a.stop:
			a.flush()
			return
		}
	}
}

func (a *archiver) flush() {
	a.mu.Lock()
	recs := a.buf
	a.buf = nil
	dropped := a.dropped
	a.dropped = 0
	a.mu.Unlock()
	if dropped > 0 {
		a.log.WithField("dropped", dropped).Warn("Event archive records dropped on overflow")
	}
	if len(recs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()
	if err := a.archive.Append(ctx, recs); err != nil {
		a.log.WithError(err).WithField("records", len(recs)).Warn("Event archive write failed")
		return
	}
	a.log.WithField("records", len(recs)).Debug("Archived events")
}

// close stops the ticker and writes whatever is buffered.
func (a *archiver) close() {
	a.once.Do(func() {
		a.mu.Lock()
		if a.ticker != nil {
			a.ticker.Stop()
		}
		started := a.ticker != nil
		a.mu.Unlock()
		close(a.stop)
		if started {
			<-a.done
		}
	})
}
