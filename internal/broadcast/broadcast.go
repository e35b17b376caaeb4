// Package broadcast implements the Broadcaster (§4.4): per-tenant pool
// and job-stream channels plus per-job channels, fanning out JSON state
// changes to subscribers without letting a slow consumer block anyone
// else.
package broadcast

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWriteTimeout bounds a single subscriber write (§4.4 scheduling
// model: "each per-subscriber write is bounded by a short timeout").
const DefaultWriteTimeout = 2 * time.Second

// DefaultMaxSubscribersPerChannel bounds a single channel's subscriber
// set (§5 concurrency model: "subscriber sets bounded per channel; 503 on
// overflow").
const DefaultMaxSubscribersPerChannel = 1024

// ErrChannelFull is returned by Subscribe when a channel is at capacity.
type ErrChannelFull struct{ Channel string }

func (e *ErrChannelFull) Error() string { return "broadcast channel " + e.Channel + " is full" }

// subscriber is one observer's mailbox. Writes are buffered so a publish
// never blocks on a slow reader; the reader goroutine drains sub.ch and
// performs the actual network write, dropping the subscriber if that
// write exceeds WriteTimeout.
type subscriber struct {
	id int64
	ch chan []byte
}

// channel is one named fan-out group (pool-status-<tenant>,
// all-jobs-<tenant>, or job-<guid>).
type channel struct {
	mu   sync.Mutex
	subs map[int64]*subscriber
}

// Broadcaster holds every live channel, keyed by name. Channels are
// created lazily on first subscribe and never explicitly destroyed
// (an empty channel is cheap to keep around; job channels churn but stay
// bounded by job volume).
type Broadcaster struct {
	writeTimeout time.Duration
	maxSubs      int
	log          logrus.FieldLogger

	mu       sync.Mutex
	channels map[string]*channel
	nextSub  int64
}

func New(log logrus.FieldLogger) *Broadcaster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broadcaster{
		writeTimeout: DefaultWriteTimeout,
		maxSubs:      DefaultMaxSubscribersPerChannel,
		log:          log,
		channels:     make(map[string]*channel),
	}
}

// WriteTimeout bounds a single subscriber write, used by the WebSocket
// transport when setting its write deadline.
func (b *Broadcaster) WriteTimeout() time.Duration { return b.writeTimeout }

func poolStatusChannel(tenantID int64) string { return "pool-status-" + strconv.FormatInt(tenantID, 10) }
func allJobsChannel(tenantID int64) string    { return "all-jobs-" + strconv.FormatInt(tenantID, 10) }
func jobChannel(jobGUID string) string        { return "job-" + jobGUID }

// Subscription is a live subscriber handle. Callers read from C until it
// is closed (the broadcaster dropped them, or Unsubscribe was called),
// then stop serving the stream.
type Subscription struct {
	b       *Broadcaster
	channel string
	id      int64
	C       <-chan []byte
}

// Unsubscribe removes the subscription immediately; any message in
// flight to it is discarded (§4.4 cancellation).
func (s *Subscription) Unsubscribe() {
	s.b.remove(s.channel, s.id)
}

// Subscribe opens a mailbox on the named channel, returning ErrChannelFull
// if the channel is already at capacity.
func (b *Broadcaster) subscribe(name string) (*Subscription, error) {
	b.mu.Lock()
	ch, ok := b.channels[name]
	if !ok {
		ch = &channel{subs: make(map[int64]*subscriber)}
		b.channels[name] = ch
	}
	b.nextSub++
	id := b.nextSub
	b.mu.Unlock()

	ch.mu.Lock()
	if len(ch.subs) >= b.maxSubs {
		ch.mu.Unlock()
		return nil, &ErrChannelFull{Channel: name}
	}
	sub := &subscriber{id: id, ch: make(chan []byte, 32)}
	ch.subs[id] = sub
	ch.mu.Unlock()

	return &Subscription{b: b, channel: name, id: id, C: sub.ch}, nil
}

func (b *Broadcaster) remove(name string, id int64) {
	b.mu.Lock()
	ch, ok := b.channels[name]
	b.mu.Unlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	if sub, ok := ch.subs[id]; ok {
		delete(ch.subs, id)
		close(sub.ch)
	}
	ch.mu.Unlock()
}

// SubscribePoolStatus opens a subscription on pool-status-<tenant>.
func (b *Broadcaster) SubscribePoolStatus(tenantID int64) (*Subscription, error) {
	return b.subscribe(poolStatusChannel(tenantID))
}

// SubscribeAllJobs opens a subscription on all-jobs-<tenant>.
func (b *Broadcaster) SubscribeAllJobs(tenantID int64) (*Subscription, error) {
	return b.subscribe(allJobsChannel(tenantID))
}

// SubscribeJob opens a subscription on job-<guid>.
func (b *Broadcaster) SubscribeJob(jobGUID string) (*Subscription, error) {
	return b.subscribe(jobChannel(jobGUID))
}

// publish iterates name's subscriber set under its lock only for the
// duration of the iteration (§4.4 scheduling model), handing each
// subscriber's mailbox a copy of payload. A full mailbox (a reader
// stalled past DefaultWriteTimeout worth of backlog) drops that
// subscriber without affecting delivery to anyone else.
func (b *Broadcaster) publish(name string, payload []byte) {
	b.mu.Lock()
	ch, ok := b.channels[name]
	b.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	targets := make([]*subscriber, 0, len(ch.subs))
	for _, sub := range ch.subs {
		targets = append(targets, sub)
	}
	ch.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- payload:
		default:
			b.log.WithField("channel", name).Warn("dropping slow broadcast subscriber")
			b.remove(name, sub.id)
		}
	}
}

func encode(log logrus.FieldLogger, v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Warn("failed to marshal broadcast payload")
		return nil
	}
	return b
}

// PublishPoolStatus publishes a pool-counts snapshot for tenantID.
func (b *Broadcaster) PublishPoolStatus(tenantID int64, payload interface{}) {
	data := encode(b.log, payload)
	if data == nil {
		return
	}
	b.publish(poolStatusChannel(tenantID), data)
}

// PublishJobUpdate satisfies liveness.Broadcaster and jobs.Broadcaster:
// it fans payload out on both the tenant-wide all-jobs channel and the
// job's own dedicated channel.
func (b *Broadcaster) PublishJobUpdate(tenantID int64, jobGUID string, payload interface{}) {
	data := encode(b.log, payload)
	if data == nil {
		return
	}
	b.publish(allJobsChannel(tenantID), data)
	b.publish(jobChannel(jobGUID), data)
}

// PublishCancellation sends a cancellation signal on the job's own
// channel so the holding agent (streaming the same channel) can observe
// and abort (§4.3 job cancellation).
func (b *Broadcaster) PublishCancellation(tenantID int64, jobGUID string) {
	data := encode(b.log, map[string]string{"type": "cancelled", "job_guid": jobGUID})
	if data == nil {
		return
	}
	b.publish(jobChannel(jobGUID), data)
}

// Run drains ctx.Done() to clean up a subscription when the caller's
// stream ends for a reason other than Unsubscribe (e.g. request context
// cancellation). Callers typically just `defer sub.Unsubscribe()` instead;
// Run exists for callers that want context-driven lifetime management.
func (s *Subscription) Run(ctx context.Context) {
	<-ctx.Done()
	s.Unsubscribe()
}
