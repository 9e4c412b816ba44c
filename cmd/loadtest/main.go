package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"mentorchat/internal/client"
	"mentorchat/internal/models"
)

type options struct {
	baseURL        string
	pairs          int
	messagesPerSec float64
	duration       time.Duration
	batchSize      int
	runID          string
}

// participant is one registered load test user and its conversation.
type participant struct {
	api            *client.API
	user           models.User
	conversationID int64
}

func main() {
	var opts options
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "server base URL")
	flag.IntVar(&opts.pairs, "pairs", 500, "number of student/alumni pairs")
	flag.Float64Var(&opts.messagesPerSec, "rate", 1, "operations per second per user")
	flag.DurationVar(&opts.duration, "duration", time.Minute, "simulation time")
	flag.IntVar(&opts.batchSize, "batch", 50, "users registered in parallel")
	flag.StringVar(&opts.runID, "run", fmt.Sprintf("%d", time.Now().Unix()), "suffix keeping usernames unique across runs")
	flag.Parse()
	if opts.messagesPerSec <= 0 || opts.pairs <= 0 || opts.batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "pairs, rate and batch must be positive")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "loadtest")
	logger.Info("starting",
		"pairs", opts.pairs, "rate", opts.messagesPerSec, "duration", opts.duration)
	logger.Info("start the server with the -loadtest flag to use a separate database")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := client.NewAPI(opts.baseURL, "", nil)

	start := time.Now()
	participants, failures := registerPairs(ctx, base, opts, logger)
	logger.Info("registration_complete",
		"users", len(participants), "failed", failures,
		"elapsed", time.Since(start),
		"users_per_sec", float64(len(participants))/time.Since(start).Seconds())

	if len(participants) < opts.pairs {
		logger.Error("too many registration failures, aborting")
		os.Exit(1)
	}

	stats := &Stats{}
	simCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var wg sync.WaitGroup
	start = time.Now()
	for _, p := range participants {
		wg.Add(1)
		go func(p *participant) {
			defer wg.Done()
			simulateUser(simCtx, p, opts, stats, logger)
		}(p)
	}
	wg.Wait()

	s := stats.summarize(time.Since(start))
	logger.Info("results",
		"total_requests", s.Total,
		"successful_requests", s.Success,
		"failed_requests", s.Failed,
		"live_events", s.LiveEvents,
		"avg_latency", s.AvgLatency,
		"min_latency", s.MinLatency,
		"max_latency", s.MaxLatency,
		"p99_write_latency", s.P99Write,
		"p99_read_latency", s.P99Read,
		"p99_delivery_latency", s.P99Delivery,
		"requests_per_sec", fmt.Sprintf("%.2f", s.RequestsPerSecond),
		"duration", time.Since(start))
}

// registerPairs registers a student and an alumnus per pair and opens their
// conversation. Pairs that fail are skipped.
func registerPairs(ctx context.Context, base *client.API, opts options, logger *slog.Logger) ([]*participant, int) {
	var (
		mu           sync.Mutex
		participants []*participant
		failures     int
	)

	sem := make(chan struct{}, opts.batchSize)
	var wg sync.WaitGroup
	for i := 0; i < opts.pairs; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			pair, err := registerPair(ctx, base, opts.runID, i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				if failures <= 10 {
					logger.Warn("pair_failed", "pair", i, "error", err)
				}
				return
			}
			participants = append(participants, pair...)
		}(i)
	}
	wg.Wait()
	return participants, failures
}

func registerPair(ctx context.Context, base *client.API, runID string, i int) ([]*participant, error) {
	register := func(role string) (*participant, error) {
		username := fmt.Sprintf("lt_%s_%s_%d", runID, role, i)
		resp, err := base.Register(ctx, models.RegisterRequest{
			Username:    username,
			Password:    "testpass123",
			DisplayName: strings.ToUpper(role[:1]) + role[1:] + fmt.Sprintf(" %d", i),
			Email:       username + "@loadtest.local",
			Role:        role,
			Avatar:      fmt.Sprintf("https://avatar.com/%d", i),
		})
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", username, err)
		}
		return &participant{api: base.WithToken(resp.Token), user: resp.User}, nil
	}

	student, err := register(models.RoleStudent)
	if err != nil {
		return nil, err
	}
	mentor, err := register(models.RoleAlumni)
	if err != nil {
		return nil, err
	}

	conv, err := student.api.StartConversation(ctx, mentor.user.ID)
	if err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	student.conversationID = conv.ID
	mentor.conversationID = conv.ID
	return []*participant{student, mentor}, nil
}

func wsURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
}

// timedStore records the latency of every store call the timeline makes.
type timedStore struct {
	api   *client.API
	stats *Stats
}

func (s timedStore) ListMessages(ctx context.Context, conversationID int64, page models.PageRequest) ([]*models.Message, error) {
	start := time.Now()
	msgs, err := s.api.ListMessages(ctx, conversationID, page)
	s.record(ctx, err, time.Since(start), ReadOperation)
	return msgs, err
}

func (s timedStore) SendMessage(ctx context.Context, conversationID int64, content, mediaURL string) (*models.Message, error) {
	start := time.Now()
	msg, err := s.api.SendMessage(ctx, conversationID, content, mediaURL)
	s.record(ctx, err, time.Since(start), WriteOperation)
	return msg, err
}

func (s timedStore) record(ctx context.Context, err error, latency time.Duration, op OperationType) {
	switch {
	case err == nil:
		s.stats.recordSuccess(latency, op)
	case ctx.Err() == nil:
		s.stats.recordError()
	}
}

// simulateUser behaves like one open chat window: a live connection, a
// timeline for the conversation, an unread badge poller, and a mix of typed
// sends and history reads until ctx ends.
func simulateUser(ctx context.Context, p *participant, opts options, stats *Stats, logger *slog.Logger) {
	var (
		mu      sync.Mutex
		pending = make(map[string]time.Time)
	)

	live := client.NewLive(client.LiveOptions{
		URL:     wsURL(opts.baseURL),
		Token:   p.api.Token(),
		Self:    p.user.ID,
		AutoAck: true,
		Logger:  logger,
	})
	unsubscribe := live.Subscribe(p.conversationID, func(ev client.Event) {
		if ev.Type != models.EventMessageNew {
			return
		}
		stats.recordLiveEvent()
		if ev.Message.SenderID != p.user.ID {
			return
		}
		mu.Lock()
		sentAt, ok := pending[ev.Message.Content]
		delete(pending, ev.Message.Content)
		mu.Unlock()
		if ok {
			stats.recordDelivery(time.Since(sentAt))
		}
	})
	defer unsubscribe()

	var background sync.WaitGroup
	defer background.Wait()
	background.Add(2)
	go func() {
		defer background.Done()
		_ = live.Run(ctx)
	}()
	go func() {
		defer background.Done()
		client.NewUnreadPoller(p.api, 10*time.Second, nil, logger).Run(ctx)
	}()

	store := timedStore{api: p.api, stats: stats}
	timeline := client.NewTimeline(store, client.TimelineOptions{
		Self:   p.user.ID,
		Live:   live,
		Logger: logger,
	})
	defer timeline.Wait()
	defer timeline.Close()
	if err := timeline.Open(ctx, p.conversationID); err != nil {
		logger.Debug("open_failed", "user_id", p.user.ID, "error", err)
	}

	typing := client.NewTypingNotifier(0, func(on bool) error {
		return live.SendTyping(p.conversationID, on)
	})

	interval := time.Duration(float64(time.Second) / opts.messagesPerSec)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if rand.Float32() < 0.5 {
			content := fmt.Sprintf("Test message %d from user %d at %s", seq, p.user.ID, time.Now().Format(time.RFC3339Nano))
			_ = typing.Keystroke()
			mu.Lock()
			pending[content] = time.Now()
			mu.Unlock()
			if _, err := timeline.Send(ctx, content); err != nil {
				logger.Debug("send_rejected", "user_id", p.user.ID, "error", err)
			}
			_ = typing.Idle()
		} else if timeline.HasMore() && rand.Float32() < 0.2 {
			_, _ = timeline.LoadOlder(ctx)
		} else {
			_, _ = store.ListMessages(ctx, p.conversationID, models.PageRequest{Limit: 20})
		}
	}
}
