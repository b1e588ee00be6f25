// ABOUTME: History extractor: paginated keyword-filtered backfill streamed
// ABOUTME: as progress updates over a transient session checkout

package history

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/leadwatch/leadwatch/internal/platform"
	"github.com/leadwatch/leadwatch/internal/processor"
	"github.com/leadwatch/leadwatch/internal/sessions"
)

const (
	pageSize           = 100
	maxConcurrentPages = 3
	messageWorkers     = 5
	progressStep       = 5
	defaultLimit       = 1000
)

// Row is one extracted message.
type Row struct {
	MessageID    int64
	Date         time.Time
	SenderName   string
	SenderHandle string
	Text         string
}

// Summary describes an extraction run.
type Summary struct {
	ChatTitle    string
	TotalScanned int
	Matched      int
	Keywords     string
	ExtractedAt  time.Time
}

// Payload is the final artifact: matched rows newest first plus a summary.
type Payload struct {
	Rows    []Row
	Summary Summary
}

// Update is one element of the extraction stream. Payload is non-nil on
// exactly the final update, which always carries Progress == 100. A final
// update with a nil Payload means the run was aborted (rate limit, no
// session) and the caller should refund.
type Update struct {
	Progress int
	Payload  *Payload
}

// Extractor runs backfills over the history pool. It is billing-agnostic;
// the bot front-end debits and refunds around it.
type Extractor struct {
	pool *sessions.Pool
	log  *slog.Logger
}

func NewExtractor(pool *sessions.Pool, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{pool: pool, log: logger.With("component", "history")}
}

// Request parameterises one extraction.
type Request struct {
	ChatHandle string
	Limit      int
	Keywords   string
}

// Extract starts a backfill and returns its update stream. The channel is
// closed after the final update.
func (e *Extractor) Extract(ctx context.Context, req Request) <-chan Update {
	out := make(chan Update, 32)
	go func() {
		defer close(out)
		e.run(ctx, req, out)
	}()
	return out
}

func (e *Extractor) run(ctx context.Context, req Request, out chan<- Update) {
	log := e.log.With("job_id", uuid.NewString(), "chat", req.ChatHandle)

	tr, err := e.pool.AcquireTransient(ctx)
	if err != nil {
		log.Warn("no session for backfill", "error", err)
		out <- Update{Progress: 100}
		return
	}
	defer e.pool.ReleaseTransient(context.WithoutCancel(ctx), tr)

	info, err := tr.Client.ResolveChat(ctx, req.ChatHandle)
	if err != nil || info.MessageCount == 0 {
		if err != nil {
			log.Warn("chat inaccessible for backfill", "error", err)
		}
		title := ""
		if info != nil {
			title = info.Title
		}
		out <- Update{Progress: 100, Payload: &Payload{Summary: Summary{
			ChatTitle:   title,
			Keywords:    req.Keywords,
			ExtractedAt: time.Now(),
		}}}
		return
	}

	target := info.MessageCount
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit < target {
		target = limit
	}

	var (
		mu          sync.Mutex
		rows        []Row
		matched     int
		scanned     int
		lastEmitted int
	)
	record := func(m *platform.Message, sender *platform.Sender, admitted bool) {
		mu.Lock()
		defer mu.Unlock()
		scanned++
		if admitted {
			matched++
			rows = append(rows, Row{
				MessageID:    m.ID,
				Date:         m.Date,
				SenderName:   sender.DisplayName(),
				SenderHandle: senderHandle(sender),
				Text:         m.Text,
			})
		}
		pct := scanned * 100 / target
		if pct > 99 {
			pct = 99
		}
		if pct-lastEmitted >= progressStep {
			lastEmitted = pct
			select {
			case out <- Update{Progress: pct}:
			default:
			}
		}
	}

	pageSem := semaphore.NewWeighted(maxConcurrentPages)
	var pages sync.WaitGroup
	workers, wctx := errgroup.WithContext(ctx)
	workers.SetLimit(messageWorkers)

	var (
		offset     int64
		fetched    int
		terminated bool
	)
	for fetched < target {
		if err := pageSem.Acquire(ctx, 1); err != nil {
			terminated = true
			break
		}

		size := pageSize
		if remaining := target - fetched; remaining < size {
			size = remaining
		}
		msgs, err := tr.Client.HistoryPage(ctx, info, offset, size)
		if err != nil {
			pageSem.Release(1)
			if wait, ok := platform.AsFloodWait(err); ok {
				log.Warn("rate limited during backfill, aborting", "wait", wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
			} else {
				log.Error("history page failed", "error", err)
			}
			terminated = true
			break
		}
		if len(msgs) == 0 {
			pageSem.Release(1)
			break
		}
		offset = msgs[len(msgs)-1].ID
		fetched += len(msgs)

		pages.Add(1)
		go func(batch []*platform.Message) {
			defer pages.Done()
			defer pageSem.Release(1)
			for _, m := range batch {
				m := m
				workers.Go(func() error {
					sender := m.Sender
					if resolved, rerr := tr.Client.ResolveSender(wctx, m); rerr == nil && resolved != nil {
						sender = resolved
					}
					_, _, admitted := processor.MatchKeywords(m.Text, req.Keywords)
					record(m, sender, admitted)
					return nil
				})
			}
		}(msgs)
	}

	pages.Wait()
	_ = workers.Wait()

	if terminated {
		out <- Update{Progress: 100}
		return
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].MessageID > rows[j].MessageID })
	out <- Update{Progress: 100, Payload: &Payload{
		Rows: rows,
		Summary: Summary{
			ChatTitle:    info.Title,
			TotalScanned: scanned,
			Matched:      matched,
			Keywords:     req.Keywords,
			ExtractedAt:  time.Now(),
		},
	}}
}

func senderHandle(s *platform.Sender) string {
	if s == nil || s.Username == "" {
		return ""
	}
	return "@" + s.Username
}
