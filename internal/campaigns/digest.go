package campaigns

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/forem/forem-sub087/internal/database"
	"github.com/forem/forem-sub087/internal/errorreport"
	"github.com/forem/forem-sub087/internal/mailer"
	"github.com/forem/forem-sub087/internal/repository"
	"github.com/forem/forem-sub087/internal/telemetry"
)

// DigestScheduler fans the periodic digest out into one digest:send task per eligible user.
type DigestScheduler struct {
	audience DigestAudience
	enqueuer DigestEnqueuer
	disabled bool
	pageSize int
}

// NewDigestScheduler creates a digest scheduler. When disabled, Run does nothing.
func NewDigestScheduler(audience DigestAudience, enqueuer DigestEnqueuer, pageSize int, disabled bool) *DigestScheduler {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &DigestScheduler{
		audience: audience,
		enqueuer: enqueuer,
		disabled: disabled,
		pageSize: pageSize,
	}
}

// Run enqueues a digest for every user opted into periodic digests and returns how many were
// enqueued.
func (s *DigestScheduler) Run(ctx context.Context) (int, error) {
	logger := telemetry.LogFromContext(ctx).WithField("flow", FlowDigest)
	if s.disabled {
		logger.Debug("Periodic digest disabled for this deployment")
		return 0, nil
	}

	var (
		afterID  int64
		enqueued int
	)
	for {
		ids, err := s.audience.DigestRecipientPage(ctx, afterID, s.pageSize)
		if err != nil {
			return enqueued, fmt.Errorf("load digest recipients after id %d: %w", afterID, err)
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if err := s.enqueuer.EnqueueDigest(ctx, id); err != nil {
				return enqueued, fmt.Errorf("enqueue digest for user %d: %w", id, err)
			}
			enqueued++
		}

		afterID = ids[len(ids)-1]
		if len(ids) < s.pageSize {
			break
		}
	}

	logger.WithField("enqueued", enqueued).Info("Digest fan-out finished")
	return enqueued, nil
}

// ArticleSource ranks candidate digest articles.
type ArticleSource interface {
	ForDigest(ctx context.Context, q repository.DigestQuery) ([]database.Article, error)
}

// SelectorOptions tunes digest article selection.
type SelectorOptions struct {
	Lookback    time.Duration
	MinArticles int
	MaxArticles int
	MinScore    int
}

// ArticleSelector picks the personalized articles for one user's digest. Only articles
// published since the user's previous digest are considered, so a repeated fan-out yields
// little or nothing new.
type ArticleSelector struct {
	articles ArticleSource
	ledger   DeliveryLedger
	opts     SelectorOptions
}

// NewArticleSelector creates a selector.
func NewArticleSelector(articles ArticleSource, ledger DeliveryLedger, opts SelectorOptions) *ArticleSelector {
	if opts.MaxArticles <= 0 {
		opts.MaxArticles = 6
	}
	return &ArticleSelector{articles: articles, ledger: ledger, opts: opts}
}

// Select returns the digest for userID, or nil when fewer than MinArticles qualify.
func (s *ArticleSelector) Select(ctx context.Context, userID int64, now time.Time) ([]database.Article, error) {
	since := now.Add(-s.opts.Lookback)

	last, err := s.ledger.LastDeliveredAt(ctx, userID, database.TypeDigest)
	if err != nil {
		return nil, fmt.Errorf("load last digest of user %d: %w", userID, err)
	}
	if last != nil && last.After(since) {
		since = *last
	}

	articles, err := s.articles.ForDigest(ctx, repository.DigestQuery{
		UserID:   userID,
		Since:    since,
		MinScore: s.opts.MinScore,
		Limit:    s.opts.MaxArticles,
	})
	if err != nil {
		return nil, fmt.Errorf("select digest articles for user %d: %w", userID, err)
	}

	if len(articles) < s.opts.MinArticles {
		return nil, nil
	}
	return articles, nil
}

// DigestSelector is satisfied by ArticleSelector.
type DigestSelector interface {
	Select(ctx context.Context, userID int64, now time.Time) ([]database.Article, error)
}

// DigestSender builds and sends one user's digest.
type DigestSender struct {
	users    RecipientFinder
	selector DigestSelector
	mailer   mailer.Dispatcher
	reporter errorreport.Reporter
	metrics  *telemetry.Metrics
	siteURL  string
	now      func() time.Time
}

// NewDigestSender creates a digest sender. siteURL prefixes article paths in the email body.
func NewDigestSender(users RecipientFinder, selector DigestSelector, dispatcher mailer.Dispatcher,
	reporter errorreport.Reporter, metrics *telemetry.Metrics, siteURL string) *DigestSender {
	return &DigestSender{
		users:    users,
		selector: selector,
		mailer:   dispatcher,
		reporter: reporter,
		metrics:  metrics,
		siteURL:  strings.TrimRight(siteURL, "/"),
		now:      time.Now,
	}
}

// Send delivers the digest for userID and reports whether an email went out. Users who are
// gone, opted out or unregistered, and empty selections, are no-ops. A dispatch failure is
// reported with the user and article ids and swallowed so the task is not retried.
func (s *DigestSender) Send(ctx context.Context, userID int64) (bool, error) {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"flow":         FlowDigest,
		"recipient_id": userID,
	})

	user, err := s.users.FindByID(ctx, userID)
	if repository.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load digest recipient %d: %w", userID, err)
	}
	if !user.EmailDigestPeriodic || !user.Registered || !user.Reachable() {
		s.metrics.RecordDeliveries(ctx, FlowDigest, telemetry.OutcomeSkipped, 1)
		return false, nil
	}

	articles, err := s.selector.Select(ctx, userID, s.now())
	if err != nil {
		return false, err
	}
	if len(articles) == 0 {
		s.metrics.RecordDeliveries(ctx, FlowDigest, telemetry.OutcomeSkipped, 1)
		return false, nil
	}

	articleIDs := database.ArticleIDs(articles)
	if err := s.mailer.Send(ctx, s.digestMessage(user, articles)); err != nil {
		s.metrics.RecordDeliveries(ctx, FlowDigest, telemetry.OutcomeFailed, 1)
		logger.WithError(err).WithField("article_ids", articleIDs).Error("Failed to send digest")
		s.reporter.Report(ctx, err,
			map[string]string{"flow": FlowDigest, "user_id": strconv.FormatInt(userID, 10)},
			map[string]interface{}{"article_ids": articleIDs},
		)
		return false, nil
	}

	s.metrics.RecordDeliveries(ctx, FlowDigest, telemetry.OutcomeSent, 1)
	logger.WithField("articles", len(articles)).Debug("Digest sent")
	return true, nil
}

func (s *DigestSender) digestMessage(user *database.Recipient, articles []database.Article) mailer.Message {
	subject := articles[0].Title
	if len(articles) > 1 {
		subject = fmt.Sprintf("%s and %d more posts", subject, len(articles)-1)
	}

	var body strings.Builder
	body.WriteString("<ul>\n")
	for _, a := range articles {
		fmt.Fprintf(&body, "<li><a href=\"%s\">%s</a></li>\n",
			html.EscapeString(s.siteURL+a.Path), html.EscapeString(a.Title))
	}
	body.WriteString("</ul>\n")

	return mailer.Message{
		RecipientID: user.ID,
		To:          user.Email,
		Name:        user.Name,
		Subject:     subject,
		Body:        body.String(),
		TypeOf:      database.TypeDigest,
		Data:        map[string]interface{}{"article_ids": database.ArticleIDs(articles)},
	}
}
