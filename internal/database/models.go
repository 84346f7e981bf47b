package database

import (
	"database/sql"
	"strings"
	"time"
)

// TestSubjectPrefix marks a send as a test: test sends bypass per-campaign dedup and are
// ignored when the ledger answers "already delivered".
const TestSubjectPrefix = "[TEST] "

// IsTestSubject reports whether subject carries the test prefix.
func IsTestSubject(subject string) bool {
	return strings.HasPrefix(subject, TestSubjectPrefix)
}

// Message type tags, stored on ledger rows and passed to the mail relay.
const (
	TypeNewsletter     = "newsletter"
	TypeOnboardingDrip = "onboarding_drip"
	TypeDigest         = "digest"
	TypeSurveyInvite   = "survey_invite"
)

// Campaign is an operator-authored bulk email. Rows live in the emails table next to drip
// templates; the pipeline never writes them.
type Campaign struct {
	ID                int64          `json:"id" db:"id"`
	Subject           string         `json:"subject" db:"subject"`
	Body              string         `json:"body" db:"body"`
	TypeOf            string         `json:"type_of" db:"type_of"`
	AudienceSegmentID sql.NullInt64  `json:"audience_segment_id" db:"audience_segment_id"`
	FromName          sql.NullString `json:"from_name" db:"from_name"`
}

// Recipient is the read-only view of a user the pipeline needs.
type Recipient struct {
	ID                  int64        `json:"id" db:"id"`
	Email               string       `json:"email" db:"email"`
	Name                string       `json:"name" db:"name"`
	EmailNewsletter     bool         `json:"email_newsletter" db:"email_newsletter"`
	EmailDigestPeriodic bool         `json:"email_digest_periodic" db:"email_digest_periodic"`
	Registered          bool         `json:"registered" db:"registered"`
	RegisteredAt        sql.NullTime `json:"registered_at" db:"registered_at"`
	LastActiveAt        sql.NullTime `json:"last_active_at" db:"last_active_at"`
}

// Reachable reports whether the recipient has an address to send to.
func (r Recipient) Reachable() bool {
	return strings.TrimSpace(r.Email) != ""
}

// DeliveryRecord is one ledger row. Rows are appended after a successful send and removed only
// by retention cleanup.
type DeliveryRecord struct {
	ID          int64         `json:"id" db:"id"`
	CampaignID  sql.NullInt64 `json:"campaign_id" db:"campaign_id"`
	RecipientID int64         `json:"recipient_id" db:"recipient_id"`
	Subject     string        `json:"subject" db:"subject"`
	TypeOf      string        `json:"type_of" db:"type_of"`
	SentAt      time.Time     `json:"sent_at" db:"sent_at"`
}

// DripTemplate is the onboarding email for one day since registration.
type DripTemplate struct {
	ID      int64  `json:"id" db:"id"`
	DripDay int    `json:"drip_day" db:"drip_day"`
	Subject string `json:"subject" db:"subject"`
	Body    string `json:"body" db:"body"`
	Status  string `json:"status" db:"status"`
}

// Survey configures a daily invite distribution.
type Survey struct {
	ID                      int64  `json:"id" db:"id"`
	Title                   string `json:"title" db:"title"`
	Active                  bool   `json:"active" db:"active"`
	AllowResubmission       bool   `json:"allow_resubmission" db:"allow_resubmission"`
	DailyEmailDistributions int    `json:"daily_email_distributions" db:"daily_email_distributions"`
}

// Article is digest content.
type Article struct {
	ID          int64     `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Path        string    `json:"path" db:"path"`
	Score       int       `json:"score" db:"score"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`
}

// ArticleIDs returns the ids of articles in order.
func ArticleIDs(articles []Article) []int64 {
	ids := make([]int64, len(articles))
	for i, a := range articles {
		ids[i] = a.ID
	}
	return ids
}
