package campaigns

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/forem/forem-sub087/internal/database"
	"github.com/forem/forem-sub087/internal/mailer"
	"github.com/forem/forem-sub087/internal/repository"
)

// MockCampaignStore is a mock implementation of CampaignStore
type MockCampaignStore struct {
	mock.Mock
}

func (m *MockCampaignStore) GetByID(ctx context.Context, id int64) (*database.Campaign, error) {
	args := m.Called(ctx, id)
	campaign, _ := args.Get(0).(*database.Campaign)
	return campaign, args.Error(1)
}

// MockDripStore is a mock implementation of DripStore
type MockDripStore struct {
	mock.Mock
}

func (m *MockDripStore) MaxDripDay(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockDripStore) ActiveDripTemplate(ctx context.Context, day int) (*database.DripTemplate, error) {
	args := m.Called(ctx, day)
	template, _ := args.Get(0).(*database.DripTemplate)
	return template, args.Error(1)
}

// MockLedger is a mock implementation of DeliveryLedger
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) AlreadyDelivered(ctx context.Context, campaignID int64, ids []int64) (map[int64]struct{}, error) {
	args := m.Called(ctx, campaignID, ids)
	delivered, _ := args.Get(0).(map[int64]struct{})
	return delivered, args.Error(1)
}

func (m *MockLedger) RecentDeliveryExists(ctx context.Context, recipientID int64, since time.Time) (bool, error) {
	args := m.Called(ctx, recipientID, since)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) LastDeliveredAt(ctx context.Context, recipientID int64, typeOf string) (*time.Time, error) {
	args := m.Called(ctx, recipientID, typeOf)
	last, _ := args.Get(0).(*time.Time)
	return last, args.Error(1)
}

// MockFlags is a mock implementation of FlagSource
type MockFlags struct {
	mock.Mock
}

func (m *MockFlags) Enabled(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

// MockReporter is a mock implementation of errorreport.Reporter
type MockReporter struct {
	mock.Mock
}

func (m *MockReporter) Report(ctx context.Context, err error, tags map[string]string, extras map[string]interface{}) {
	m.Called(ctx, err, tags, extras)
}

// fakeMailer records sends and fails for the configured recipients.
type fakeMailer struct {
	mu     sync.Mutex
	failOn map[int64]error
	sent   []mailer.Message
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{failOn: make(map[int64]error)}
}

func (f *fakeMailer) Send(ctx context.Context, msg mailer.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[msg.RecipientID]; ok {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) recipients() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, len(f.sent))
	for i, m := range f.sent {
		ids[i] = m.RecipientID
	}
	return ids
}

// fakeLedger is an in-memory delivery ledger that also records through the tracking
// dispatcher, so tests can follow the full send-then-record path.
type fakeLedger struct {
	mu      sync.Mutex
	records []database.DeliveryRecord
}

func (l *fakeLedger) Record(ctx context.Context, rec database.DeliveryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *fakeLedger) AlreadyDelivered(ctx context.Context, campaignID int64, ids []int64) (map[int64]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	delivered := make(map[int64]struct{})
	for _, r := range l.records {
		if !r.CampaignID.Valid || r.CampaignID.Int64 != campaignID || database.IsTestSubject(r.Subject) {
			continue
		}
		if _, ok := wanted[r.RecipientID]; ok {
			delivered[r.RecipientID] = struct{}{}
		}
	}
	return delivered, nil
}

func (l *fakeLedger) RecentDeliveryExists(ctx context.Context, recipientID int64, since time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.RecipientID == recipientID && !r.SentAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (l *fakeLedger) LastDeliveredAt(ctx context.Context, recipientID int64, typeOf string) (*time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var last *time.Time
	for _, r := range l.records {
		if r.RecipientID == recipientID && r.TypeOf == typeOf && (last == nil || r.SentAt.After(*last)) {
			t := r.SentAt
			last = &t
		}
	}
	return last, nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// fakeDirectory serves a fixed set of users.
type fakeDirectory struct {
	users    map[int64]database.Recipient
	segments map[int64][]int64
}

func newFakeDirectory(users ...database.Recipient) *fakeDirectory {
	d := &fakeDirectory{users: make(map[int64]database.Recipient), segments: make(map[int64][]int64)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDirectory) sortedIDs() []int64 {
	ids := make([]int64, 0, len(d.users))
	for id := range d.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *fakeDirectory) AudiencePage(ctx context.Context, filter repository.AudienceFilter, afterID int64, limit int) ([]int64, error) {
	pool := d.sortedIDs()
	if filter.SegmentID != nil {
		pool = d.segments[*filter.SegmentID]
	}
	var page []int64
	for _, id := range pool {
		u := d.users[id]
		if id <= afterID || !u.EmailNewsletter || !u.Registered {
			continue
		}
		page = append(page, id)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (d *fakeDirectory) LoadByIDs(ctx context.Context, ids []int64) (map[int64]database.Recipient, error) {
	out := make(map[int64]database.Recipient)
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (d *fakeDirectory) FindByID(ctx context.Context, id int64) (*database.Recipient, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (d *fakeDirectory) RegisteredBetween(ctx context.Context, from, to time.Time) ([]database.Recipient, error) {
	var out []database.Recipient
	for _, id := range d.sortedIDs() {
		u := d.users[id]
		if u.RegisteredAt.Valid && u.RegisteredAt.Time.After(from) && !u.RegisteredAt.Time.After(to) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *fakeDirectory) DigestRecipientPage(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var page []int64
	for _, id := range d.sortedIDs() {
		u := d.users[id]
		if id <= afterID || !u.EmailDigestPeriodic || !u.Registered {
			continue
		}
		page = append(page, id)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

// SampleActive returns the first limit eligible users. Randomness is the database's job.
func (d *fakeDirectory) SampleActive(ctx context.Context, since time.Time, exclude []int64, limit int) ([]database.Recipient, error) {
	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var out []database.Recipient
	for _, id := range d.sortedIDs() {
		u := d.users[id]
		if _, excluded := skip[id]; excluded || !u.EmailNewsletter {
			continue
		}
		if !u.LastActiveAt.Valid || u.LastActiveAt.Time.Before(since) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, u)
	}
	return out, nil
}

// recordingEnqueuer captures batches and digests.
type recordingEnqueuer struct {
	mu       sync.Mutex
	batches  []Batch
	digests  []int64
	failFrom int
}

func (e *recordingEnqueuer) EnqueueBatch(ctx context.Context, batch Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failFrom > 0 && len(e.batches)+1 >= e.failFrom {
		return errEnqueue
	}
	e.batches = append(e.batches, batch)
	return nil
}

func (e *recordingEnqueuer) EnqueueDigest(ctx context.Context, userID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.digests = append(e.digests, userID)
	return nil
}
