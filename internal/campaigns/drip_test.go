package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/forem/forem-sub087/internal/database"
	"github.com/forem/forem-sub087/internal/flags"
	"github.com/forem/forem-sub087/internal/repository"
)

var dripNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func registeredAgo(id int64, ago time.Duration) database.Recipient {
	u := subscriber(id)
	u.RegisteredAt = sql.NullTime{Time: dripNow.Add(-ago), Valid: true}
	return u
}

func dripTemplate(day int) *database.DripTemplate {
	return &database.DripTemplate{
		ID:      int64(100 + day),
		DripDay: day,
		Subject: "Day " + string(rune('0'+day)),
		Body:    "<p>Onboarding</p>",
		Status:  "active",
	}
}

func enabledFlags(on bool) *MockFlags {
	f := new(MockFlags)
	f.On("Enabled", mock.Anything, flags.OnboardingDripEmails).Return(on, nil)
	return f
}

func threeDayStore() *MockDripStore {
	store := new(MockDripStore)
	store.On("MaxDripDay", mock.Anything).Return(3, nil)
	for d := 1; d <= 3; d++ {
		store.On("ActiveDripTemplate", mock.Anything, d).Return(dripTemplate(d), nil)
	}
	return store
}

func sentTemplates(mail *fakeMailer) map[int64]int64 {
	out := make(map[int64]int64)
	for _, m := range mail.sent {
		out[m.RecipientID], _ = m.Data["drip_template_id"].(int64)
	}
	return out
}

func TestDripWindow(t *testing.T) {
	from, to := DripWindow(dripNow, 2, 24*time.Hour)
	assert.Equal(t, dripNow.Add(-72*time.Hour), from)
	assert.Equal(t, dripNow.Add(-48*time.Hour), to)

	from, to = DripWindow(dripNow, 2, time.Hour)
	assert.Equal(t, dripNow.Add(-49*time.Hour), from)
	assert.Equal(t, dripNow.Add(-48*time.Hour), to)
}

func TestDripRun_SelectsCohortByDay(t *testing.T) {
	dir := newFakeDirectory(
		registeredAgo(1, 50*time.Hour),
		registeredAgo(2, 30*time.Hour),
		registeredAgo(3, 80*time.Hour),
		registeredAgo(4, 48*time.Hour),
		registeredAgo(5, 10*time.Hour),
	)
	mail := newFakeMailer()

	s := NewDripScheduler(enabledFlags(true), threeDayStore(), dir, &fakeLedger{}, mail, nil,
		DripOptions{Window: 24 * time.Hour, QuietPeriod: 12 * time.Hour})
	stats, err := s.Run(context.Background(), dripNow)
	require.NoError(t, err)

	got := sentTemplates(mail)
	assert.Equal(t, int64(102), got[1], "50h old user gets only the day-2 email")
	assert.Equal(t, int64(101), got[2])
	assert.Equal(t, int64(103), got[3])
	assert.Equal(t, int64(102), got[4], "exactly 48h old belongs to day 2")
	assert.NotContains(t, got, int64(5))
	assert.Len(t, mail.sent, 4)
	assert.Equal(t, 4, stats.Sent)

	for _, m := range mail.sent {
		assert.Equal(t, database.TypeOnboardingDrip, m.TypeOf)
	}
}

func TestDripRun_HourlyWindow(t *testing.T) {
	dir := newFakeDirectory(
		registeredAgo(1, 48*time.Hour+30*time.Minute),
		registeredAgo(2, 50*time.Hour),
	)
	mail := newFakeMailer()

	s := NewDripScheduler(enabledFlags(true), threeDayStore(), dir, &fakeLedger{}, mail, nil,
		DripOptions{Window: time.Hour})
	_, err := s.Run(context.Background(), dripNow)
	require.NoError(t, err)

	assert.Equal(t, map[int64]int64{1: 102}, sentTemplates(mail))
}

func TestDripRun_QuietPeriod(t *testing.T) {
	dir := newFakeDirectory(registeredAgo(1, 50*time.Hour), registeredAgo(2, 50*time.Hour))
	ledger := &fakeLedger{}
	require.NoError(t, ledger.Record(context.Background(), database.DeliveryRecord{
		RecipientID: 1, Subject: "Digest", TypeOf: database.TypeDigest, SentAt: dripNow.Add(-6 * time.Hour),
	}))
	require.NoError(t, ledger.Record(context.Background(), database.DeliveryRecord{
		RecipientID: 2, Subject: "Digest", TypeOf: database.TypeDigest, SentAt: dripNow.Add(-13 * time.Hour),
	}))
	mail := newFakeMailer()

	s := NewDripScheduler(enabledFlags(true), threeDayStore(), dir, ledger, mail, nil,
		DripOptions{Window: 24 * time.Hour, QuietPeriod: 12 * time.Hour})
	stats, err := s.Run(context.Background(), dripNow)
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, mail.recipients())
	assert.Equal(t, 1, stats.Skipped)
}

func TestDripRun_QuietPeriodDefaultsWhenUnset(t *testing.T) {
	dir := newFakeDirectory(registeredAgo(1, 50*time.Hour))
	ledger := &fakeLedger{}
	require.NoError(t, ledger.Record(context.Background(), database.DeliveryRecord{
		RecipientID: 1, Subject: "Digest", TypeOf: database.TypeDigest, SentAt: dripNow.Add(-6 * time.Hour),
	}))
	mail := newFakeMailer()

	s := NewDripScheduler(enabledFlags(true), threeDayStore(), dir, ledger, mail, nil, DripOptions{QuietPeriod: 0})
	stats, err := s.Run(context.Background(), dripNow)
	require.NoError(t, err)
	assert.Empty(t, mail.sent)
	assert.Equal(t, 1, stats.Skipped)
}

func TestDripRun_SkipsRecipientWithoutEmail(t *testing.T) {
	incomplete := registeredAgo(1, 50*time.Hour)
	incomplete.Email = ""
	mail := newFakeMailer()

	s := NewDripScheduler(enabledFlags(true), threeDayStore(), newFakeDirectory(incomplete, registeredAgo(2, 50*time.Hour)),
		&fakeLedger{}, mail, nil, DripOptions{})
	stats, err := s.Run(context.Background(), dripNow)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, mail.recipients())
	assert.Equal(t, DeliveryStats{Sent: 1, Skipped: 1}, stats)
}

func TestDripRun_SkipsOptedOut(t *testing.T) {
	optedOut := registeredAgo(1, 50*time.Hour)
	optedOut.EmailNewsletter = false
	mail := newFakeMailer()

	s := NewDripScheduler(enabledFlags(true), threeDayStore(), newFakeDirectory(optedOut), &fakeLedger{}, mail, nil,
		DripOptions{QuietPeriod: 12 * time.Hour})
	stats, err := s.Run(context.Background(), dripNow)
	require.NoError(t, err)
	assert.Empty(t, mail.sent)
	assert.Equal(t, 1, stats.Skipped)
}

func TestDripRun_FlagOffIsNoop(t *testing.T) {
	store := new(MockDripStore)
	mail := newFakeMailer()

	s := NewDripScheduler(enabledFlags(false), store, newFakeDirectory(registeredAgo(1, 50*time.Hour)),
		&fakeLedger{}, mail, nil, DripOptions{})
	stats, err := s.Run(context.Background(), dripNow)
	require.NoError(t, err)
	assert.Equal(t, DeliveryStats{}, stats)
	store.AssertNotCalled(t, "MaxDripDay", mock.Anything)
}

func TestDripRun_NoTemplates(t *testing.T) {
	store := new(MockDripStore)
	store.On("MaxDripDay", mock.Anything).Return(0, nil)

	s := NewDripScheduler(enabledFlags(true), store, newFakeDirectory(), &fakeLedger{}, newFakeMailer(), nil, DripOptions{})
	_, err := s.Run(context.Background(), dripNow)
	require.NoError(t, err)
	store.AssertNotCalled(t, "ActiveDripTemplate", mock.Anything, mock.Anything)
}

func TestDripRun_MissingDayAndFailuresAreIsolated(t *testing.T) {
	store := new(MockDripStore)
	store.On("MaxDripDay", mock.Anything).Return(3, nil)
	store.On("ActiveDripTemplate", mock.Anything, 1).Return(dripTemplate(1), nil)
	store.On("ActiveDripTemplate", mock.Anything, 2).Return(nil, repository.ErrNotFound)
	store.On("ActiveDripTemplate", mock.Anything, 3).Return(dripTemplate(3), nil)

	dir := newFakeDirectory(
		registeredAgo(1, 30*time.Hour),
		registeredAgo(2, 31*time.Hour),
		registeredAgo(3, 50*time.Hour),
		registeredAgo(4, 80*time.Hour),
	)
	mail := newFakeMailer()
	mail.failOn[1] = errors.New("bounced")

	s := NewDripScheduler(enabledFlags(true), store, dir, &fakeLedger{}, mail, nil, DripOptions{})
	stats, err := s.Run(context.Background(), dripNow)
	require.NoError(t, err)

	assert.Equal(t, map[int64]int64{2: 101, 4: 103}, sentTemplates(mail))
	assert.Equal(t, DeliveryStats{Sent: 2, Failed: 1}, stats)
}

func TestDripRun_TemplateErrorDoesNotStopOtherDays(t *testing.T) {
	store := new(MockDripStore)
	store.On("MaxDripDay", mock.Anything).Return(2, nil)
	store.On("ActiveDripTemplate", mock.Anything, 1).Return(nil, errors.New("statement timeout"))
	store.On("ActiveDripTemplate", mock.Anything, 2).Return(dripTemplate(2), nil)

	mail := newFakeMailer()
	s := NewDripScheduler(enabledFlags(true), store, newFakeDirectory(registeredAgo(1, 50*time.Hour)),
		&fakeLedger{}, mail, nil, DripOptions{})
	_, err := s.Run(context.Background(), dripNow)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement timeout")
	assert.Equal(t, []int64{1}, mail.recipients())
}

func TestDripRun_FlagErrorPropagates(t *testing.T) {
	f := new(MockFlags)
	f.On("Enabled", mock.Anything, flags.OnboardingDripEmails).Return(false, errors.New("redis down"))

	_, err := NewDripScheduler(f, new(MockDripStore), newFakeDirectory(), &fakeLedger{}, newFakeMailer(), nil, DripOptions{}).
		Run(context.Background(), dripNow)
	assert.ErrorContains(t, err, "redis down")
}
