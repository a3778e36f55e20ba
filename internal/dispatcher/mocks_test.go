package dispatcher

import (
	"context"
	"time"

	"campflow/internal/models"
	"campflow/pkg/provider/types"
)

type fakeStore struct {
	values map[string]int64
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string]int64)}
}

func (f *fakeStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.values[key] += delta
	return f.values[key], nil
}

func (f *fakeStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.values[key] = value
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	delete(f.values, key)
	return nil
}

type retryCall struct {
	id          int64
	errorCode   string
	nextAttempt time.Time
}

type sentCall struct {
	id                int64
	providerMessageID string
}

type mockDB struct {
	message *models.Message
	contact *models.Contact

	sentCalls       []sentCall
	retryCalls      []retryCall
	deferCalls      []time.Time
	failedCalls     []int64
	failedCampaigns []int64
}

func (m *mockDB) NextDueMessage(ctx context.Context, now time.Time) (*models.Message, error) {
	return m.message, nil
}

func (m *mockDB) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	return m.message, nil
}

func (m *mockDB) GetContact(ctx context.Context, id int64) (*models.Contact, error) {
	return m.contact, nil
}

func (m *mockDB) MarkMessageSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error {
	m.sentCalls = append(m.sentCalls, sentCall{id: id, providerMessageID: providerMessageID})
	return nil
}

func (m *mockDB) ScheduleMessageRetry(ctx context.Context, id int64, errorCode, errorMessage string, nextAttempt time.Time) error {
	m.retryCalls = append(m.retryCalls, retryCall{id: id, errorCode: errorCode, nextAttempt: nextAttempt})
	return nil
}

func (m *mockDB) DeferMessage(ctx context.Context, id int64, notBefore time.Time) error {
	m.deferCalls = append(m.deferCalls, notBefore)
	return nil
}

func (m *mockDB) MarkMessageFailed(ctx context.Context, id int64, errorCode, errorMessage string) error {
	m.failedCalls = append(m.failedCalls, id)
	return nil
}

func (m *mockDB) MarkCampaignFailed(ctx context.Context, campaignID int64) error {
	m.failedCampaigns = append(m.failedCampaigns, campaignID)
	return nil
}

type mockProvider struct {
	result *types.SendResult
	err    error
	calls  int
}

func (m *mockProvider) SendText(ctx context.Context, destination, content string) (*types.SendResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}
