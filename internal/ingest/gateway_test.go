package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailnotify/internal/types"
)

type gatewayFixture struct {
	store     *fakeStore
	publisher *fakePublisher
	secrets   *fakeSecrets
	gateway   *Gateway
}

func newGatewayFixture() *gatewayFixture {
	f := &gatewayFixture{
		store:     newFakeStore(),
		publisher: &fakePublisher{},
		secrets:   secretExpiringAt(testNow.Add(time.Hour)),
	}
	validator := NewSecretValidator(f.secrets, fixedClock{testNow}, 0, time.Second, nil)
	f.gateway = NewGateway(f.store, f.publisher, validator, fixedClock{testNow}, nil)
	return f
}

func testItem(id string) types.NotificationItem {
	return types.NotificationItem{
		ID:             id,
		SubscriptionID: "sub-1",
		ClientState:    "s3cret",
		ChangeType:     types.ChangeCreated,
		Resource:       "Users/u-1/Messages/m-1",
	}
}

func rawItem(t *testing.T, item types.NotificationItem) string {
	t.Helper()
	fields := map[string]any{
		"subscriptionId": item.SubscriptionID,
		"changeType":     item.ChangeType,
		"resource":       item.Resource,
	}
	if item.ID != "" {
		fields["id"] = item.ID
	}
	if !item.ClientState.IsEmpty() {
		fields["clientState"] = item.ClientState.Unmask()
	}
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(b)
}

func TestGateway_HandleSuccess(t *testing.T) {
	f := newGatewayFixture()
	item := testItem("n-1")

	ok, err := f.gateway.Handle(context.Background(), item, rawItem(t, item))
	require.NoError(t, err)
	assert.True(t, ok)

	rec := f.store.get("n-1")
	require.NotNil(t, rec)
	assert.Equal(t, types.StatusCompleted, rec.ProcessingStatus)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, "m-1", rec.ResourceID)
	assert.Equal(t, testNow, rec.ReceivedTimestamp)
	assert.NotContains(t, rec.RawPayload, "s3cret", "client state is not stored")

	require.Len(t, f.publisher.sent, 1)
	msg := f.publisher.sent[0]
	assert.Equal(t, "n-1", msg.NotificationID)
	assert.Equal(t, "u-1", msg.OwnerID)
	assert.Equal(t, "m-1", msg.ResourceMessageID)
	assert.Equal(t, types.ChangeCreated, msg.ChangeType)
	assert.Equal(t, "sub-1", msg.SubscriptionID)
}

func TestGateway_HandleUnparseableResourceUsesUnknown(t *testing.T) {
	f := newGatewayFixture()
	item := testItem("n-1")
	item.Resource = "Groups/g-1"

	ok, err := f.gateway.Handle(context.Background(), item, rawItem(t, item))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, f.publisher.sent, 1)
	assert.Equal(t, "unknown", f.publisher.sent[0].OwnerID)
	assert.Equal(t, "unknown", f.publisher.sent[0].ResourceMessageID)
}

func TestGateway_HandlePublishFailureMarksFailed(t *testing.T) {
	f := newGatewayFixture()
	f.publisher.fail = true
	item := testItem("n-1")

	ok, err := f.gateway.Handle(context.Background(), item, rawItem(t, item))
	require.NoError(t, err)
	assert.False(t, ok)

	rec := f.store.get("n-1")
	require.NotNil(t, rec)
	assert.Equal(t, types.StatusFailed, rec.ProcessingStatus)
	assert.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "upstream_queue_unavailable: queue publish failed", *rec.ErrorMessage)
}

func TestGateway_HandleSecurityViolation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *gatewayFixture, item *types.NotificationItem)
		reason string
	}{
		{"wrong secret", func(_ *gatewayFixture, item *types.NotificationItem) { item.ClientState = "nope" }, ReasonMismatch},
		{"unknown subscription", func(_ *gatewayFixture, item *types.NotificationItem) { item.SubscriptionID = "sub-x" }, ReasonNotFound},
		{"hard expired", func(f *gatewayFixture, _ *types.NotificationItem) {
			f.secrets.secrets["sub-1"].ExpirationTime = testNow.Add(-time.Hour)
		}, ReasonExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGatewayFixture()
			item := testItem("n-1")
			tt.mutate(f, &item)

			ok, err := f.gateway.Handle(context.Background(), item, rawItem(t, item))
			assert.False(t, ok)
			require.Error(t, err)

			var sv *SecurityViolationError
			require.True(t, errors.As(err, &sv))
			assert.Equal(t, tt.reason, sv.Reason)
			assert.True(t, types.HasCode(err, types.ErrCodeAuthSecurityViolation))

			assert.Equal(t, 0, f.store.count(), "nothing persisted")
			assert.Equal(t, 0, f.publisher.sentCount(), "nothing published")
		})
	}
}

func TestGateway_HandleWithinGraceAccepted(t *testing.T) {
	f := newGatewayFixture()
	f.secrets.secrets["sub-1"].ExpirationTime = testNow.Add(-2 * time.Minute)
	item := testItem("n-1")

	ok, err := f.gateway.Handle(context.Background(), item, rawItem(t, item))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateway_HandleWithoutClientStateSkipsValidation(t *testing.T) {
	f := newGatewayFixture()
	f.secrets.err = errors.New("must not be called")
	item := testItem("n-1")
	item.ClientState = ""

	ok, err := f.gateway.Handle(context.Background(), item, rawItem(t, item))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateway_HandleStoreErrorReturnsFalse(t *testing.T) {
	f := newGatewayFixture()
	f.store.upsertErr = types.NewAppError(types.ErrCodeInternalDB, "failed to upsert notification", errDBDown)
	item := testItem("n-1")

	ok, err := f.gateway.Handle(context.Background(), item, rawItem(t, item))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, f.publisher.sentCount())

	require.Len(t, f.store.updates, 1, "best-effort failure mark attempted")
	assert.Equal(t, types.StatusFailed, f.store.updates[0].Status)
}

func TestGateway_HandlePanicIsContained(t *testing.T) {
	f := newGatewayFixture()
	f.store.panicOn = "n-1"
	item := testItem("n-1")

	var ok bool
	var err error
	assert.NotPanics(t, func() {
		ok, err = f.gateway.Handle(context.Background(), item, rawItem(t, item))
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateway_HandleCompletionUpdateFailure(t *testing.T) {
	f := newGatewayFixture()
	f.store.updateErr = errDBDown
	item := testItem("n-1")

	ok, err := f.gateway.Handle(context.Background(), item, rawItem(t, item))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, f.publisher.sentCount())
	assert.Equal(t, types.StatusPending, f.store.get("n-1").ProcessingStatus)
}

func TestGateway_GeneratedIDIsStable(t *testing.T) {
	f := newGatewayFixture()
	item := testItem("")

	for i := 0; i < 2; i++ {
		ok, err := f.gateway.Handle(context.Background(), item, rawItem(t, item))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 1, f.store.count(), "redelivery maps to the same row")

	other := item
	other.ChangeType = types.ChangeDeleted
	assert.NotEqual(t, NotificationID(item), NotificationID(other))
}

func TestGateway_ReplayPreservesAccounting(t *testing.T) {
	f := newGatewayFixture()
	received := testNow.Add(-3 * time.Hour)
	item := testItem("n-1")
	item.ClientState = ""
	stored := &types.NotificationRecord{
		NotificationID:    "n-1",
		SubscriptionID:    "sub-1",
		ChangeType:        types.ChangeCreated,
		ResourceURI:       item.Resource,
		ReceivedTimestamp: received,
		RawPayload:        rawItem(t, item),
		ProcessingStatus:  types.StatusFailed,
		RetryCount:        3,
	}
	f.store.records["n-1"] = stored
	f.secrets.err = errors.New("replay must not validate")

	ok := f.gateway.Replay(context.Background(), stored)
	require.True(t, ok)

	rec := f.store.get("n-1")
	assert.Equal(t, types.StatusCompleted, rec.ProcessingStatus)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, received, rec.ReceivedTimestamp)
	assert.Equal(t, 1, f.publisher.sentCount())
}

func TestGateway_ReplayPublishFailureIncrementsOnce(t *testing.T) {
	f := newGatewayFixture()
	f.publisher.fail = true
	item := testItem("n-1")
	item.ClientState = ""
	stored := &types.NotificationRecord{
		NotificationID:    "n-1",
		SubscriptionID:    "sub-1",
		ChangeType:        types.ChangeCreated,
		ReceivedTimestamp: testNow.Add(-time.Hour),
		RawPayload:        rawItem(t, item),
		ProcessingStatus:  types.StatusFailed,
		RetryCount:        2,
	}
	f.store.records["n-1"] = stored

	assert.False(t, f.gateway.Replay(context.Background(), stored))
	assert.Equal(t, 3, f.store.get("n-1").RetryCount)
}

func TestGateway_ReplayCorruptPayload(t *testing.T) {
	f := newGatewayFixture()
	stored := &types.NotificationRecord{
		NotificationID:    "n-1",
		SubscriptionID:    "sub-1",
		ReceivedTimestamp: testNow,
		RawPayload:        "{not json",
		ProcessingStatus:  types.StatusPending,
	}
	f.store.records["n-1"] = stored

	assert.False(t, f.gateway.Replay(context.Background(), stored))
	rec := f.store.get("n-1")
	assert.Equal(t, types.StatusFailed, rec.ProcessingStatus)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, string(types.ErrCodeValidationInvalidPayload))
	assert.Equal(t, 0, f.publisher.sentCount())
}

func TestGateway_ReplayPayloadClassification(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode types.ErrorCode
	}{
		{"empty is missing", "", types.ErrCodeValidationMissingPayload},
		{"whitespace is undecodable", "  \t ", types.ErrCodeValidationInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGatewayFixture()
			stored := &types.NotificationRecord{
				NotificationID:    "n-1",
				SubscriptionID:    "sub-1",
				ReceivedTimestamp: testNow,
				RawPayload:        tt.payload,
				ProcessingStatus:  types.StatusPending,
			}
			f.store.records["n-1"] = stored

			assert.False(t, f.gateway.Replay(context.Background(), stored))
			rec := f.store.get("n-1")
			require.NotNil(t, rec.ErrorMessage)
			assert.Equal(t, types.StatusFailed, rec.ProcessingStatus)
			assert.Contains(t, *rec.ErrorMessage, string(tt.wantCode))
			assert.Equal(t, 0, f.publisher.sentCount())
		})
	}
}

func TestGateway_WithStoreRedirectsWrites(t *testing.T) {
	f := newGatewayFixture()
	other := newFakeStore()
	item := testItem("n-1")

	ok, err := f.gateway.WithStore(other).Handle(context.Background(), item, rawItem(t, item))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, f.store.count())
	assert.Equal(t, 1, other.count())
}

func TestRedactClientState(t *testing.T) {
	assert.Equal(t, `{"id":"n-1"}`, redactClientState(`{"id":"n-1","clientState":"x"}`))
	assert.Equal(t, `{"id":"n-1"}`, redactClientState(`{"id":"n-1"}`))
	assert.Equal(t, `not json`, redactClientState(`not json`))
}
