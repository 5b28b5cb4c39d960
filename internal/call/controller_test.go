package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/signaling"
	apperrors "campushub-realtime/pkg/errors"
)

// MockSignaler is a mock implementation of Signaler
type MockSignaler struct {
	mock.Mock
}

func (m *MockSignaler) Publish(ctx context.Context, rec *domain.CallRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockSignaler) Subscribe(ctx context.Context, callID string) (<-chan signaling.Event, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(chan signaling.Event), args.Error(1)
}

func (m *MockSignaler) SubscribeIncoming(ctx context.Context, recipientID domain.UserID) (<-chan *domain.CallRecord, error) {
	args := m.Called(ctx, recipientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(chan *domain.CallRecord), args.Error(1)
}

// MockMedia is a mock implementation of Media
type MockMedia struct {
	mock.Mock
}

func (m *MockMedia) Setup(ctx context.Context, callType domain.CallType) error {
	args := m.Called(ctx, callType)
	return args.Error(0)
}

func (m *MockMedia) Connect(ctx context.Context, channelRef string) error {
	args := m.Called(ctx, channelRef)
	return args.Error(0)
}

func (m *MockMedia) Teardown() {
	m.Called()
}

// MockHistory is a mock implementation of History
type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) Record(ctx context.Context, rec domain.CallRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func waitForState(t *testing.T, c *Controller, want State) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State().State == want
	}, 2*time.Second, 10*time.Millisecond, "controller never reached %s, at %s", want, c.State().State)
	return c.State()
}

func newTestController(sig *MockSignaler, media *MockMedia, history History) *Controller {
	return NewController(domain.Identity{UserID: "alice"}, sig, media, history)
}

func TestStartCallPublishesPendingRecord(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	recordEvents := make(chan signaling.Event, 8)

	media.On("Setup", mock.Anything, domain.CallVideo).Return(nil)
	sig.On("Publish", mock.Anything, mock.MatchedBy(func(r *domain.CallRecord) bool {
		return r.Status == domain.CallPending && r.Seq == 1 &&
			r.InitiatorID == "alice" && r.RecipientID == "bob"
	})).Return(nil)
	sig.On("Subscribe", mock.Anything, mock.Anything).Return(recordEvents, nil)

	c := newTestController(sig, media, nil)
	rec, err := c.StartCall(context.Background(), "bob", domain.CallVideo)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.ChannelRef)
	assert.Equal(t, StatePendingOutgoing, c.State().State)
	sig.AssertExpectations(t)
	media.AssertExpectations(t)
}

func TestStartCallRejectsSelfAndBusy(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	recordEvents := make(chan signaling.Event, 8)
	media.On("Setup", mock.Anything, mock.Anything).Return(nil)
	sig.On("Publish", mock.Anything, mock.Anything).Return(nil)
	sig.On("Subscribe", mock.Anything, mock.Anything).Return(recordEvents, nil)

	c := newTestController(sig, media, nil)

	_, err := c.StartCall(context.Background(), "alice", domain.CallVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	_, err = c.StartCall(context.Background(), "bob", domain.CallVoice)
	require.NoError(t, err)

	_, err = c.StartCall(context.Background(), "carol", domain.CallVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestStartCallMediaFailureWritesNothing(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	media.On("Setup", mock.Anything, domain.CallVoice).
		Return(apperrors.DeviceUnavailableError("no microphone"))

	c := newTestController(sig, media, nil)
	_, err := c.StartCall(context.Background(), "bob", domain.CallVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceUnavailable))
	assert.Equal(t, StateIdle, c.State().State)
	sig.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestStartCallPublishFailureTearsDownMedia(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	media.On("Setup", mock.Anything, domain.CallVoice).Return(nil)
	media.On("Teardown").Return()
	sig.On("Publish", mock.Anything, mock.Anything).
		Return(apperrors.StoreUnavailableError(assert.AnError))

	c := newTestController(sig, media, nil)
	_, err := c.StartCall(context.Background(), "bob", domain.CallVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStoreUnavailable))
	assert.Equal(t, StateIdle, c.State().State)
	media.AssertCalled(t, "Teardown")
}

func incomingController(t *testing.T, sig *MockSignaler, media *MockMedia, history History) (*Controller, chan *domain.CallRecord, chan signaling.Event, context.CancelFunc) {
	t.Helper()
	incoming := make(chan *domain.CallRecord, 4)
	recordEvents := make(chan signaling.Event, 8)
	sig.On("SubscribeIncoming", mock.Anything, domain.UserID("alice")).Return(incoming, nil)
	sig.On("Subscribe", mock.Anything, mock.Anything).Return(recordEvents, nil)

	c := newTestController(sig, media, history)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	return c, incoming, recordEvents, cancel
}

func incomingRecord(id string) *domain.CallRecord {
	return &domain.CallRecord{
		ID:          id,
		InitiatorID: "bob",
		RecipientID: "alice",
		Type:        domain.CallVoice,
		Status:      domain.CallPending,
		ChannelRef:  "rtc/" + id,
		Seq:         1,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestIncomingCallReachesPendingIncoming(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	c, incoming, _, cancel := incomingController(t, sig, media, nil)
	defer cancel()
	media.On("Teardown").Return()

	incoming <- incomingRecord("c1")
	snap := waitForState(t, c, StatePendingIncoming)
	assert.Equal(t, "c1", snap.Record.ID)
}

func TestAcceptCallPublishesAcceptedAndConnects(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	c, incoming, _, cancel := incomingController(t, sig, media, nil)
	defer cancel()

	connected := make(chan struct{})
	media.On("Setup", mock.Anything, domain.CallVoice).Return(nil)
	media.On("Teardown").Return()
	media.On("Connect", mock.Anything, "rtc/c1").
		Run(func(mock.Arguments) { close(connected) }).Return(nil)
	sig.On("Publish", mock.Anything, mock.MatchedBy(func(r *domain.CallRecord) bool {
		return r.Status == domain.CallAccepted && r.Seq == 2
	})).Return(nil)

	incoming <- incomingRecord("c1")
	waitForState(t, c, StatePendingIncoming)

	require.NoError(t, c.AcceptCall(context.Background()))
	assert.Equal(t, StateAccepted, c.State().State)
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("transport connect was never attempted")
	}
	sig.AssertExpectations(t)
}

func TestAcceptCallWithoutPendingFails(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	c := newTestController(sig, media, nil)

	err := c.AcceptCall(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestAcceptCallMediaFailureEndsCall(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	c, incoming, _, cancel := incomingController(t, sig, media, nil)
	defer cancel()

	media.On("Setup", mock.Anything, domain.CallVoice).
		Return(apperrors.DeviceUnavailableError("no microphone"))
	media.On("Teardown").Return()
	sig.On("Publish", mock.Anything, mock.MatchedBy(func(r *domain.CallRecord) bool {
		return r.Status == domain.CallEnded && r.EndedAt != nil
	})).Return(nil)

	incoming <- incomingRecord("c1")
	waitForState(t, c, StatePendingIncoming)

	err := c.AcceptCall(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceUnavailable))
	assert.Equal(t, StateEnded, c.State().State)
	media.AssertCalled(t, "Teardown")
	sig.AssertExpectations(t)
}

func TestRejectCallWritesRejectedAndTearsDown(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	history := new(MockHistory)
	history.On("Record", mock.Anything, mock.MatchedBy(func(r domain.CallRecord) bool {
		return r.Status == domain.CallRejected
	})).Return(nil)
	c, incoming, _, cancel := incomingController(t, sig, media, history)
	defer cancel()

	media.On("Teardown").Return()
	sig.On("Publish", mock.Anything, mock.MatchedBy(func(r *domain.CallRecord) bool {
		return r.Status == domain.CallRejected && r.Seq == 2 && r.EndedAt != nil
	})).Return(nil)

	incoming <- incomingRecord("c1")
	waitForState(t, c, StatePendingIncoming)

	require.NoError(t, c.RejectCall(context.Background()))
	assert.Equal(t, StateRejected, c.State().State)
	media.AssertCalled(t, "Teardown")
	require.Eventually(t, func() bool {
		return len(history.Calls) > 0
	}, 2*time.Second, 10*time.Millisecond, "history record never written")
}

func TestEndCallFromPendingOutgoing(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	recordEvents := make(chan signaling.Event, 8)
	media.On("Setup", mock.Anything, mock.Anything).Return(nil)
	media.On("Teardown").Return()
	sig.On("Subscribe", mock.Anything, mock.Anything).Return(recordEvents, nil)
	sig.On("Publish", mock.Anything, mock.Anything).Return(nil)

	c := newTestController(sig, media, nil)
	_, err := c.StartCall(context.Background(), "bob", domain.CallVoice)
	require.NoError(t, err)

	require.NoError(t, c.EndCall(context.Background()))
	assert.Equal(t, StateEnded, c.State().State)
	media.AssertCalled(t, "Teardown")
}

func TestEndCallWithoutActiveCallFails(t *testing.T) {
	c := newTestController(new(MockSignaler), new(MockMedia), nil)
	err := c.EndCall(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestPeerAcceptTransitionsOutgoingCall(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	recordEvents := make(chan signaling.Event, 8)
	connected := make(chan struct{})
	media.On("Setup", mock.Anything, mock.Anything).Return(nil)
	media.On("Connect", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { close(connected) }).Return(nil)
	sig.On("Subscribe", mock.Anything, mock.Anything).Return(recordEvents, nil)
	sig.On("Publish", mock.Anything, mock.Anything).Return(nil)

	c := newTestController(sig, media, nil)
	rec, err := c.StartCall(context.Background(), "bob", domain.CallVoice)
	require.NoError(t, err)

	accepted := *rec
	accepted.Status = domain.CallAccepted
	accepted.Seq = 2
	recordEvents <- signaling.Event{CallID: rec.ID, Record: &accepted}

	waitForState(t, c, StateAccepted)
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("transport connect was never attempted")
	}
}

func TestPeerRejectEndsOutgoingCall(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	recordEvents := make(chan signaling.Event, 8)
	media.On("Setup", mock.Anything, mock.Anything).Return(nil)
	media.On("Teardown").Return()
	sig.On("Subscribe", mock.Anything, mock.Anything).Return(recordEvents, nil)
	sig.On("Publish", mock.Anything, mock.Anything).Return(nil)

	c := newTestController(sig, media, nil)
	rec, err := c.StartCall(context.Background(), "bob", domain.CallVoice)
	require.NoError(t, err)

	now := time.Now().UTC()
	rejected := *rec
	rejected.Status = domain.CallRejected
	rejected.Seq = 2
	rejected.EndedAt = &now
	recordEvents <- signaling.Event{CallID: rec.ID, Record: &rejected}

	waitForState(t, c, StateRejected)
	media.AssertCalled(t, "Teardown")
}

func TestRecordRemovalEndsCall(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	recordEvents := make(chan signaling.Event, 8)
	media.On("Setup", mock.Anything, mock.Anything).Return(nil)
	media.On("Teardown").Return()
	sig.On("Subscribe", mock.Anything, mock.Anything).Return(recordEvents, nil)
	sig.On("Publish", mock.Anything, mock.Anything).Return(nil)

	c := newTestController(sig, media, nil)
	rec, err := c.StartCall(context.Background(), "bob", domain.CallVoice)
	require.NoError(t, err)

	recordEvents <- signaling.Event{CallID: rec.ID, Removed: true}
	waitForState(t, c, StateEnded)
	media.AssertCalled(t, "Teardown")
}

func TestPeerEndAtEqualSeqEndsAcceptedCall(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	c, incoming, recordEvents, cancel := incomingController(t, sig, media, nil)
	defer cancel()

	media.On("Setup", mock.Anything, domain.CallVoice).Return(nil)
	media.On("Connect", mock.Anything, mock.Anything).Return(nil)
	media.On("Teardown").Return()
	sig.On("Publish", mock.Anything, mock.Anything).Return(nil)

	incoming <- incomingRecord("c1")
	waitForState(t, c, StatePendingIncoming)
	require.NoError(t, c.AcceptCall(context.Background()))

	// The initiator hung up concurrently: both sides incremented from the
	// pending record, so the ended write carries the same Seq as the local
	// accepted one. It must still end the call.
	now := time.Now().UTC()
	ended := *incomingRecord("c1")
	ended.Status = domain.CallEnded
	ended.Seq = 2
	ended.EndedAt = &now
	recordEvents <- signaling.Event{CallID: "c1", Record: &ended}

	waitForState(t, c, StateEnded)
	media.AssertCalled(t, "Teardown")
}

func TestStaleRecordEventsAreIgnored(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	recordEvents := make(chan signaling.Event, 8)
	media.On("Setup", mock.Anything, mock.Anything).Return(nil)
	sig.On("Subscribe", mock.Anything, mock.Anything).Return(recordEvents, nil)
	sig.On("Publish", mock.Anything, mock.Anything).Return(nil)

	c := newTestController(sig, media, nil)
	rec, err := c.StartCall(context.Background(), "bob", domain.CallVoice)
	require.NoError(t, err)

	// Same Seq as the tracked record: must not supersede.
	stale := *rec
	stale.Status = domain.CallAccepted
	recordEvents <- signaling.Event{CallID: rec.ID, Record: &stale}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatePendingOutgoing, c.State().State)
}

func TestNewCallAllowedAfterTerminal(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	recordEvents := make(chan signaling.Event, 8)
	media.On("Setup", mock.Anything, mock.Anything).Return(nil)
	media.On("Teardown").Return()
	sig.On("Subscribe", mock.Anything, mock.Anything).Return(recordEvents, nil)
	sig.On("Publish", mock.Anything, mock.Anything).Return(nil)

	c := newTestController(sig, media, nil)
	_, err := c.StartCall(context.Background(), "bob", domain.CallVoice)
	require.NoError(t, err)
	require.NoError(t, c.EndCall(context.Background()))

	_, err = c.StartCall(context.Background(), "carol", domain.CallVoice)
	assert.NoError(t, err)
}

func TestIncomingIgnoredWhileBusy(t *testing.T) {
	sig := new(MockSignaler)
	media := new(MockMedia)
	c, incoming, _, cancel := incomingController(t, sig, media, nil)
	defer cancel()

	media.On("Setup", mock.Anything, mock.Anything).Return(nil)
	media.On("Teardown").Return()
	sig.On("Publish", mock.Anything, mock.Anything).Return(nil)

	_, err := c.StartCall(context.Background(), "bob", domain.CallVoice)
	require.NoError(t, err)

	incoming <- incomingRecord("c2")
	time.Sleep(100 * time.Millisecond)
	snap := c.State()
	assert.Equal(t, StatePendingOutgoing, snap.State)
	assert.NotEqual(t, "c2", snap.Record.ID)
}
