package detector

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxaalab/psychic-telegram-bot/internal/i18n"
	"github.com/oxaalab/psychic-telegram-bot/internal/platform"
	"github.com/oxaalab/psychic-telegram-bot/internal/snapshots"
)

const selfID = int64(555)

type pair struct{ chat, user int64 }

type fakeClient struct {
	admins    []platform.Member
	adminsErr error
}

func (f *fakeClient) GetChatMember(context.Context, int64, int64) (platform.Member, error) {
	return platform.Member{}, nil
}

func (f *fakeClient) GetChatAdministrators(context.Context, int64) ([]platform.Member, error) {
	return f.admins, f.adminsErr
}

func (f *fakeClient) Send(context.Context, platform.Message) error { return nil }

type fakeHistory struct {
	mu         sync.Mutex
	snaps      map[int64][]snapshots.Snapshot
	histories  map[int64][]snapshots.Snapshot
	byUsername map[string]int64
	recorded   []platform.User
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		snaps:      map[int64][]snapshots.Snapshot{},
		histories:  map[int64][]snapshots.Snapshot{},
		byUsername: map[string]int64{},
	}
}

func (f *fakeHistory) Record(_ context.Context, user platform.User, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, user)
	snap := snapshots.Canonical(user)
	if at.IsZero() {
		at = time.Now()
	}
	snap.SeenAt = at.UTC()
	f.snaps[user.ID] = append(f.snaps[user.ID], snap)
	return nil
}

func (f *fakeHistory) AsOf(_ context.Context, userID int64, cutoff time.Time) (*snapshots.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *snapshots.Snapshot
	for i := range f.snaps[userID] {
		snap := f.snaps[userID][i]
		if snap.SeenAt.After(cutoff) {
			continue
		}
		if best == nil || !snap.SeenAt.Before(best.SeenAt) {
			copied := snap
			best = &copied
		}
	}
	return best, nil
}

func (f *fakeHistory) History(_ context.Context, userID int64) ([]snapshots.Snapshot, error) {
	h, ok := f.histories[userID]
	if !ok {
		return nil, snapshots.ErrUserNotFound
	}
	return h, nil
}

func (f *fakeHistory) HistoryByUsername(ctx context.Context, username string) (int64, []snapshots.Snapshot, error) {
	id, ok := f.byUsername[username]
	if !ok {
		return 0, nil, snapshots.ErrUserNotFound
	}
	h, err := f.History(ctx, id)
	return id, h, err
}

type fakeChats struct {
	language    string
	setLang     []string
	presence    []platform.Status
	touched     []pair
	removed     []pair
	pruned      []int64
	lastChecked map[pair]time.Time
	firstSeen   map[pair]time.Time
	checked     []pair
}

func newFakeChats() *fakeChats {
	return &fakeChats{
		lastChecked: map[pair]time.Time{},
		firstSeen:   map[pair]time.Time{},
	}
}

func (f *fakeChats) Touch(context.Context, int64, string, string) error { return nil }

func (f *fakeChats) Language(context.Context, int64) string {
	if f.language == "" {
		return "en"
	}
	return f.language
}

func (f *fakeChats) SetLanguage(_ context.Context, _ int64, language, _ string) error {
	f.setLang = append(f.setLang, language)
	return nil
}

func (f *fakeChats) SetBotPresence(_ context.Context, _ int64, _, _ string, status platform.Status) error {
	f.presence = append(f.presence, status)
	return nil
}

func (f *fakeChats) TouchMember(_ context.Context, chatID, userID int64) error {
	key := pair{chatID, userID}
	f.touched = append(f.touched, key)
	if _, ok := f.firstSeen[key]; !ok {
		f.firstSeen[key] = time.Now().UTC()
	}
	return nil
}

func (f *fakeChats) LastChecked(_ context.Context, chatID, userID int64) (time.Time, error) {
	return f.lastChecked[pair{chatID, userID}], nil
}

func (f *fakeChats) FirstSeen(_ context.Context, chatID, userID int64) (time.Time, error) {
	return f.firstSeen[pair{chatID, userID}], nil
}

func (f *fakeChats) MarkChecked(_ context.Context, chatID, userID int64) error {
	key := pair{chatID, userID}
	f.checked = append(f.checked, key)
	f.lastChecked[key] = time.Now().UTC()
	return nil
}

func (f *fakeChats) RemoveMember(_ context.Context, chatID, userID int64) error {
	f.removed = append(f.removed, pair{chatID, userID})
	return nil
}

func (f *fakeChats) PruneMembers(_ context.Context, chatID int64) error {
	f.pruned = append(f.pruned, chatID)
	return nil
}

type fakeGuard struct {
	deny      bool
	allowed   []string
	forgotten []pair
}

func (f *fakeGuard) Allow(_ context.Context, _, _ int64, fp string) (bool, error) {
	if f.deny {
		return false, nil
	}
	f.allowed = append(f.allowed, fp)
	return true, nil
}

func (f *fakeGuard) Forget(chatID, userID int64) {
	f.forgotten = append(f.forgotten, pair{chatID, userID})
}

type fakeNotifier struct {
	changes  []snapshots.Snapshot
	welcomes []platform.User
	sent     []platform.Message
}

func (f *fakeNotifier) Change(_ context.Context, _ int64, _ string, _ platform.User, _ *snapshots.Snapshot, cur snapshots.Snapshot, _ int) error {
	f.changes = append(f.changes, cur)
	return nil
}

func (f *fakeNotifier) Welcome(_ context.Context, _ int64, _ string, user platform.User, _ []snapshots.Snapshot, _ int) error {
	f.welcomes = append(f.welcomes, user)
	return nil
}

func (f *fakeNotifier) HistoryText(_ string, userID int64, history []snapshots.Snapshot) string {
	return "history"
}

func (f *fakeNotifier) Send(_ context.Context, msg platform.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

type fakeScanner struct {
	scans []int64
}

func (f *fakeScanner) ScanChat(_ context.Context, chatID int64, _ int) {
	f.scans = append(f.scans, chatID)
}

type fixture struct {
	svc      *Service
	client   *fakeClient
	history  *fakeHistory
	chats    *fakeChats
	guard    *fakeGuard
	notifier *fakeNotifier
	scanner  *fakeScanner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bundle, err := i18n.Load()
	require.NoError(t, err)
	f := &fixture{
		client:   &fakeClient{},
		history:  newFakeHistory(),
		chats:    newFakeChats(),
		guard:    &fakeGuard{},
		notifier: &fakeNotifier{},
		scanner:  &fakeScanner{},
	}
	f.svc = NewService(nil, f.client, f.history, f.chats, f.guard, f.notifier, f.scanner, bundle, selfID)
	return f
}

// seedBaseline plants a one-snapshot history observed an hour ago and the
// matching membership first-seen, as if the member had been seen before.
func (f *fixture) seedBaseline(userID int64, snap snapshots.Snapshot) {
	at := time.Now().Add(-time.Hour).UTC()
	snap.SeenAt = at
	f.history.snaps[userID] = append(f.history.snaps[userID], snap)
	f.chats.firstSeen[pair{-100, userID}] = at
}

func group() platform.Chat {
	return platform.Chat{ID: -100, Type: "supergroup", Title: "Group"}
}

func messageEvent(user platform.User, msgID int) platform.Event {
	return platform.Event{
		Kind:       platform.EventMessage,
		Chat:       group(),
		Sender:     user,
		MessageID:  msgID,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestActivityAnnouncesChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedBaseline(1, snapshots.Snapshot{FirstName: "Old", Username: "u"})

	f.svc.HandleEvent(ctx, messageEvent(platform.User{ID: 1, FirstName: "New", Username: "u"}, 7))

	require.Len(t, f.notifier.changes, 1)
	assert.Equal(t, "New", f.notifier.changes[0].FirstName)
	assert.Len(t, f.guard.allowed, 1)
	assert.Equal(t, []int64{-100}, f.scanner.scans, "activity triggers an opportunistic scan")
	assert.Equal(t, []pair{{-100, 1}}, f.chats.touched)
	assert.Equal(t, []pair{{-100, 1}}, f.chats.checked, "activity advances the verification watermark")
}

func TestCrossChatRenameAnnouncedInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Another chat's scan already recorded the rename globally; this chat's
	// watermark still points at the old name, so the baseline must come from
	// the watermark, not from the newest snapshot.
	base := time.Now().Add(-2 * time.Hour).UTC()
	f.history.snaps[1] = []snapshots.Snapshot{
		{FirstName: "Alex", Username: "alex", SeenAt: base},
		{FirstName: "Alexander", Username: "alex", SeenAt: base.Add(time.Hour)},
	}
	f.chats.firstSeen[pair{-100, 1}] = base
	f.chats.lastChecked[pair{-100, 1}] = base.Add(30 * time.Minute)

	f.svc.HandleEvent(ctx, messageEvent(platform.User{ID: 1, FirstName: "Alexander", Username: "alex"}, 7))

	require.Len(t, f.notifier.changes, 1)
	assert.Equal(t, "Alexander", f.notifier.changes[0].FirstName)
	require.Len(t, f.guard.allowed, 1)
	assert.Equal(t, []pair{{-100, 1}}, f.chats.checked)
}

func TestInvisibleNoiseIsNotAChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedBaseline(1, snapshots.Snapshot{FirstName: "Alice", Username: "alice"})

	// Zero-width space and double spaces canonicalize away.
	f.svc.HandleEvent(ctx, messageEvent(platform.User{
		ID: 1, FirstName: "Al​ice", Username: "alice",
	}, 7))

	assert.Empty(t, f.notifier.changes)
	assert.Empty(t, f.guard.allowed)
	assert.Len(t, f.history.recorded, 1, "the observation is still captured")
}

func TestActivityIsThrottledPerPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := platform.User{ID: 1, FirstName: "A"}
	f.svc.HandleEvent(ctx, messageEvent(user, 1))
	f.svc.HandleEvent(ctx, messageEvent(user, 2))

	assert.Len(t, f.chats.checked, 1, "second message inside the window skips detection")
	assert.Len(t, f.chats.touched, 2, "heartbeats still advance")
	assert.Len(t, f.scanner.scans, 2, "opportunistic scans run even when throttled")
}

func TestRenameInsideThrottleWindowStillDetected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedBaseline(1, snapshots.Snapshot{FirstName: "A"})

	f.svc.HandleEvent(ctx, messageEvent(platform.User{ID: 1, FirstName: "A"}, 1))
	f.svc.HandleEvent(ctx, messageEvent(platform.User{ID: 1, FirstName: "B"}, 2))

	assert.Len(t, f.chats.checked, 2, "a changed identity bypasses the throttle")
	require.Len(t, f.notifier.changes, 1)
	assert.Equal(t, "B", f.notifier.changes[0].FirstName)
}

func TestFirstObservationIsSilent(t *testing.T) {
	f := newFixture(t)

	f.svc.HandleEvent(context.Background(), messageEvent(platform.User{ID: 1, FirstName: "A"}, 1))

	assert.Empty(t, f.notifier.changes)
	assert.Len(t, f.history.recorded, 1)
}

func TestBotAndAnonymousSendersIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.HandleEvent(ctx, messageEvent(platform.User{ID: 2, IsBot: true}, 1))
	f.svc.HandleEvent(ctx, messageEvent(platform.User{ID: AnonymousAdminID}, 2))
	f.svc.HandleEvent(ctx, messageEvent(platform.User{ID: selfID}, 3))

	assert.Empty(t, f.history.recorded)
	assert.Empty(t, f.chats.touched)
}

func TestDuplicateJoinWelcomesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := platform.User{ID: 5, FirstName: "Eve"}
	f.history.histories[5] = []snapshots.Snapshot{{FirstName: "Eve"}}

	// The same join arrives as a service message and as a member update.
	f.svc.HandleEvent(ctx, platform.Event{
		Kind: platform.EventNewMembers, Chat: group(), NewMembers: []platform.User{user},
	})
	f.svc.HandleEvent(ctx, platform.Event{
		Kind: platform.EventMemberUpdate, Chat: group(), Sender: user,
		OldStatus: platform.StatusLeft, NewStatus: platform.StatusMember,
	})

	assert.Len(t, f.notifier.welcomes, 1)
	assert.Len(t, f.history.recorded, 2, "both deliveries are recorded")
	assert.Contains(t, f.chats.checked, pair{-100, 5}, "a join counts as a verification")
}

func TestLeaveRemovesMembership(t *testing.T) {
	f := newFixture(t)

	f.svc.HandleEvent(context.Background(), platform.Event{
		Kind: platform.EventMemberUpdate, Chat: group(),
		Sender:    platform.User{ID: 5, FirstName: "Eve"},
		OldStatus: platform.StatusMember, NewStatus: platform.StatusLeft,
	})

	assert.Equal(t, []pair{{-100, 5}}, f.chats.removed)
	assert.Equal(t, []pair{{-100, 5}}, f.guard.forgotten)
	assert.Len(t, f.history.recorded, 1, "the last seen identity is captured on leave")
}

func TestBotJoinSeedsAdminsAndPrompts(t *testing.T) {
	f := newFixture(t)
	f.client.admins = []platform.Member{
		{User: platform.User{ID: 10, FirstName: "Admin"}, Status: platform.StatusCreator},
		{User: platform.User{ID: 11, IsBot: true}, Status: platform.StatusAdministrator},
		{User: platform.User{ID: 12}, Status: platform.StatusAdministrator, Anonymous: true},
	}

	f.svc.HandleEvent(context.Background(), platform.Event{
		Kind: platform.EventBotMemberUpdate, Chat: group(),
		Sender:    platform.User{ID: selfID, IsBot: true},
		OldStatus: platform.StatusLeft, NewStatus: platform.StatusMember,
	})

	require.Len(t, f.history.recorded, 1, "only the human non-anonymous admin is seeded")
	assert.Equal(t, int64(10), f.history.recorded[0].ID)
	require.NotEmpty(t, f.notifier.sent)
	assert.Contains(t, f.notifier.sent[0].Text, "/setlang en")
	assert.Contains(t, f.chats.presence, platform.StatusMember)
}

func TestBotKickPrunesMembers(t *testing.T) {
	f := newFixture(t)

	f.svc.HandleEvent(context.Background(), platform.Event{
		Kind: platform.EventBotMemberUpdate, Chat: group(),
		Sender:    platform.User{ID: selfID, IsBot: true},
		OldStatus: platform.StatusMember, NewStatus: platform.StatusKicked,
	})

	assert.Equal(t, []int64{-100}, f.chats.pruned)
	assert.Contains(t, f.chats.presence, platform.StatusKicked)
}

func commandEvent(cmd string, args []string, sender platform.User) platform.Event {
	return platform.Event{
		Kind: platform.EventCommand, Chat: group(),
		Sender: sender, Command: cmd, Args: args, MessageID: 33,
	}
}

func TestHistoryCommandByReply(t *testing.T) {
	f := newFixture(t)
	f.history.histories[9] = []snapshots.Snapshot{{FirstName: "X"}}

	event := commandEvent("history", nil, platform.User{ID: 1})
	event.ReplyTo = &platform.User{ID: 9}
	f.svc.HandleEvent(context.Background(), event)

	require.NotEmpty(t, f.notifier.sent)
	last := f.notifier.sent[len(f.notifier.sent)-1]
	assert.Equal(t, "history", last.Text)
	assert.Equal(t, 33, last.ReplyTo)
}

func TestHistoryCommandByUsername(t *testing.T) {
	f := newFixture(t)
	f.history.byUsername["alice"] = 9
	f.history.histories[9] = []snapshots.Snapshot{{FirstName: "Alice"}}

	f.svc.HandleEvent(context.Background(), commandEvent("history", []string{"@alice"}, platform.User{ID: 1}))
	require.NotEmpty(t, f.notifier.sent)
	assert.Equal(t, "history", f.notifier.sent[len(f.notifier.sent)-1].Text)

	f.svc.HandleEvent(context.Background(), commandEvent("history", []string{"@nobody"}, platform.User{ID: 1}))
	assert.Contains(t, f.notifier.sent[len(f.notifier.sent)-1].Text, "@nobody")
}

func TestHistoryCommandUsage(t *testing.T) {
	f := newFixture(t)

	f.svc.HandleEvent(context.Background(), commandEvent("history", nil, platform.User{ID: 1}))

	require.NotEmpty(t, f.notifier.sent)
	assert.Contains(t, f.notifier.sent[len(f.notifier.sent)-1].Text, "Usage")
}

func TestSetLangRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	f.client.admins = []platform.Member{{User: platform.User{ID: 10}}}

	f.svc.HandleEvent(context.Background(), commandEvent("setlang", []string{"ru"}, platform.User{ID: 1}))
	assert.Empty(t, f.chats.setLang)
	require.NotEmpty(t, f.notifier.sent)
	assert.Contains(t, f.notifier.sent[len(f.notifier.sent)-1].Text, "administrators")

	f.svc.HandleEvent(context.Background(), commandEvent("setlang", []string{"ru"}, platform.User{ID: 10}))
	assert.Equal(t, []string{"ru"}, f.chats.setLang)
	assert.True(t, strings.Contains(f.notifier.sent[len(f.notifier.sent)-1].Text, "ru"))
}

func TestSetLangUnknownCode(t *testing.T) {
	f := newFixture(t)
	f.client.admins = []platform.Member{{User: platform.User{ID: 10}}}

	f.svc.HandleEvent(context.Background(), commandEvent("setlang", []string{"xx"}, platform.User{ID: 10}))

	assert.Empty(t, f.chats.setLang)
	assert.Contains(t, f.notifier.sent[len(f.notifier.sent)-1].Text, "Unknown language")
}

func TestAnonymousAdminMaySetLanguage(t *testing.T) {
	f := newFixture(t)

	f.svc.HandleEvent(context.Background(),
		commandEvent("setlang", []string{"en"}, platform.User{ID: AnonymousAdminID}))

	assert.Equal(t, []string{"en"}, f.chats.setLang)
}
