package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"console-sync/internal/capture"
	"console-sync/internal/model"
	"console-sync/internal/outbox"
	"console-sync/internal/session"
	"console-sync/internal/transport"
)

type sentText struct {
	phone         string
	text          string
	correlationID string
}

type fakeBackend struct {
	mu            stdsync.Mutex
	conversations []model.Conversation
	transcripts   map[string][]model.Message
	gates         map[string]chan struct{}
	listErr       error
	transcriptErr map[string]error
	sendErr       error
	sentTexts     []sentText
	sentVoice     []string
	sentMedia     []sentMedia
	markedRead    []string
}

type sentMedia struct {
	phone         string
	filename      string
	correlationID string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		transcripts:   make(map[string][]model.Message),
		gates:         make(map[string]chan struct{}),
		transcriptErr: make(map[string]error),
	}
}

func (b *fakeBackend) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	out := make([]model.Conversation, len(b.conversations))
	copy(out, b.conversations)
	return out, nil
}

func (b *fakeBackend) FetchTranscript(ctx context.Context, phone string) ([]model.Message, error) {
	b.mu.Lock()
	gate := b.gates[phone]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.transcriptErr[phone]; err != nil {
		return nil, err
	}
	out := make([]model.Message, len(b.transcripts[phone]))
	copy(out, b.transcripts[phone])
	return out, nil
}

func (b *fakeBackend) MarkRead(ctx context.Context, phone string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markedRead = append(b.markedRead, phone)
	return nil
}

func (b *fakeBackend) SendText(ctx context.Context, phone, text, correlationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sentTexts = append(b.sentTexts, sentText{phone: phone, text: text, correlationID: correlationID})
	return b.sendErr
}

func (b *fakeBackend) SendVoice(ctx context.Context, phone string, payload []byte, correlationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sentVoice = append(b.sentVoice, correlationID)
	return b.sendErr
}

func (b *fakeBackend) SendMedia(ctx context.Context, phone, filename string, payload []byte, correlationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sentMedia = append(b.sentMedia, sentMedia{phone: phone, filename: filename, correlationID: correlationID})
	return b.sendErr
}

func (b *fakeBackend) sentTextLog() []sentText {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sentText, len(b.sentTexts))
	copy(out, b.sentTexts)
	return out
}

func (b *fakeBackend) sentMediaLog() []sentMedia {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sentMedia, len(b.sentMedia))
	copy(out, b.sentMedia)
	return out
}

func (b *fakeBackend) sentVoiceLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sentVoice))
	copy(out, b.sentVoice)
	return out
}

type fakeSubscriber struct {
	mu         stdsync.Mutex
	subscribed []transport.Topic
	dropped    []transport.Topic
}

func (f *fakeSubscriber) Subscribe(topic transport.Topic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
}

func (f *fakeSubscriber) Unsubscribe(topic transport.Topic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, topic)
}

func (f *fakeSubscriber) subscribedTopics() []transport.Topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Topic, len(f.subscribed))
	copy(out, f.subscribed)
	return out
}

func (f *fakeSubscriber) droppedTopics() []transport.Topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Topic, len(f.dropped))
	copy(out, f.dropped)
	return out
}

type syncerFixture struct {
	syncer  *Syncer
	backend *fakeBackend
	sub     *fakeSubscriber
	events  chan model.PushEvent
	session *session.Session
	cancel  context.CancelFunc
}

// newFixture starts the syncer loop. Configure hooks run before the loop so
// tests can wire the outbox or seed the backend without racing the loop
// goroutine.
func newFixture(t *testing.T, configure ...func(*syncerFixture)) *syncerFixture {
	t.Helper()

	backend := newFakeBackend()
	sub := &fakeSubscriber{}
	events := make(chan model.PushEvent, 16)

	sess, err := session.New("opaque-test-token", "tenant-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	syncer := New(backend, sub, events, sess, Options{
		ListPollInterval:       time.Hour,
		TranscriptPollInterval: time.Hour,
		RequestTimeout:         2 * time.Second,
		ReconcileTolerance:     30 * time.Second,
	})

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	syncer.now = func() time.Time { return now }
	seq := 0
	syncer.newID = func() string {
		seq++
		return fmt.Sprintf("corr-%d", seq)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &syncerFixture{
		syncer:  syncer,
		backend: backend,
		sub:     sub,
		events:  events,
		session: sess,
		cancel:  cancel,
	}
	for _, fn := range configure {
		fn(f)
	}

	go syncer.Run(ctx)
	t.Cleanup(cancel)

	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunSubscribesTenantTopic(t *testing.T) {
	f := newFixture(t)

	waitFor(t, "tenant subscription", func() bool {
		for _, topic := range f.sub.subscribedTopics() {
			if topic == transport.TenantTopic("tenant-1") {
				return true
			}
		}
		return false
	})
}

func TestOpenFetchesTranscriptAndSubscribesPhone(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	f.backend.mu.Lock()
	f.backend.transcripts["48500100200"] = []model.Message{
		{ID: "m-1", Sender: model.SenderCustomer, Kind: model.KindText, Content: "hi", Timestamp: at},
	}
	f.backend.mu.Unlock()

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}

	waitFor(t, "transcript fetch", func() bool {
		_, messages, _ := f.syncer.TranscriptSnapshot()
		return len(messages) == 1
	})

	found := false
	for _, topic := range f.sub.subscribedTopics() {
		if topic == transport.PhoneTopic("48500100200") {
			found = true
		}
	}
	if !found {
		t.Fatal("phone topic not subscribed on open")
	}

	waitFor(t, "mark-read", func() bool {
		f.backend.mu.Lock()
		defer f.backend.mu.Unlock()
		return len(f.backend.markedRead) > 0
	})
}

func TestSwitchUnsubscribesPreviousPhone(t *testing.T) {
	f := newFixture(t)

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open A: %v", err)
	}
	if _, err := f.syncer.Open("48500300400"); err != nil {
		t.Fatalf("open B: %v", err)
	}

	dropped := f.sub.droppedTopics()
	if len(dropped) != 1 || dropped[0] != transport.PhoneTopic("48500100200") {
		t.Fatalf("dropped topics = %v", dropped)
	}
}

func TestStaleTranscriptFetchIsDiscarded(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)

	gateA := make(chan struct{})
	f.backend.mu.Lock()
	f.backend.gates["48500100200"] = gateA
	f.backend.transcripts["48500100200"] = []model.Message{
		{ID: "a-1", Sender: model.SenderCustomer, Kind: model.KindText, Content: "from A", Timestamp: at},
	}
	f.backend.transcripts["48500300400"] = []model.Message{
		{ID: "b-1", Sender: model.SenderCustomer, Kind: model.KindText, Content: "from B", Timestamp: at},
	}
	f.backend.mu.Unlock()

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open A: %v", err)
	}
	if _, err := f.syncer.Open("48500300400"); err != nil {
		t.Fatalf("open B: %v", err)
	}

	waitFor(t, "B transcript", func() bool {
		_, messages, _ := f.syncer.TranscriptSnapshot()
		return len(messages) == 1 && messages[0].ID == "b-1"
	})

	// A's slow fetch completes after the switch; its result must be dropped.
	close(gateA)
	time.Sleep(50 * time.Millisecond)

	phone, messages, _ := f.syncer.TranscriptSnapshot()
	if phone != "48500300400" {
		t.Fatalf("open phone = %s", phone)
	}
	if len(messages) != 1 || messages[0].ID != "b-1" {
		t.Fatalf("stale fetch leaked into transcript: %+v", messages)
	}
}

func TestReopeningSamePhoneKeepsTranscript(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	f.backend.mu.Lock()
	f.backend.transcripts["48500100200"] = []model.Message{
		{ID: "m-1", Sender: model.SenderCustomer, Kind: model.KindText, Content: "hi", Timestamp: at},
	}
	f.backend.mu.Unlock()

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "transcript", func() bool {
		_, messages, _ := f.syncer.TranscriptSnapshot()
		return len(messages) == 1
	})

	messages, err := f.syncer.Open("48500100200")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("reopen discarded the transcript, got %d messages", len(messages))
	}
}

func TestSendTextAppendsPendingLocal(t *testing.T) {
	f := newFixture(t)

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}

	msg, err := f.syncer.SendText("48500100200", "on my way")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != model.StatusPendingLocal {
		t.Fatalf("status = %s, want pending-local", msg.Status)
	}
	if msg.CorrelationID == "" {
		t.Fatal("send must assign a correlation id")
	}

	_, messages, _ := f.syncer.TranscriptSnapshot()
	found := false
	for _, m := range messages {
		if m.CorrelationID == msg.CorrelationID && m.Status == model.StatusPendingLocal {
			found = true
		}
	}
	if !found {
		t.Fatalf("optimistic entry missing from transcript: %+v", messages)
	}

	waitFor(t, "backend send", func() bool { return len(f.backend.sentTextLog()) == 1 })
	sent := f.backend.sentTextLog()[0]
	if sent.correlationID != msg.CorrelationID || sent.text != "on my way" {
		t.Fatalf("sent %+v", sent)
	}
}

func TestSendMediaAppendsPendingLocal(t *testing.T) {
	box, err := outbox.Open(t.TempDir() + "/outbox.db")
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	defer box.Close()
	f := newFixture(t, func(f *syncerFixture) { f.syncer.box = box })

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}

	msg, err := f.syncer.SendMedia("48500100200", "receipt.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("send media: %v", err)
	}
	if msg.Kind != model.KindImage {
		t.Fatalf("kind = %s, want image", msg.Kind)
	}
	if msg.Status != model.StatusPendingLocal {
		t.Fatalf("status = %s, want pending-local", msg.Status)
	}
	if msg.Content != "pending://"+msg.CorrelationID {
		t.Fatalf("content = %q", msg.Content)
	}

	entry, err := box.Get(msg.CorrelationID)
	if err != nil {
		t.Fatalf("outbox entry missing after send: %v", err)
	}
	if entry.Filename != "receipt.png" || string(entry.Payload) != "png-bytes" {
		t.Fatalf("outbox entry = %+v", entry)
	}

	waitFor(t, "backend media send", func() bool { return len(f.backend.sentMediaLog()) == 1 })
	sent := f.backend.sentMediaLog()[0]
	if sent.correlationID != msg.CorrelationID || sent.filename != "receipt.png" {
		t.Fatalf("sent %+v", sent)
	}
}

func TestSendMediaInfersKindFromFilename(t *testing.T) {
	f := newFixture(t)

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}

	clip, err := f.syncer.SendMedia("48500100200", "tour.mp4", []byte("mp4"))
	if err != nil {
		t.Fatalf("send media: %v", err)
	}
	if clip.Kind != model.KindVideo {
		t.Fatalf("kind = %s, want video", clip.Kind)
	}

	note, err := f.syncer.SendMedia("48500100200", "note.OGG", []byte("ogg"))
	if err != nil {
		t.Fatalf("send media: %v", err)
	}
	if note.Kind != model.KindAudio {
		t.Fatalf("kind = %s, want audio", note.Kind)
	}
}

func TestSendFailureKeepsMessagePending(t *testing.T) {
	f := newFixture(t)
	f.backend.mu.Lock()
	f.backend.sendErr = transport.NewError(transport.ErrorCodeNetwork, "backend unreachable", nil)
	f.backend.mu.Unlock()

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}
	msg, err := f.syncer.SendText("48500100200", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "send attempt", func() bool { return len(f.backend.sentTextLog()) == 1 })
	time.Sleep(50 * time.Millisecond)

	_, messages, _ := f.syncer.TranscriptSnapshot()
	for _, m := range messages {
		if m.CorrelationID == msg.CorrelationID {
			if m.Status != model.StatusPendingLocal {
				t.Fatalf("status = %s, failed send must stay pending-local", m.Status)
			}
			return
		}
	}
	t.Fatal("optimistic entry disappeared after send failure")
}

func TestPushEchoConfirmsPendingAndOutbox(t *testing.T) {
	box, err := outbox.Open(t.TempDir() + "/outbox.db")
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	defer box.Close()
	f := newFixture(t, func(f *syncerFixture) { f.syncer.box = box })

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}
	msg, err := f.syncer.SendText("48500100200", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := box.Get(msg.CorrelationID); err != nil {
		t.Fatalf("outbox entry missing after send: %v", err)
	}

	echo := model.Message{
		ID:            "m-77",
		CorrelationID: msg.CorrelationID,
		Sender:        model.SenderAssistant,
		Kind:          model.KindText,
		Content:       "hello",
		Timestamp:     msg.Timestamp.Add(time.Second),
	}
	f.events <- model.PushEvent{Kind: model.EventNewMessage, Phone: "48500100200", Message: &echo}

	waitFor(t, "confirmation", func() bool {
		_, messages, _ := f.syncer.TranscriptSnapshot()
		for _, m := range messages {
			if m.ID == "m-77" && m.Status == model.StatusConfirmed {
				return true
			}
		}
		return false
	})

	_, messages, _ := f.syncer.TranscriptSnapshot()
	if len(messages) != 1 {
		t.Fatalf("echo duplicated the optimistic entry: %d messages", len(messages))
	}

	waitFor(t, "outbox confirm", func() bool {
		_, err := box.Get(msg.CorrelationID)
		return err == outbox.ErrNotFound
	})
}

func TestPushForClosedConversationOnlyTouchesList(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}

	incoming := model.Message{ID: "m-9", Sender: model.SenderCustomer, Kind: model.KindText, Content: "psst", Timestamp: at}
	f.events <- model.PushEvent{Kind: model.EventNewMessage, Phone: "48500999999", Message: &incoming}

	waitFor(t, "list entry", func() bool {
		for _, c := range f.syncer.ListSnapshot() {
			if c.Phone == "48500999999" && c.Unread == 1 {
				return true
			}
		}
		return false
	})

	_, messages, _ := f.syncer.TranscriptSnapshot()
	for _, m := range messages {
		if m.ID == "m-9" {
			t.Fatal("message for a closed conversation leaked into the open transcript")
		}
	}
}

func TestTranscriptFetchFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.backend.mu.Lock()
	f.backend.transcriptErr["48500100200"] = transport.NewError(transport.ErrorCodeNetwork, "backend unreachable", nil)
	f.backend.mu.Unlock()

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}

	waitFor(t, "fetch-failed flag", func() bool {
		_, _, fetchFailed := f.syncer.TranscriptSnapshot()
		return fetchFailed
	})
}

func TestAuthFailureTearsDownSession(t *testing.T) {
	f := newFixture(t)
	f.backend.mu.Lock()
	f.backend.transcriptErr["48500100200"] = transport.NewError(transport.ErrorCodeAuth, "credentials rejected", nil)
	f.backend.mu.Unlock()

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}

	waitFor(t, "teardown", func() bool { return f.session.TornDown() })

	// The loop has exited; commands fail instead of hanging.
	_, err := f.syncer.Open("48500300400")
	if transport.CodeOf(err) != transport.ErrorCodeAuth {
		t.Fatalf("post-teardown open: %v", err)
	}
}

func TestOpenRestoresPersistedPendingSends(t *testing.T) {
	box, err := outbox.Open(t.TempDir() + "/outbox.db")
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	defer box.Close()
	err = box.Put(outbox.Entry{
		CorrelationID: "corr-old",
		Phone:         "48500100200",
		Kind:          model.KindText,
		Content:       "from a previous run",
		CreatedAt:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed outbox: %v", err)
	}
	f := newFixture(t, func(f *syncerFixture) { f.syncer.box = box })

	messages, err := f.syncer.Open("48500100200")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(messages) != 1 || messages[0].CorrelationID != "corr-old" {
		t.Fatalf("pending send not restored: %+v", messages)
	}
	if messages[0].Status != model.StatusPendingLocal {
		t.Fatalf("status = %s", messages[0].Status)
	}
}

func TestRetryPendingUnknownCorrelation(t *testing.T) {
	box, err := outbox.Open(t.TempDir() + "/outbox.db")
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	defer box.Close()
	f := newFixture(t, func(f *syncerFixture) { f.syncer.box = box })

	err = f.syncer.RetryPending("never-seen")
	if transport.CodeOf(err) != transport.ErrorCodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)

	if _, err := f.syncer.SendText("", "hi"); transport.CodeOf(err) != transport.ErrorCodeValidation {
		t.Fatalf("missing phone: %v", err)
	}
	if _, err := f.syncer.SendText("48500100200", "  "); transport.CodeOf(err) != transport.ErrorCodeValidation {
		t.Fatalf("blank body: %v", err)
	}
	if _, err := f.syncer.SendVoice("48500100200", nil); transport.CodeOf(err) != transport.ErrorCodeValidation {
		t.Fatalf("empty payload: %v", err)
	}
}

type stubDevice struct {
	payload  []byte
	startErr error
}

func (d *stubDevice) Start() error {
	return d.startErr
}

func (d *stubDevice) Stop() ([]byte, error) {
	return d.payload, nil
}

func TestCancelledRecordingUploadsNothing(t *testing.T) {
	device := &stubDevice{payload: []byte("ogg-data")}
	f := newFixture(t, func(f *syncerFixture) {
		f.syncer.WithCapture(capture.NewPipeline(device, capture.DefaultCancelThreshold))
	})

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := f.syncer.CapturePress(); err != nil {
		t.Fatalf("press: %v", err)
	}
	if state := f.syncer.CaptureMove(-90); state != capture.StateCancelled {
		t.Fatalf("state after slide = %s, want cancelled", state)
	}

	_, cancelled, err := f.syncer.CaptureRelease()
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !cancelled {
		t.Fatal("release after cancel slide must report cancelled")
	}

	time.Sleep(50 * time.Millisecond)
	if got := f.backend.sentVoiceLog(); len(got) != 0 {
		t.Fatalf("cancelled recording reached the backend: %v", got)
	}
	_, messages, _ := f.syncer.TranscriptSnapshot()
	if len(messages) != 0 {
		t.Fatalf("cancelled recording left a transcript entry: %+v", messages)
	}
}

func TestReleasedRecordingBecomesVoiceSend(t *testing.T) {
	device := &stubDevice{payload: []byte("ogg-data")}
	f := newFixture(t, func(f *syncerFixture) {
		f.syncer.WithCapture(capture.NewPipeline(device, capture.DefaultCancelThreshold))
	})

	if _, err := f.syncer.Open("48500100200"); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := f.syncer.CapturePress(); err != nil {
		t.Fatalf("press: %v", err)
	}
	msg, cancelled, err := f.syncer.CaptureRelease()
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if cancelled {
		t.Fatal("clean release must not cancel")
	}
	if msg.Kind != model.KindAudio || msg.Status != model.StatusPendingLocal {
		t.Fatalf("release message = %+v", msg)
	}

	waitFor(t, "voice upload", func() bool { return len(f.backend.sentVoiceLog()) == 1 })
	if got := f.backend.sentVoiceLog()[0]; got != msg.CorrelationID {
		t.Fatalf("uploaded correlation = %s, want %s", got, msg.CorrelationID)
	}
}
