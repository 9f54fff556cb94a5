package sync

import (
	"context"
	"log"
	"path"
	"strings"
	"time"

	"console-sync/internal/capture"
	"console-sync/internal/model"
	"console-sync/internal/outbox"
	"console-sync/internal/session"
	"console-sync/internal/store"
	"console-sync/internal/transport"

	"github.com/google/uuid"
)

// Backend is the REST half of the transport adapter as the syncer consumes it.
type Backend interface {
	FetchConversations(ctx context.Context) ([]model.Conversation, error)
	FetchTranscript(ctx context.Context, phone string) ([]model.Message, error)
	MarkRead(ctx context.Context, phone string) error
	SendText(ctx context.Context, phone, text, correlationID string) error
	SendVoice(ctx context.Context, phone string, payload []byte, correlationID string) error
	SendMedia(ctx context.Context, phone, filename string, payload []byte, correlationID string) error
}

// Subscriber is the push-channel subscription surface.
type Subscriber interface {
	Subscribe(topic transport.Topic)
	Unsubscribe(topic transport.Topic)
}

// Publisher forwards applied events to the gateway fan-out bridge. A nil
// publisher disables bridging.
type Publisher interface {
	Publish(event model.PushEvent) error
}

type Options struct {
	ListPollInterval       time.Duration
	TranscriptPollInterval time.Duration
	RequestTimeout         time.Duration
	ReconcileTolerance     time.Duration
}

func (o *Options) withDefaults() {
	if o.ListPollInterval <= 0 {
		o.ListPollInterval = 15 * time.Second
	}
	if o.TranscriptPollInterval <= 0 {
		o.TranscriptPollInterval = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.ReconcileTolerance <= 0 {
		o.ReconcileTolerance = 30 * time.Second
	}
}

// Syncer owns both stores and is the only goroutine that mutates them. All
// other inputs - polling ticks, push events, fetch completions, operator
// commands from the gateway - funnel into its run loop. Network calls run in
// their own goroutines and post results back, so the loop never blocks on the
// wire.
type Syncer struct {
	backend   Backend
	push      Subscriber
	events    <-chan model.PushEvent
	session   *session.Session
	publisher Publisher
	box       *outbox.Outbox
	pipeline  *capture.Pipeline

	list       *store.ListStore
	transcript *store.TranscriptStore

	opts  Options
	now   func() time.Time
	newID func() string

	commands     chan command
	fetchResults chan fetchResult
	sendResults  chan sendResult
	done         chan struct{}

	epoch       uint64
	captureCorr string
}

type commandKind int

const (
	cmdOpen commandKind = iota
	cmdListSnapshot
	cmdTranscriptSnapshot
	cmdSendText
	cmdSendVoice
	cmdSendMedia
	cmdRetry
	cmdCapturePress
	cmdCaptureMove
	cmdCaptureRelease
)

type command struct {
	kind          commandKind
	phone         string
	text          string
	filename      string
	payload       []byte
	correlationID string
	displacement  float64
	reply         chan reply
}

type reply struct {
	conversations []model.Conversation
	messages      []model.Message
	message       model.Message
	phone         string
	fetchFailed   bool
	cancelled     bool
	state         capture.State
	err           error
}

type fetchKind int

const (
	fetchList fetchKind = iota
	fetchTranscript
)

type fetchResult struct {
	kind          fetchKind
	phone         string
	epoch         uint64
	conversations []model.Conversation
	messages      []model.Message
	err           error
}

type sendResult struct {
	correlationID string
	phone         string
	err           error
}

func New(backend Backend, push Subscriber, events <-chan model.PushEvent, sess *session.Session, opts Options) *Syncer {
	opts.withDefaults()
	return &Syncer{
		backend:      backend,
		push:         push,
		events:       events,
		session:      sess,
		opts:         opts,
		list:         store.NewListStore(),
		transcript:   store.NewTranscriptStore(opts.ReconcileTolerance),
		now:          time.Now,
		newID:        uuid.NewString,
		commands:     make(chan command),
		fetchResults: make(chan fetchResult, 16),
		sendResults:  make(chan sendResult, 16),
		done:         make(chan struct{}),
	}
}

// WithPublisher wires the gateway event bridge.
func (s *Syncer) WithPublisher(p Publisher) *Syncer {
	s.publisher = p
	return s
}

// WithOutbox wires pending-send persistence.
func (s *Syncer) WithOutbox(box *outbox.Outbox) *Syncer {
	s.box = box
	return s
}

// WithCapture wires the press-and-hold recording pipeline.
func (s *Syncer) WithCapture(p *capture.Pipeline) *Syncer {
	s.pipeline = p
	return s
}

// Run drives the loop until the context ends or the session is torn down.
func (s *Syncer) Run(ctx context.Context) {
	s.push.Subscribe(transport.TenantTopic(s.session.TenantID()))

	listTicker := time.NewTicker(s.opts.ListPollInterval)
	defer listTicker.Stop()
	transcriptTicker := time.NewTicker(s.opts.TranscriptPollInterval)
	defer transcriptTicker.Stop()

	s.kickListFetch()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-listTicker.C:
			s.kickListFetch()
		case <-transcriptTicker.C:
			if s.list.Open() != "" {
				s.kickTranscriptFetch(s.list.Open(), s.epoch)
			}
		case event := <-s.events:
			s.handlePush(event)
		case result := <-s.fetchResults:
			s.handleFetchResult(result)
		case result := <-s.sendResults:
			s.handleSendResult(result)
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		}
	}
}

func (s *Syncer) exec(cmd command) reply {
	cmd.reply = make(chan reply, 1)
	select {
	case s.commands <- cmd:
		return <-cmd.reply
	case <-s.done:
		return reply{err: transport.NewError(transport.ErrorCodeAuth, "session torn down", nil)}
	}
}

// Open switches the active conversation: seen locally, best-effort mark-read,
// subscription hand-off, transcript reset plus fresh fetch. The returned
// messages are whatever is immediately known (outbox leftovers).
func (s *Syncer) Open(phone string) ([]model.Message, error) {
	r := s.exec(command{kind: cmdOpen, phone: phone})
	return r.messages, r.err
}

func (s *Syncer) ListSnapshot() []model.Conversation {
	r := s.exec(command{kind: cmdListSnapshot})
	return r.conversations
}

// TranscriptSnapshot returns the open phone, its display sequence and the
// retryable fetch-failure flag.
func (s *Syncer) TranscriptSnapshot() (string, []model.Message, bool) {
	r := s.exec(command{kind: cmdTranscriptSnapshot})
	return r.phone, r.messages, r.fetchFailed
}

// SendText inserts the optimistic pending-local message and fires the send.
// The returned message is the optimistic copy.
func (s *Syncer) SendText(phone, text string) (model.Message, error) {
	r := s.exec(command{kind: cmdSendText, phone: phone, text: text})
	return r.message, r.err
}

// SendVoice uploads a captured payload for phone with an optimistic audio
// entry carrying a local preview URL.
func (s *Syncer) SendVoice(phone string, payload []byte) (model.Message, error) {
	r := s.exec(command{kind: cmdSendVoice, phone: phone, payload: payload})
	return r.message, r.err
}

// SendMedia uploads an image or video attachment with an optimistic entry
// whose kind is inferred from the filename.
func (s *Syncer) SendMedia(phone, filename string, payload []byte) (model.Message, error) {
	r := s.exec(command{kind: cmdSendMedia, phone: phone, filename: filename, payload: payload})
	return r.message, r.err
}

// RetryPending re-attempts one persisted pending send. Never called
// automatically.
func (s *Syncer) RetryPending(correlationID string) error {
	r := s.exec(command{kind: cmdRetry, correlationID: correlationID})
	return r.err
}

func (s *Syncer) CapturePress() error {
	return s.exec(command{kind: cmdCapturePress}).err
}

func (s *Syncer) CaptureMove(dx float64) capture.State {
	return s.exec(command{kind: cmdCaptureMove, displacement: dx}).state
}

// CaptureRelease ends the gesture; an uncancelled recording becomes a voice
// send to the open conversation.
func (s *Syncer) CaptureRelease() (model.Message, bool, error) {
	r := s.exec(command{kind: cmdCaptureRelease})
	return r.message, r.cancelled, r.err
}

func (s *Syncer) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdOpen:
		cmd.reply <- s.openConversation(cmd.phone)
	case cmdListSnapshot:
		cmd.reply <- reply{conversations: s.list.Snapshot()}
	case cmdTranscriptSnapshot:
		cmd.reply <- reply{
			phone:       s.list.Open(),
			messages:    s.transcript.Messages(),
			fetchFailed: s.transcript.FetchFailed(),
		}
	case cmdSendText:
		cmd.reply <- s.sendText(cmd.phone, cmd.text)
	case cmdSendVoice:
		cmd.reply <- s.sendVoice(cmd.phone, cmd.payload, "")
	case cmdSendMedia:
		cmd.reply <- s.sendMedia(cmd.phone, cmd.filename, cmd.payload)
	case cmdRetry:
		cmd.reply <- s.retryPending(cmd.correlationID)
	case cmdCapturePress:
		cmd.reply <- s.capturePress()
	case cmdCaptureMove:
		cmd.reply <- s.captureMove(cmd.displacement)
	case cmdCaptureRelease:
		cmd.reply <- s.captureRelease()
	}
}

func (s *Syncer) openConversation(phone string) reply {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "phone is required", nil)}
	}

	previous := s.list.Open()
	if previous == phone {
		s.list.MarkSeen(phone)
		s.markReadAsync(phone)
		return reply{phone: phone, messages: s.transcript.Messages()}
	}

	s.epoch++
	if previous != "" {
		s.push.Unsubscribe(transport.PhoneTopic(previous))
	}
	s.push.Subscribe(transport.PhoneTopic(phone))

	s.list.SetOpen(phone)
	s.transcript.Reset(phone)
	s.restorePending(phone)

	s.markReadAsync(phone)
	s.kickTranscriptFetch(phone, s.epoch)

	return reply{phone: phone, messages: s.transcript.Messages()}
}

// restorePending re-surfaces persisted pending-local sends when their
// conversation opens.
func (s *Syncer) restorePending(phone string) {
	if s.box == nil {
		return
	}
	entries, err := s.box.ListForPhone(phone)
	if err != nil {
		log.Printf("syncer: load outbox for %s: %v", phone, err)
		return
	}
	for _, entry := range entries {
		msg := model.Message{
			CorrelationID: entry.CorrelationID,
			Sender:        model.SenderAssistant,
			Kind:          entry.Kind,
			Content:       entry.Content,
			Timestamp:     entry.CreatedAt,
		}
		if entry.Filename != "" {
			msg.Meta = map[string]string{"filename": entry.Filename}
		}
		s.transcript.AppendLocal(msg)
	}
}

func (s *Syncer) sendText(phone, text string) reply {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "phone is required", nil)}
	}
	if strings.TrimSpace(text) == "" {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "message body is required", nil)}
	}

	msg := model.Message{
		CorrelationID: s.newID(),
		Sender:        model.SenderAssistant,
		Kind:          model.KindText,
		Content:       text,
		Timestamp:     s.now().UTC(),
		Status:        model.StatusPendingLocal,
	}

	s.persistPending(outbox.Entry{
		CorrelationID: msg.CorrelationID,
		Phone:         phone,
		Kind:          model.KindText,
		Content:       text,
		CreatedAt:     msg.Timestamp,
	})
	s.applyLocal(phone, msg)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		err := s.backend.SendText(ctx, phone, text, msg.CorrelationID)
		s.postSendResult(sendResult{correlationID: msg.CorrelationID, phone: phone, err: err})
	}()

	return reply{message: msg}
}

func (s *Syncer) sendVoice(phone string, payload []byte, correlationID string) reply {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "phone is required", nil)}
	}
	if len(payload) == 0 {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "audio payload is empty", nil)}
	}

	if correlationID == "" {
		correlationID = s.newID()
	}
	msg := model.Message{
		CorrelationID: correlationID,
		Sender:        model.SenderAssistant,
		Kind:          model.KindAudio,
		Content:       "pending://" + correlationID,
		Timestamp:     s.now().UTC(),
		Status:        model.StatusPendingLocal,
	}

	s.persistPending(outbox.Entry{
		CorrelationID: correlationID,
		Phone:         phone,
		Kind:          model.KindAudio,
		Content:       msg.Content,
		Payload:       payload,
		CreatedAt:     msg.Timestamp,
	})
	s.applyLocal(phone, msg)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		err := s.backend.SendVoice(ctx, phone, payload, correlationID)
		s.postSendResult(sendResult{correlationID: correlationID, phone: phone, err: err})
	}()

	return reply{message: msg}
}

func (s *Syncer) sendMedia(phone, filename string, payload []byte) reply {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "phone is required", nil)}
	}
	if len(payload) == 0 {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "media payload is empty", nil)}
	}

	correlationID := s.newID()
	msg := model.Message{
		CorrelationID: correlationID,
		Sender:        model.SenderAssistant,
		Kind:          mediaKind(filename),
		Content:       "pending://" + correlationID,
		Meta:          map[string]string{"filename": filename},
		Timestamp:     s.now().UTC(),
		Status:        model.StatusPendingLocal,
	}

	s.persistPending(outbox.Entry{
		CorrelationID: correlationID,
		Phone:         phone,
		Kind:          msg.Kind,
		Content:       msg.Content,
		Filename:      filename,
		Payload:       payload,
		CreatedAt:     msg.Timestamp,
	})
	s.applyLocal(phone, msg)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		err := s.backend.SendMedia(ctx, phone, filename, payload, correlationID)
		s.postSendResult(sendResult{correlationID: correlationID, phone: phone, err: err})
	}()

	return reply{message: msg}
}

// mediaKind infers the transcript kind from the upload's filename.
func mediaKind(filename string) model.ContentKind {
	switch strings.ToLower(path.Ext(filename)) {
	case ".mp4", ".mov", ".webm", ".avi", ".mkv":
		return model.KindVideo
	case ".ogg", ".oga", ".mp3", ".m4a", ".opus", ".wav":
		return model.KindAudio
	default:
		return model.KindImage
	}
}

// applyLocal inserts the optimistic copy and refreshes list preview state,
// then mirrors it to the gateway bridge so the console renders it at once.
func (s *Syncer) applyLocal(phone string, msg model.Message) {
	if s.list.Open() == phone {
		s.transcript.AppendLocal(msg)
	}
	s.list.ApplyNewMessage(phone, msg)
	s.publish(model.PushEvent{Kind: model.EventNewMessage, Phone: phone, Message: &msg})
}

func (s *Syncer) retryPending(correlationID string) reply {
	if s.box == nil {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "outbox disabled", nil)}
	}
	entry, err := s.box.Get(correlationID)
	if err != nil {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "unknown pending send", err)}
	}

	switch {
	case entry.Kind == model.KindAudio && entry.Filename == "":
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
			defer cancel()
			err := s.backend.SendVoice(ctx, entry.Phone, entry.Payload, entry.CorrelationID)
			s.postSendResult(sendResult{correlationID: entry.CorrelationID, phone: entry.Phone, err: err})
		}()
	case entry.Filename != "":
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
			defer cancel()
			err := s.backend.SendMedia(ctx, entry.Phone, entry.Filename, entry.Payload, entry.CorrelationID)
			s.postSendResult(sendResult{correlationID: entry.CorrelationID, phone: entry.Phone, err: err})
		}()
	default:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
			defer cancel()
			err := s.backend.SendText(ctx, entry.Phone, entry.Content, entry.CorrelationID)
			s.postSendResult(sendResult{correlationID: entry.CorrelationID, phone: entry.Phone, err: err})
		}()
	}
	return reply{}
}

func (s *Syncer) capturePress() reply {
	if s.pipeline == nil {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "capture disabled", nil)}
	}
	if err := s.pipeline.Press(); err != nil {
		return reply{err: err, state: s.pipeline.State()}
	}
	return reply{state: s.pipeline.State()}
}

func (s *Syncer) captureMove(dx float64) reply {
	if s.pipeline == nil {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "capture disabled", nil)}
	}
	s.pipeline.Move(dx)
	return reply{state: s.pipeline.State()}
}

func (s *Syncer) captureRelease() reply {
	if s.pipeline == nil {
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "capture disabled", nil)}
	}

	result, err := s.pipeline.Release()
	if err != nil {
		return reply{err: err, state: s.pipeline.State()}
	}
	if result.Cancelled {
		return reply{cancelled: true, state: s.pipeline.State()}
	}

	phone := s.list.Open()
	if phone == "" {
		s.pipeline.Done()
		return reply{err: transport.NewError(transport.ErrorCodeValidation, "no open conversation", nil), state: s.pipeline.State()}
	}

	r := s.sendVoice(phone, result.Payload, "")
	if r.err != nil {
		s.pipeline.Done()
		r.state = s.pipeline.State()
		return r
	}
	s.captureCorr = r.message.CorrelationID
	r.state = s.pipeline.State()
	return r
}

func (s *Syncer) handlePush(event model.PushEvent) {
	open := s.list.Open()

	switch event.Kind {
	case model.EventNewMessage:
		if event.Message == nil {
			return
		}
		if event.Phone == open {
			result := s.transcript.Merge(*event.Message)
			if result.Outcome == store.MergeConfirmed {
				s.confirmPending(result.CorrelationID)
			}
		}
		s.list.ApplyNewMessage(event.Phone, *event.Message)
	case model.EventUnread:
		s.list.ApplyUnread(event.Phone, event.Unread)
	case model.EventPresence:
		s.list.ApplyPresence(event.Phone, event.Online)
	case model.EventTyping:
		s.list.ApplyTyping(event.Phone, event.Typing)
	}

	s.publish(event)
}

func (s *Syncer) kickListFetch() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		conversations, err := s.backend.FetchConversations(ctx)
		s.postFetchResult(fetchResult{kind: fetchList, conversations: conversations, err: err})
	}()
}

func (s *Syncer) kickTranscriptFetch(phone string, epoch uint64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		messages, err := s.backend.FetchTranscript(ctx, phone)
		s.postFetchResult(fetchResult{kind: fetchTranscript, phone: phone, epoch: epoch, messages: messages, err: err})
	}()
}

func (s *Syncer) handleFetchResult(result fetchResult) {
	if result.err != nil {
		if transport.IsAuth(result.err) {
			s.teardown()
			return
		}
		switch result.kind {
		case fetchList:
			log.Printf("syncer: list refresh failed, retrying next tick: %v", result.err)
		case fetchTranscript:
			if result.epoch == s.epoch && result.phone == s.list.Open() {
				s.transcript.SetFetchFailed(true)
			}
			log.Printf("syncer: transcript fetch for %s failed: %v", result.phone, result.err)
		}
		return
	}

	switch result.kind {
	case fetchList:
		s.list.ApplySnapshot(result.conversations)
	case fetchTranscript:
		// Stale-response guard: a fetch kicked before a conversation
		// switch must not touch the new transcript.
		if result.epoch != s.epoch || result.phone != s.list.Open() {
			return
		}
		confirmed := s.transcript.MergeHistory(result.messages)
		for _, correlationID := range confirmed {
			s.confirmPending(correlationID)
		}
	}
}

func (s *Syncer) handleSendResult(result sendResult) {
	if result.correlationID == s.captureCorr && s.pipeline != nil {
		s.pipeline.Done()
		s.captureCorr = ""
	}

	if result.err != nil {
		if transport.IsAuth(result.err) {
			s.teardown()
			return
		}
		// The optimistic copy stays pending-local; the operator sees it
		// as not yet delivered and may retry explicitly.
		log.Printf("syncer: send %s to %s failed, message stays pending-local: %v",
			result.correlationID, result.phone, result.err)
	}
}

func (s *Syncer) markReadAsync(phone string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		if err := s.backend.MarkRead(ctx, phone); err != nil {
			log.Printf("syncer: mark-read for %s failed (ignored): %v", phone, err)
		}
	}()
}

func (s *Syncer) persistPending(entry outbox.Entry) {
	if s.box == nil {
		return
	}
	if err := s.box.Put(entry); err != nil {
		log.Printf("syncer: persist pending send %s: %v", entry.CorrelationID, err)
	}
}

func (s *Syncer) confirmPending(correlationID string) {
	if s.box == nil || correlationID == "" {
		return
	}
	if err := s.box.Confirm(correlationID); err != nil {
		log.Printf("syncer: confirm outbox entry %s: %v", correlationID, err)
	}
}

func (s *Syncer) publish(event model.PushEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(event); err != nil {
		log.Printf("syncer: bridge publish failed: %v", err)
	}
}

func (s *Syncer) postFetchResult(result fetchResult) {
	select {
	case s.fetchResults <- result:
	case <-s.done:
	}
}

func (s *Syncer) postSendResult(result sendResult) {
	select {
	case s.sendResults <- result:
	case <-s.done:
	}
}

// teardown ends the session after a rejected credential; the only fatal
// error in the component.
func (s *Syncer) teardown() {
	log.Printf("syncer: credentials rejected, tearing down session")
	s.session.Teardown()
	close(s.done)
}
