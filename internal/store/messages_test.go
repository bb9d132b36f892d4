package store

import (
	"fmt"
	"testing"

	"aim-chat/sync-server/internal/contracts"
)

const (
	testConv   = "conv-aaaa-bbbb"
	testDevice = "dev-1"
)

func testDigest(s *Store, uid string) string {
	return s.UIDDigest(uid)
}

func msgInput(sender, receiver string, counter int64, id string) MessageInput {
	return MessageInput{
		ID:             id,
		ConversationID: testConv,
		SenderDigest:   sender,
		SenderDevice:   testDevice,
		ReceiverDigest: receiver,
		HeaderJSON:     fmt.Sprintf(`{"device_id":"%s","v":1,"iv_b64":"aXY","n":%d,"meta":{"msgType":"text"}}`, testDevice, counter),
		CiphertextB64:  "Y2lwaGVydGV4dA",
		Counter:        counter,
	}
}

func TestInsertMessageCounterMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	sender := testDigest(s, "AAAA11112222BBBB")
	receiver := testDigest(s, "CCCC33334444DDDD")

	if _, err := s.InsertMessage(ctx, msgInput(sender, receiver, 1, "msg-00000001")); err != nil {
		t.Fatalf("counter 1: %v", err)
	}
	if _, err := s.InsertMessage(ctx, msgInput(sender, receiver, 2, "msg-00000002")); err != nil {
		t.Fatalf("counter 2: %v", err)
	}

	// Equal and lower counters are both rejected with the current max.
	for _, ctr := range []int64{1, 2} {
		_, err := s.InsertMessage(ctx, msgInput(sender, receiver, ctr, fmt.Sprintf("msg-low-%d", ctr)))
		if code := errCode(t, err); code != contracts.CodeCounterTooLow {
			t.Fatalf("counter %d: expected CounterTooLow, got %s", ctr, code)
		}
		if got := errMeta(t, err)["maxCounter"]; got != int64(2) {
			t.Fatalf("counter %d: expected maxCounter=2, got %v", ctr, got)
		}
	}

	maxCounter, err := s.MaxCounter(ctx, testConv, sender, testDevice)
	if err != nil {
		t.Fatalf("max counter: %v", err)
	}
	if maxCounter != 2 {
		t.Fatalf("expected max 2, got %d", maxCounter)
	}
}

func TestInsertMessageDuplicateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	sender := testDigest(s, "AAAA11112222BBBB")
	receiver := testDigest(s, "CCCC33334444DDDD")

	first, err := s.InsertMessage(ctx, msgInput(sender, receiver, 1, "msg-00000001"))
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second, err := s.InsertMessage(ctx, msgInput(sender, receiver, 1, "msg-00000001"))
	if err != nil {
		t.Fatalf("duplicate insert must be idempotent success: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("second insert must report duplicate")
	}
	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("duplicate must return the original created_at: %d vs %d", second.CreatedAt, first.CreatedAt)
	}

	res, err := s.ListMessages(ctx, ListInput{ConversationID: testConv})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("stored row count must be 1, got %d", len(res.Messages))
	}
}

func TestListMessagesOrderAndCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	sender := testDigest(s, "AAAA11112222BBBB")
	receiver := testDigest(s, "CCCC33334444DDDD")

	for i := int64(1); i <= 5; i++ {
		if _, err := s.InsertMessage(ctx, msgInput(sender, receiver, i, fmt.Sprintf("msg-%08d", i))); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	page, err := s.ListMessages(ctx, ListInput{ConversationID: testConv, Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.Messages) != 2 || page.Messages[0].Counter != 5 || page.Messages[1].Counter != 4 {
		t.Fatalf("expected counters [5 4], got %+v", page.Messages)
	}
	if !page.HasMore || page.NextCounter == nil {
		t.Fatalf("first page must report more")
	}

	rest, err := s.ListMessages(ctx, ListInput{
		ConversationID: testConv,
		CursorCounter:  page.NextCounter,
		CursorID:       page.NextMessageID,
	})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(rest.Messages) != 3 || rest.Messages[0].Counter != 3 {
		t.Fatalf("expected counters [3 2 1], got %+v", rest.Messages)
	}
}

func TestDeletionCursorHidesRowsPerRequester(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	sender := testDigest(s, "AAAA11112222BBBB")
	receiver := testDigest(s, "CCCC33334444DDDD")

	for i := int64(1); i <= 4; i++ {
		if _, err := s.InsertMessage(ctx, msgInput(sender, receiver, i, fmt.Sprintf("msg-%08d", i))); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	stored, err := s.AdvanceDeletionCursor(ctx, testConv, receiver, 2)
	if err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	if stored != 2 {
		t.Fatalf("cursor must be 2, got %d", stored)
	}

	// A lower advance is silently ignored.
	stored, err = s.AdvanceDeletionCursor(ctx, testConv, receiver, 1)
	if err != nil {
		t.Fatalf("lower advance: %v", err)
	}
	if stored != 2 {
		t.Fatalf("lower advance must keep 2, got %d", stored)
	}

	hidden, err := s.ListMessages(ctx, ListInput{ConversationID: testConv, RequesterDigest: receiver})
	if err != nil {
		t.Fatalf("list as receiver: %v", err)
	}
	for _, m := range hidden.Messages {
		if m.Counter <= 2 {
			t.Fatalf("counter %d must be hidden behind the cursor", m.Counter)
		}
	}
	if len(hidden.Messages) != 2 {
		t.Fatalf("expected 2 visible rows, got %d", len(hidden.Messages))
	}

	all, err := s.ListMessages(ctx, ListInput{ConversationID: testConv, RequesterDigest: sender})
	if err != nil {
		t.Fatalf("list as sender: %v", err)
	}
	if len(all.Messages) != 4 {
		t.Fatalf("another requester must still see 4 rows, got %d", len(all.Messages))
	}
}

func TestVisibilityFilterSkipsUnknownTypes(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	sender := testDigest(s, "AAAA11112222BBBB")
	receiver := testDigest(s, "CCCC33334444DDDD")

	in := msgInput(sender, receiver, 1, "msg-00000001")
	in.HeaderJSON = `{"device_id":"dev-1","v":1,"iv_b64":"aXY","n":1,"meta":{"msgType":"typing-indicator"}}`
	if _, err := s.InsertMessage(ctx, in); err != nil {
		t.Fatalf("insert hidden: %v", err)
	}
	if _, err := s.InsertMessage(ctx, msgInput(sender, receiver, 2, "msg-00000002")); err != nil {
		t.Fatalf("insert visible: %v", err)
	}

	res, err := s.ListMessages(ctx, ListInput{ConversationID: testConv})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != "msg-00000002" {
		t.Fatalf("only the text message must be visible, got %+v", res.Messages)
	}
}

func TestDeleteMessageAndConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	sender := testDigest(s, "AAAA11112222BBBB")
	receiver := testDigest(s, "CCCC33334444DDDD")

	if _, err := s.InsertMessage(ctx, msgInput(sender, receiver, 1, "msg-00000001")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Wrong sender deletes nothing.
	n, err := s.DeleteMessage(ctx, testConv, "msg-00000001", receiver)
	if err != nil || n != 0 {
		t.Fatalf("wrong sender: n=%d err=%v", n, err)
	}
	n, err = s.DeleteMessage(ctx, testConv, "msg-00000001", sender)
	if err != nil || n != 1 {
		t.Fatalf("sender delete: n=%d err=%v", n, err)
	}

	if _, err := s.InsertMessage(ctx, msgInput(sender, receiver, 2, "msg-00000002")); err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	deleted, err := s.DeleteConversation(ctx, testConv)
	if err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}
	res, err := s.ListMessages(ctx, ListInput{ConversationID: testConv})
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(res.Messages) != 0 {
		t.Fatalf("conversation must be empty")
	}
}
