package identity

import (
	"testing"
	"time"

	"github.com/matheus3301/mailchat/internal/mailmime"
)

// mockIndex serves canned lookups.
type mockIndex struct {
	byMID  map[string][]Known
	byHash map[string]*Known
}

func (m *mockIndex) ByMessageID(mid string) ([]Known, error) {
	return m.byMID[mid], nil
}

func (m *mockIndex) ByContentHash(hash string, _ time.Time) (*Known, error) {
	return m.byHash[hash], nil
}

func testMessage(mid, body string) *mailmime.Message {
	return &mailmime.Message{
		MessageID: mid,
		Subject:   "hello",
		From:      mailmime.Address{Addr: "alice@example.org"},
		To:        []mailmime.Address{{Addr: "bob@example.org"}},
		Date:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Text:      body,
	}
}

func TestClassifyNew(t *testing.T) {
	e := NewEngine(&mockIndex{}, 48*time.Hour)

	res, err := e.Classify(testMessage("m1@x", "hi"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindNew || res.Anomaly {
		t.Errorf("result = %+v, want plain new", res)
	}
	if res.ContentHash == "" {
		t.Error("missing content hash")
	}
}

func TestClassifyDuplicateByMessageID(t *testing.T) {
	msg := testMessage("m1@x", "hi")
	hash := ContentHash(msg)

	idx := &mockIndex{byMID: map[string][]Known{
		"m1@x": {{RowID: 42, MessageID: "m1@x", ContentHash: hash}},
	}}
	e := NewEngine(idx, 48*time.Hour)

	res, err := e.Classify(msg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindDuplicate || res.DuplicateOf != 42 {
		t.Errorf("result = %+v, want duplicate of 42", res)
	}
}

func TestClassifyMessageIDReuseIsDistinct(t *testing.T) {
	stored := testMessage("abc@x", "first body")
	idx := &mockIndex{byMID: map[string][]Known{
		"abc@x": {{RowID: 1, MessageID: "abc@x", ContentHash: ContentHash(stored)}},
	}}
	e := NewEngine(idx, 48*time.Hour)

	// Same Message-ID, different content: must not merge.
	res, err := e.Classify(testMessage("abc@x", "second body"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindNew {
		t.Errorf("kind = %v, want new", res.Kind)
	}
	if !res.Anomaly {
		t.Error("expected an integrity anomaly for reused message-id")
	}
}

func TestClassifyFallbackToContentHash(t *testing.T) {
	msg := testMessage("", "hi")
	hash := ContentHash(msg)

	idx := &mockIndex{byHash: map[string]*Known{
		hash: {RowID: 7, ContentHash: hash},
	}}
	e := NewEngine(idx, 48*time.Hour)

	res, err := e.Classify(msg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindDuplicate || res.DuplicateOf != 7 {
		t.Errorf("result = %+v, want duplicate of 7", res)
	}
}

func TestClassifyMalformed(t *testing.T) {
	e := NewEngine(&mockIndex{}, 48*time.Hour)

	raw := []byte("not a mail at all")
	res, err := e.Classify(nil, raw, &mailmime.ParseError{Reason: "bad header"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindMalformed {
		t.Errorf("kind = %v, want malformed", res.Kind)
	}
	if res.ContentHash != RawHash(raw) {
		t.Error("malformed result must still carry a raw hash")
	}
}

func TestClassifyMalformedRefetchIsDuplicate(t *testing.T) {
	raw := []byte("not a mail at all")
	idx := &mockIndex{byHash: map[string]*Known{
		RawHash(raw): {RowID: 9, ContentHash: RawHash(raw)},
	}}
	e := NewEngine(idx, 48*time.Hour)

	// The same unparseable bytes coming back, for example after a
	// uid_validity reset, must dedup against the stored placeholder
	// instead of producing a second one.
	res, err := e.Classify(nil, raw, &mailmime.ParseError{Reason: "bad header"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindDuplicate || res.DuplicateOf != 9 {
		t.Errorf("result = %+v, want duplicate of 9", res)
	}
}

func TestContentHashIgnoresTransportNoise(t *testing.T) {
	a := testMessage("m1@x", "line one  \r\nline two\r\n")
	b := testMessage("m1@x", "line one\nline two\n\n")
	if ContentHash(a) != ContentHash(b) {
		t.Error("hash differs across line-ending/whitespace normalization")
	}

	c := testMessage("m1@x", "different")
	if ContentHash(a) == ContentHash(c) {
		t.Error("hash collision for different bodies")
	}
}

func TestContentHashAddressOrderInsensitive(t *testing.T) {
	a := testMessage("m1@x", "hi")
	a.To = []mailmime.Address{{Addr: "b@x"}, {Addr: "a@x"}}
	b := testMessage("m1@x", "hi")
	b.To = []mailmime.Address{{Addr: "A@x"}, {Addr: "B@x"}}
	if ContentHash(a) != ContentHash(b) {
		t.Error("hash sensitive to recipient order or case")
	}
}

func TestWellFormedMessageID(t *testing.T) {
	cases := []struct {
		mid  string
		want bool
	}{
		{"abc@example.org", true},
		{"", false},
		{"no-at-sign", false},
		{"spaces in@id", false},
		{"<angle@id>", false},
		{string(make([]byte, 300)) + "@x", false},
	}
	for _, tc := range cases {
		if got := WellFormedMessageID(tc.mid); got != tc.want {
			t.Errorf("WellFormedMessageID(%q) = %v, want %v", tc.mid, got, tc.want)
		}
	}
}
