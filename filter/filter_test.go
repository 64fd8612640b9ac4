package filter

import (
	"strings"
	"testing"

	"github.com/dhcgn/archive-to-mailbox/archive"
)

func message(subject, from, body string) *archive.Message {
	return &archive.Message{
		Class:         archive.ClassNote,
		Subject:       subject,
		SenderName:    "Sender",
		SenderAddress: from,
		DisplayTo:     "user@example.com",
		BodyText:      body,
	}
}

func TestFilter_Allows_IncludeMode(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{"Subject: Test"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(message("Test Message", "sender@example.com", "This is the message body")) {
		t.Error("Expected message to be allowed (header matches)")
	}
	if f.Allows(message("Other", "sender@example.com", "This is the message body")) {
		t.Error("Expected message to be filtered out (header doesn't match)")
	}

	if got := f.Counts(); got != (Counts{Allowed: 1, Rejected: 1}) {
		t.Errorf("Counts() = %+v", got)
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{"From:.*@spam\\.com"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(message("Normal Message", "sender@example.com", "body")) {
		t.Error("Expected message to be allowed (no spam)")
	}
	if f.Allows(message("Offer", "bulk@spam.com", "body")) {
		t.Error("Expected message to be filtered out (spam sender)")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	_, err := New(Options{IncludeBody: []string{"("}})
	if err == nil {
		t.Fatal("Expected error for invalid pattern")
	}
	if !strings.Contains(err.Error(), "include-body") {
		t.Errorf("error %q does not name the option", err)
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{"  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Active() {
		t.Error("Expected blank patterns to be ignored")
	}
	if !f.Allows(message("Any Message", "a@example.com", "Any body content")) {
		t.Error("Expected message to be allowed when no filters are active")
	}
}

func TestFilter_BodyFiltering(t *testing.T) {
	f, err := New(Options{IncludeBody: []string{"important"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(message("Message", "a@example.com", "This is an important message")) {
		t.Error("Expected message to be allowed (body matches)")
	}
	if f.Allows(message("Message", "a@example.com", "This is a regular message")) {
		t.Error("Expected message to be filtered out (body doesn't match)")
	}
}

func TestFilter_BodyFromHTML(t *testing.T) {
	f, err := New(Options{ExcludeBody: []string{"unsubscribe now"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	msg := message("News", "a@example.com", "")
	msg.BodyHTML = "<p>Please <b>unsubscribe now</b></p>"
	if f.Allows(msg) {
		t.Error("Expected message to be filtered out (html body matches)")
	}
}

func TestHeaderText(t *testing.T) {
	msg := message("Hello", "alice@example.com", "")
	msg.SenderName = "Alice"
	msg.DisplayCC = "bob@example.com"

	got := HeaderText(msg)
	want := "Subject: Hello\nFrom: Alice <alice@example.com>\nTo: user@example.com\nCc: bob@example.com\nX-Message-Class: IPM.Note\n"
	if got != want {
		t.Errorf("HeaderText() = %q, want %q", got, want)
	}
}

func TestBodyText(t *testing.T) {
	tests := []struct {
		name string
		msg  *archive.Message
		want string
	}{
		{name: "plain text", msg: &archive.Message{BodyText: "plain", BodyHTML: "<p>html</p>"}, want: "plain"},
		{name: "html", msg: &archive.Message{BodyHTML: "<p>html</p>"}, want: "html"},
		{name: "rich text", msg: &archive.Message{BodyRTF: []byte(`{\rtf1 x}`)}, want: `{\rtf1 x}`},
		{name: "empty", msg: &archive.Message{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strings.TrimSpace(BodyText(tt.msg)); got != tt.want {
				t.Errorf("BodyText() = %q, want %q", got, tt.want)
			}
		})
	}
}
