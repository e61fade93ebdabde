package mailbox

import (
	"strings"
	"testing"
)

func TestMarkdownToPlain(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{
			name: "bold",
			md:   "This is **bold** text",
			want: "This is bold text",
		},
		{
			name: "italic",
			md:   "This is *italic* text",
			want: "This is italic text",
		},
		{
			name: "link",
			md:   "Visit [Example](https://example.com) now",
			want: "Visit Example (https://example.com) now",
		},
		{
			name: "heading",
			md:   "## Section Title\n\nSome text",
			want: "Section Title\n\nSome text",
		},
		{
			name: "inline code",
			md:   "Use the `fmt.Println` function",
			want: "Use the fmt.Println function",
		},
		{
			name: "image",
			md:   "See ![alt text](https://example.com/img.png) here",
			want: "See alt text here",
		},
		{
			name: "list items preserved",
			md:   "- item one\n- item two",
			want: "- item one\n- item two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := markdownToPlain(tt.md)
			if got != tt.want {
				t.Errorf("markdownToPlain(%q) =\n  %q\nwant\n  %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestMarkdownToHTML(t *testing.T) {
	html, err := markdownToHTML("Hello **world**")
	if err != nil {
		t.Fatalf("markdownToHTML() error: %v", err)
	}

	if !strings.Contains(html, "<strong>world</strong>") {
		t.Error("HTML should contain <strong> tag for bold")
	}
	if !strings.Contains(html, "<!DOCTYPE html>") {
		t.Error("HTML should have DOCTYPE wrapper")
	}
}

func TestComposeMessage(t *testing.T) {
	msg, err := composeMessage(composeOptions{
		From:    "Weft <weft@example.com>",
		To:      []string{"recipient@example.com"},
		Subject: "Rule fired",
		Body:    "The build is **green**",
	})
	if err != nil {
		t.Fatalf("composeMessage() error: %v", err)
	}

	s := string(msg)

	if !strings.Contains(s, "From:") || !strings.Contains(s, "weft@example.com") {
		t.Errorf("message should contain From header with address, got:\n%s", s[:min(len(s), 500)])
	}
	if !strings.Contains(s, "To:") || !strings.Contains(s, "recipient@example.com") {
		t.Errorf("message should contain To header with address, got:\n%s", s[:min(len(s), 500)])
	}
	if !strings.Contains(s, "Subject: Rule fired") {
		t.Error("message should contain Subject header")
	}
	if !strings.Contains(s, "Message-Id:") {
		t.Error("message should contain Message-Id header")
	}
	if !strings.Contains(s, "multipart/alternative") {
		t.Error("message should be multipart/alternative")
	}
	if !strings.Contains(s, "text/plain") {
		t.Error("message should contain text/plain part")
	}
	if !strings.Contains(s, "text/html") {
		t.Error("message should contain text/html part")
	}
}

func TestComposeMessageInvalidFrom(t *testing.T) {
	_, err := composeMessage(composeOptions{
		From:    "not-an-email",
		To:      []string{"to@example.com"},
		Subject: "Test",
		Body:    "Body",
	})
	if err == nil {
		t.Error("composeMessage should fail with invalid From address")
	}
}

func TestComposeMessageInvalidRecipient(t *testing.T) {
	_, err := composeMessage(composeOptions{
		From:    "weft@example.com",
		To:      []string{"definitely not an address"},
		Subject: "Test",
		Body:    "Body",
	})
	if err == nil {
		t.Error("composeMessage should fail with invalid recipient")
	}
}
