package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestRedactEmail(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"", "***@***"},
	}
	for _, c := range cases {
		if got := RedactEmail(c.in); got != c.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLogRedactsEmailFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Info("row failed", "email", "john.doe@example.com", "reason", "duplicate")

	var entry map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["email"] != "jo***@example.com" {
		t.Errorf("email not redacted: %q", entry["email"])
	}
	if entry["reason"] != "duplicate" {
		t.Errorf("reason mangled: %q", entry["reason"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %q", entry["level"])
	}
}

func TestLogRedactsEmbeddedEmails(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Warn("skipping", "detail", "record for jane.roe@example.org already exists")

	var entry map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["detail"] != "record for ja***@example.org already exists" {
		t.Errorf("embedded email not redacted: %q", entry["detail"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(WARN)
	defer func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
	}()

	Debug("hidden")
	Info("hidden too")
	Warn("visible")

	if buf.Len() == 0 {
		t.Fatal("expected WARN entry to be written")
	}
	var entry map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["msg"] != "visible" {
		t.Errorf("msg = %q", entry["msg"])
	}
}
