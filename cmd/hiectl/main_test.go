package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"hiegate/pkg/auditbus"
	"hiegate/pkg/auth"
	"hiegate/pkg/identity"
)

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestUnknownCommand(t *testing.T) {
	if _, err := runCmd(t, "", "gen-key"); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestHashPassword(t *testing.T) {
	out, err := runCmd(t, "", "hash-password", "--password", "s3cret")
	if err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	hash := strings.TrimSpace(out)
	if !identity.IsHashed(hash) || !identity.VerifyPassword(hash, "s3cret") {
		t.Fatalf("unexpected hash %q", hash)
	}

	out, err = runCmd(t, "from-stdin\n", "hash-password")
	if err != nil {
		t.Fatalf("hash-password stdin: %v", err)
	}
	if !identity.VerifyPassword(strings.TrimSpace(out), "from-stdin") {
		t.Fatal("stdin password not hashed")
	}

	if _, err := runCmd(t, "", "hash-password"); err == nil {
		t.Fatal("expected error for an empty password")
	}
}

func TestCheckIdentities(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.yaml")
	raw := `
organizations:
  seoul.kr: Seoul Hospital
admins:
  ids: [root]
accounts:
  - id: root
    email: root@seoul.kr
    password: plain
  - id: doc
    email: doc@seoul.kr
    password: "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := runCmd(t, "", "check-identities", "--file", path)
	if err != nil {
		t.Fatalf("check-identities: %v", err)
	}
	if !strings.Contains(out, "2 accounts, 1 administrators, 1 organizations") || !strings.Contains(out, "unhashed passwords: root") {
		t.Fatalf("unexpected report %q", out)
	}
	if _, err := runCmd(t, "", "check-identities", "--file", path, "--strict"); err == nil {
		t.Fatal("strict mode must fail on unhashed passwords")
	}
	if _, err := runCmd(t, "", "check-identities", "--file", filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestMask(t *testing.T) {
	out, err := runCmd(t, "", "mask", "name", "홍길동")
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	if strings.TrimSpace(out) != "홍*동" {
		t.Fatalf("unexpected mask %q", out)
	}
	if _, err := runCmd(t, "", "mask", "zip", "x"); err == nil {
		t.Fatal("expected error for unknown field kind")
	}
	if _, err := runCmd(t, "", "mask", "name"); err == nil {
		t.Fatal("expected error for missing value")
	}
}

func TestVerifyAssertion(t *testing.T) {
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.AssertionClaims{
		PreferredUsername: "kim",
		AuthTime:          now.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "kim",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte("shh"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := runCmd(t, "", "verify-assertion", "--secret", "shh", "--token", token)
	if err != nil {
		t.Fatalf("verify-assertion: %v", err)
	}
	if !strings.Contains(out, `"user": "kim"`) {
		t.Fatalf("unexpected report %q", out)
	}
	if _, err := runCmd(t, "", "verify-assertion", "--secret", "other", "--token", token); err == nil {
		t.Fatal("expected signature failure")
	}
	if _, err := runCmd(t, "", "verify-assertion", "--secret", "shh"); err == nil {
		t.Fatal("expected error without --token")
	}
}

type fakeTail struct {
	msgs   []auditbus.Message
	err    error
	closed bool
}

func (f *fakeTail) Read(context.Context) (auditbus.Message, error) {
	if len(f.msgs) == 0 {
		return auditbus.Message{}, f.err
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeTail) Close() error { f.closed = true; return nil }

func TestAuditTail(t *testing.T) {
	old := newTailSource
	defer func() { newTailSource = old }()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeTail{
		msgs: []auditbus.Message{
			{Key: "record_unmask_succeeded", Value: []byte(`{"user_email":"kim@seoul.kr"}`), Time: at},
			{Key: "patient_search_started", Value: []byte(`{}`), Time: at},
			{Key: "never", Value: []byte(`{}`), Time: at},
		},
	}
	var got auditbus.Config
	newTailSource = func(cfg auditbus.Config) (tailSource, error) {
		got = cfg
		return src, nil
	}
	out, err := runCmd(t, "", "audit-tail", "--brokers", "k1:9092,k2:9092", "--max", "2")
	if err != nil {
		t.Fatalf("audit-tail: %v", err)
	}
	if len(got.Brokers) != 2 || got.Topic != auditbus.DefaultTopic {
		t.Fatalf("unexpected consumer config %+v", got)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "2026-03-01T09:00:00Z record_unmask_succeeded") {
		t.Fatalf("unexpected output %q", out)
	}
	if !src.closed {
		t.Fatal("consumer not closed")
	}

	src = &fakeTail{err: errors.New("broker gone")}
	if _, err := runCmd(t, "", "audit-tail"); err == nil || !strings.Contains(err.Error(), "read audit") {
		t.Fatalf("expected read error, got %v", err)
	}

	src = &fakeTail{err: context.Canceled}
	if _, err := runCmd(t, "", "audit-tail"); err != nil {
		t.Fatalf("cancellation should end the tail cleanly: %v", err)
	}

	newTailSource = func(auditbus.Config) (tailSource, error) { return nil, errors.New("no brokers") }
	if _, err := runCmd(t, "", "audit-tail"); err == nil {
		t.Fatal("expected consumer error")
	}
}

func TestMainExitsOnError(t *testing.T) {
	oldExit, oldArgs := osExit, os.Args
	defer func() { osExit, os.Args = oldExit, oldArgs }()
	code := 0
	osExit = func(c int) { code = c }
	os.Args = []string{"hiectl", "nope"}
	main()
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}
