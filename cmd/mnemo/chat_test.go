package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/mnemo/internal/engine"
	"github.com/kalambet/mnemo/internal/pipeline"
)

type scriptedResponder struct {
	asked  []string
	owners []string
	err    error
}

func (s *scriptedResponder) Respond(_ context.Context, owner, question string) (pipeline.Response, error) {
	s.asked = append(s.asked, question)
	s.owners = append(s.owners, owner)
	if s.err != nil {
		return pipeline.Response{}, s.err
	}
	return pipeline.Response{Answer: "answer to " + question}, nil
}

func TestRunChat(t *testing.T) {
	noColor = true
	defer func() { noColor = false }()

	r := &scriptedResponder{}
	in := strings.NewReader("\n  ana \nwhat is go?\n\nwho made it?\nQUIT\nnever asked\n")
	var out bytes.Buffer

	if err := runChat(context.Background(), r, "", in, &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}

	if len(r.asked) != 2 || r.asked[0] != "what is go?" || r.asked[1] != "who made it?" {
		t.Errorf("asked = %q", r.asked)
	}
	for _, o := range r.owners {
		if o != "ana" {
			t.Errorf("owner = %q, want ana", o)
		}
	}
	text := out.String()
	if strings.Count(text, "Owner id: ") != 2 {
		t.Errorf("expected the owner prompt twice:\n%s", text)
	}
	for _, want := range []string{"Hi ana.", "answer to what is go?", "answer to who made it?"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestRunChat_OwnerFlagAndEOF(t *testing.T) {
	r := &scriptedResponder{}
	var out bytes.Buffer
	if err := runChat(context.Background(), r, "bo", strings.NewReader("hello"), &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if len(r.owners) != 1 || r.owners[0] != "bo" {
		t.Errorf("owners = %q", r.owners)
	}
	if strings.Contains(out.String(), "Owner id:") {
		t.Error("owner prompt shown although --owner was given")
	}
}

func TestRunChat_ErrorsKeepLooping(t *testing.T) {
	noColor = true
	defer func() { noColor = false }()

	r := &scriptedResponder{err: errors.Join(engine.ErrModelUnavailable, errors.New("dial tcp"))}
	var out bytes.Buffer
	if err := runChat(context.Background(), r, "ana", strings.NewReader("one\ntwo\nquit\n"), &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if len(r.asked) != 2 {
		t.Errorf("asked %d questions, want 2", len(r.asked))
	}
	if strings.Count(out.String(), pipeline.MsgModelUnavailable) != 2 {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestRunChat_Canceled(t *testing.T) {
	r := &scriptedResponder{err: context.Canceled}
	var out bytes.Buffer
	if err := runChat(context.Background(), r, "ana", strings.NewReader("one\ntwo\n"), &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if len(r.asked) != 1 {
		t.Errorf("asked %d questions after cancel, want 1", len(r.asked))
	}
}

func TestSetupLogging(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "bogus"} {
		setupLogging(lvl)
	}
	setupLogging("info")
}
