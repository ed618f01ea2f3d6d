package main

import (
	"context"
	"errors"
	"os"
	"testing"
)

func stubRun(t *testing.T) {
	t.Helper()
	origExec := executeCmd
	origMap := mapExitCode
	origTerminate := terminate
	t.Cleanup(func() {
		executeCmd = origExec
		mapExitCode = origMap
		terminate = origTerminate
	})
}

func TestRun_Success(t *testing.T) {
	stubRun(t)

	var gotArgs []string
	executeCmd = func(ctx context.Context, args []string) error {
		if ctx.Err() != nil {
			t.Fatalf("context already done: %v", ctx.Err())
		}
		gotArgs = append([]string(nil), args...)
		return nil
	}

	code := run([]string{"board", "--output", "json"})
	if code != 0 {
		t.Fatalf("run() code = %d, want 0", code)
	}
	want := []string{"board", "--output", "json"}
	if len(gotArgs) != len(want) {
		t.Fatalf("args len = %d, want %d", len(gotArgs), len(want))
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, gotArgs[i], want[i])
		}
	}
}

func TestRun_ErrorUsesMappedExitCode(t *testing.T) {
	stubRun(t)

	executeErr := errors.New("boom")
	executeCmd = func(context.Context, []string) error { return executeErr }
	mapExitCode = func(err error) int {
		if !errors.Is(err, executeErr) {
			t.Fatalf("mapExitCode got err %v, want %v", err, executeErr)
		}
		return 23
	}

	if code := run([]string{"move", "42", "won"}); code != 23 {
		t.Fatalf("run() code = %d, want 23", code)
	}
}

func TestRun_ContextCanceledAfterReturn(t *testing.T) {
	stubRun(t)

	var captured context.Context
	executeCmd = func(ctx context.Context, _ []string) error {
		captured = ctx
		return nil
	}
	run(nil)
	if captured == nil || captured.Err() == nil {
		t.Fatal("signal context should be released when run returns")
	}
}

func TestMain_UsesTerminateWithRunCode(t *testing.T) {
	stubRun(t)
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	var gotArgs []string
	executeCmd = func(_ context.Context, args []string) error {
		gotArgs = append([]string(nil), args...)
		return errors.New("boom")
	}
	mapExitCode = func(error) int { return 13 }

	gotCode := -1
	terminate = func(code int) { gotCode = code }

	os.Args = []string{"crmsync", "chat", "follow", "--output", "jsonl"}
	main()

	if gotCode != 13 {
		t.Fatalf("terminate code = %d, want 13", gotCode)
	}
	if len(gotArgs) != 4 || gotArgs[0] != "chat" || gotArgs[3] != "jsonl" {
		t.Fatalf("args = %v", gotArgs)
	}
}
