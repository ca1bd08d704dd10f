// Copyright 2026 The capkernel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}
	if diff := cmp.Diff([]string{"no newline", "\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got, want := strings.Join(tw.lines, ""), "shown 2\nshown 3\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 8000, time.UTC)
	e.Emit(0, Warning, ts, "frames=%d", 42)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0304 05:06:07.000008 log_test.go:") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.HasSuffix(line, "] frames=42\n") {
		t.Errorf("unexpected message in %q", line)
	}
}

func TestKeyedLogger(t *testing.T) {
	tw := &testWriter{}
	l := NewKeyedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}, time.Hour, 4)
	for i := 0; i < 10; i++ {
		l.Warningf(60, "unknown syscall %d", 60)
	}
	l.Warningf(39, "unknown syscall %d", 39)
	if got, want := strings.Join(tw.lines, ""), "unknown syscall 60\nunknown syscall 39\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := l.Suppressed(60); got != 9 {
		t.Errorf("Suppressed(60) = %d, want 9", got)
	}
	if got := l.Suppressed(39); got != 0 {
		t.Errorf("Suppressed(39) = %d, want 0", got)
	}
}

func TestKeyedLoggerReportsDrops(t *testing.T) {
	tw := &testWriter{}
	l := NewKeyedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}, time.Millisecond, 4)
	l.Warningf(1, "fault")
	l.Warningf(1, "fault")
	time.Sleep(5 * time.Millisecond)
	l.Warningf(1, "fault")
	got := strings.Join(tw.lines, "")
	if !strings.HasSuffix(got, "fault (1 similar messages suppressed)\n") {
		t.Errorf("got %q, want the drop count on the last line", got)
	}
}

func TestKeyedLoggerOverflow(t *testing.T) {
	tw := &testWriter{}
	l := NewKeyedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}, time.Hour, 2)
	for key := uint64(0); key < 6; key++ {
		l.Warningf(key, "key %d", key)
	}
	// Keys 0 and 1 have their own limiters; 2..5 share one.
	want := "key 0\nkey 1\nkey 2\n"
	if got := strings.Join(tw.lines, ""); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := l.Suppressed(5); got != 3 {
		t.Errorf("Suppressed(5) = %d, want 3", got)
	}
}
