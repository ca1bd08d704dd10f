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
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		json  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		b, err := json.Marshal(tc.level)
		if err != nil {
			t.Errorf("Marshal(%v) failed: %v", tc.level, err)
			continue
		}
		if string(b) != tc.json {
			t.Errorf("Marshal(%v) = %s, want %s", tc.level, b, tc.json)
		}
		var got Level
		if err := json.Unmarshal(b, &got); err != nil || got != tc.level {
			t.Errorf("Unmarshal(%s) = %v, %v, want %v", b, got, err, tc.level)
		}
	}
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("Marshal(Level(7)) succeeded")
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "warning", want: Warning},
		{in: "debug", want: Debug},
		{in: "0", want: Warning},
		{in: "1", want: Info},
		{in: "2", want: Debug},
		{in: "3", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "Info", wantErr: true},
	} {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	// Numbers are accepted unquoted, as older consoles wrote them.
	var l Level
	if err := json.Unmarshal([]byte("1"), &l); err != nil || l != Info {
		t.Errorf("Unmarshal(1) = %v, %v, want %v", l, err, Info)
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 0, time.UTC)
	e.Emit(0, Info, ts, "mapped %d frames", 3)

	if len(tw.lines) != 2 || tw.lines[1] != "\n" {
		t.Fatalf("got %q, want one object and a newline", tw.lines)
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", tw.lines[0], err)
	}
	if got.Line == 0 {
		t.Errorf("Line = 0, want the emitting line")
	}
	got.Line = 0
	want := jsonLog{
		Msg:   "mapped 3 frames",
		Level: Info,
		Time:  ts,
		File:  "json_test.go",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("log line mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONEmitterInvalidLevel(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Level(9), time.Time{}, "odd")
	if len(tw.lines) == 0 {
		t.Fatalf("nothing emitted")
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", tw.lines[0], err)
	}
	if got.Level != Warning {
		t.Errorf("Level = %v, want %v", got.Level, Warning)
	}
}
