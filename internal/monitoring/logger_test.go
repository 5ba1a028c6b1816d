package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("[ingest] test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op logger
	called = false
	SetLogger(nil)
	Logf("[ingest] test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestRedirect(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got []string
	first := func(format string, v ...interface{}) { got = append(got, "first:"+fmt.Sprintf(format, v...)) }
	second := func(format string, v ...interface{}) { got = append(got, "second:"+fmt.Sprintf(format, v...)) }

	SetLogger(first)
	restore := Redirect(second)
	Logf("a")
	restore()
	Logf("b")

	want := []string{"second:a", "first:b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRecorder_KeepsMostRecent(t *testing.T) {
	var forwarded []string
	r := NewRecorder(3, func(format string, v ...interface{}) {
		forwarded = append(forwarded, fmt.Sprintf(format, v...))
	})
	for i := 1; i <= 5; i++ {
		r.Logf("[ingest] packet %d", i)
	}

	lines := r.Lines()
	want := []string{"[ingest] packet 3", "[ingest] packet 4", "[ingest] packet 5"}
	if fmt.Sprint(lines) != fmt.Sprint(want) {
		t.Errorf("Lines() = %v, want %v", lines, want)
	}
	if len(forwarded) != 5 {
		t.Errorf("forwarded %d lines, want 5", len(forwarded))
	}
	if !r.Contains("packet 4") {
		t.Error("Contains(packet 4) = false")
	}
	if r.Contains("packet 1") {
		t.Error("evicted line still reported")
	}

	// Lines returns a copy.
	lines[0] = "changed"
	if r.Lines()[0] != "[ingest] packet 3" {
		t.Error("Lines() exposed internal storage")
	}
}

func TestRecorder_Unbounded(t *testing.T) {
	r := NewRecorder(0, nil)
	for i := 0; i < 100; i++ {
		r.Logf("line %d", i)
	}
	if n := len(r.Lines()); n != 100 {
		t.Errorf("len(Lines()) = %d, want 100", n)
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()

	Logf("test message: %s", "value")
}
