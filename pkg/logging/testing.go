package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger records JSON events at trace level for assertions. It is safe
// to log to from several goroutines.
type TestLogger struct {
	*zerolog.Logger
	buf *lockedBuffer
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewTestLogger returns a recording logger. The global level is lowered to
// trace until the test ends.
func NewTestLogger(t testing.TB) *TestLogger {
	t.Helper()
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	buf := &lockedBuffer{}
	logger := zerolog.New(buf).Level(zerolog.TraceLevel).With().Timestamp().Logger()
	return &TestLogger{Logger: &logger, buf: buf}
}

// Output returns everything logged so far.
func (tl *TestLogger) Output() string { return tl.buf.String() }

// Lines returns one JSON document per event.
func (tl *TestLogger) Lines() []string {
	out := strings.TrimSpace(tl.Output())
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Count returns the number of events logged.
func (tl *TestLogger) Count() int { return len(tl.Lines()) }

// ContainsAll reports whether the output contains every one of substrs.
func (tl *TestLogger) ContainsAll(substrs ...string) bool {
	out := tl.Output()
	for _, s := range substrs {
		if !strings.Contains(out, s) {
			return false
		}
	}
	return true
}

func (tl *TestLogger) AssertContains(t testing.TB, substr string) {
	t.Helper()
	if !strings.Contains(tl.Output(), substr) {
		t.Errorf("log output does not contain %q:\n%s", substr, tl.Output())
	}
}

func (tl *TestLogger) AssertNotContains(t testing.TB, substr string) {
	t.Helper()
	if strings.Contains(tl.Output(), substr) {
		t.Errorf("log output unexpectedly contains %q:\n%s", substr, tl.Output())
	}
}

func (tl *TestLogger) AssertCount(t testing.TB, want int) {
	t.Helper()
	if got := tl.Count(); got != want {
		t.Errorf("logged %d events, want %d:\n%s", got, want, tl.Output())
	}
}

// DisableLoggingForTest silences Default until the test ends.
func DisableLoggingForTest(t testing.TB) {
	t.Helper()
	swapDefault(t, zerolog.Nop())
}

// CaptureLoggingForTest routes Default into a TestLogger until the test ends.
func CaptureLoggingForTest(t testing.TB) *TestLogger {
	t.Helper()
	tl := NewTestLogger(t)
	swapDefault(t, *tl.Logger)
	return tl
}

func swapDefault(t testing.TB, logger zerolog.Logger) {
	prev := *Default()
	SetDefault(logger)
	t.Cleanup(func() { SetDefault(prev) })
}
