package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/telemetry"
)

var errDenied = errors.New("denied by backend")

func testClassifier(err error) (engine.ErrorKind, bool) {
	if errors.Is(err, errDenied) {
		return engine.KindAuthorization, true
	}
	return "", false
}

func newTestCaller(buf *bytes.Buffer) *Caller {
	tel := telemetry.Nop()
	tel.Logger = telemetry.NewLoggerWithWriter(buf, telemetry.LoggingConfig{Level: "debug", Format: "json"})
	return NewCaller(Deps{
		BackendType: "stub",
		Subtype:     engine.SubtypeCompute,
		Telemetry:   tel,
		Credentials: engine.Credentials{Identity: "alice", Secret: "s3cret"},
	}, testClassifier)
}

func TestCall_Classification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind engine.ErrorKind
	}{
		{name: "success"},
		{name: "classifier match", err: errDenied, wantKind: engine.KindAuthorization},
		{name: "transport failure", err: io.ErrUnexpectedEOF, wantKind: engine.KindConnection},
		{name: "already classified", err: engine.NewNotFoundError("42", nil), wantKind: engine.KindEntityNotFound},
		{name: "unknown", err: errors.New("boom"), wantKind: engine.KindEntityCreate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c := newTestCaller(&buf)

			got, err := Call(context.Background(), c, "allocate", engine.KindEntityCreate, func(context.Context) (string, error) {
				if tt.err != nil {
					return "", tt.err
				}
				return "42", nil
			})

			if tt.wantKind == "" {
				if err != nil || got != "42" {
					t.Errorf("Expected 42, got %q (%v)", got, err)
				}
				return
			}
			if kind := engine.KindOf(err); kind != tt.wantKind {
				t.Errorf("Expected kind %s, got %s (%v)", tt.wantKind, kind, err)
			}
			if got != "" {
				t.Errorf("Expected zero result on error, got %q", got)
			}
		})
	}
}

func TestCall_LogsFingerprintOnly(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCaller(&buf)

	_ = Exec(context.Background(), c, "allocate", engine.KindEntityCreate, func(context.Context) error {
		return errDenied
	})

	out := buf.String()
	if strings.Contains(out, "s3cret") || strings.Contains(out, "alice") {
		t.Errorf("Expected credentials to stay out of logs, got %s", out)
	}
	if !strings.Contains(out, `"operation":"allocate"`) {
		t.Errorf("Expected operation field, got %s", out)
	}
	if !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("Expected authorization failure at warn level, got %s", out)
	}
}

func TestCall_ContextLogger(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCaller(&buf)

	_, err := Call(context.Background(), c, "list", engine.KindConnection, func(ctx context.Context) ([]string, error) {
		telemetry.FromContext(ctx).Debug("listing pool")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Failed to call: %v", err)
	}

	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "listing pool") {
			if !strings.Contains(line, `"operation":"list"`) || !strings.Contains(line, `"backend":"stub"`) {
				t.Errorf("Expected call fields on context logger, got %s", line)
			}
			return
		}
	}
	t.Errorf("Expected message from context logger, got %s", buf.String())
}

func TestCall_Timeout(t *testing.T) {
	c := NewCaller(Deps{BackendType: "stub", Subtype: engine.SubtypeCompute, Options: Options{Timeout: 10 * time.Millisecond}}, nil)

	err := Exec(context.Background(), c, "slow", engine.KindEntityState, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !engine.IsConnection(err) {
		t.Errorf("Expected ConnectionError for deadline, got %v", err)
	}
}

type tickClock struct {
	now time.Time
}

func (c *tickClock) Now() time.Time { return c.now }

func (c *tickClock) After(d time.Duration) <-chan time.Time {
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func TestWait(t *testing.T) {
	deps := Deps{
		BackendType: "stub",
		Subtype:     engine.SubtypeStorage,
		Options:     Options{WaitStep: time.Second, WaitTimeout: 3 * time.Second},
		Clock:       &tickClock{now: time.Unix(0, 0)},
	}

	t.Run("converges", func(t *testing.T) {
		c := NewCaller(deps, nil)
		polls := 0
		state, err := Wait(context.Background(), c, "7", func(context.Context) (string, error) {
			polls++
			if polls == 3 {
				return "READY", nil
			}
			return "LOCKED", nil
		}, func(s string) bool { return s == "READY" })
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if state != "READY" || polls != 3 {
			t.Errorf("Expected READY after 3 polls, got %s after %d", state, polls)
		}
	})

	t.Run("times out", func(t *testing.T) {
		c := NewCaller(deps, nil)
		_, err := Wait(context.Background(), c, "7", func(context.Context) (string, error) {
			return "LOCKED", nil
		}, func(s string) bool { return s == "READY" })
		if !errors.Is(err, engine.ErrTimeout) {
			t.Errorf("Expected TimeoutError, got %v", err)
		}
	})
}

func TestCaller_Waiter(t *testing.T) {
	c := NewCaller(Deps{}, nil)
	w := c.Waiter()
	if w.Step != engine.DefaultWaitStep || w.Timeout != engine.DefaultWaitTimeout {
		t.Errorf("Expected default waiter, got step=%v timeout=%v", w.Step, w.Timeout)
	}
	if w.OnPoll == nil {
		t.Error("Expected poll hook")
	}
}
