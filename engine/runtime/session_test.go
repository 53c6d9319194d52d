package runtime_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compozy/taskvisor/engine/runtime"
	"github.com/compozy/taskvisor/engine/task"
)

type capture struct {
	mu     sync.Mutex
	values []string
}

func (c *capture) ReportValue(_ string, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, value)
}

func (c *capture) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.values) == 0 {
		return ""
	}
	return c.values[len(c.values)-1]
}

type countingChecker struct {
	calls   atomic.Int32
	answer  task.Resolution
	prompts chan task.Prompt
}

func (c *countingChecker) Check(_ context.Context, prompt task.Prompt) task.Resolution {
	c.calls.Add(1)
	if c.prompts != nil {
		c.prompts <- prompt
	}
	return c.answer
}

func newSession(
	t *testing.T,
	fs afero.Fs,
	checker runtime.PermissionChecker,
	opts ...runtime.Option,
) (runtime.Session, *capture) {
	t.Helper()
	opts = append([]runtime.Option{runtime.WithTestConfig(), runtime.WithFs(fs)}, opts...)
	factory := runtime.NewFactory(opts...)
	out := &capture{}
	s, err := factory.NewSession(t.Context(), runtime.SessionOptions{
		TaskID:      "task-1",
		Permissions: checker,
		Reporter:    out,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, out
}

func writeScript(t *testing.T, fs afero.Fs, code string) string {
	t.Helper()
	const path = "/staging/task-1/main.js"
	require.NoError(t, afero.WriteFile(fs, path, []byte(code), 0o600))
	return path
}

func run(t *testing.T, s runtime.Session, path string) error {
	t.Helper()
	if err := s.Execute(t.Context(), path); err != nil {
		return err
	}
	return s.RunEventLoop(t.Context())
}

func TestFactory_NewSession(t *testing.T) {
	t.Run("Should reject an empty task id", func(t *testing.T) {
		factory := runtime.NewFactory(runtime.WithTestConfig())
		s, err := factory.NewSession(t.Context(), runtime.SessionOptions{})
		assert.Nil(t, s)
		assert.ErrorContains(t, err, "task id")
	})

	t.Run("Should fill zero values from defaults", func(t *testing.T) {
		factory := runtime.NewFactory(runtime.WithFetchTimeout(0), runtime.WithMaxFileBytes(-1))
		cfg := factory.Config()
		assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
		assert.Equal(t, int64(8<<20), cfg.MaxFileBytes)
		assert.NotNil(t, cfg.Fs)
	})
}

func TestSession_Execute(t *testing.T) {
	t.Run("Should expose the task id and report string values verbatim", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, out := newSession(t, fs, nil)
		path := writeScript(t, fs, `Task.returnValue("id=" + Task.id);`)

		require.NoError(t, run(t, s, path))
		assert.Equal(t, "id=task-1", out.last())
	})

	t.Run("Should report non-string values as JSON", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, out := newSession(t, fs, nil)
		path := writeScript(t, fs, `Task.returnValue({sum: 1 + 2, tags: ["a"]});`)

		require.NoError(t, run(t, s, path))
		assert.JSONEq(t, `{"sum":3,"tags":["a"]}`, out.last())
	})

	t.Run("Should keep only the last reported value", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, out := newSession(t, fs, nil)
		path := writeScript(t, fs, `Task.returnValue("first"); Task.returnValue(42);`)

		require.NoError(t, run(t, s, path))
		assert.Equal(t, "42", out.last())
	})

	t.Run("Should return a compile error for invalid source", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, _ := newSession(t, fs, nil)
		path := writeScript(t, fs, `function (`)

		err := s.Execute(t.Context(), path)

		var compileErr *runtime.CompileError
		require.ErrorAs(t, err, &compileErr)
		assert.Equal(t, path, compileErr.Path)
	})

	t.Run("Should surface uncaught exceptions as script errors", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, _ := newSession(t, fs, nil)
		path := writeScript(t, fs, `throw new Error("boom");`)

		err := s.Execute(t.Context(), path)

		var scriptErr *runtime.ScriptError
		require.ErrorAs(t, err, &scriptErr)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("Should fail when the script file is missing", func(t *testing.T) {
		s, _ := newSession(t, afero.NewMemMapFs(), nil)
		err := s.Execute(t.Context(), "/missing.js")
		assert.ErrorContains(t, err, "failed to read script")
	})

	t.Run("Should route console output without failing the run", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, out := newSession(t, fs, nil)
		path := writeScript(t, fs, `console.log("hello", {a: 1}); console.error("oops"); Task.returnValue("ok");`)

		require.NoError(t, run(t, s, path))
		assert.Equal(t, "ok", out.last())
	})
}

func TestSession_Interrupt(t *testing.T) {
	t.Run("Should halt an infinite loop", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, _ := newSession(t, fs, nil)
		path := writeScript(t, fs, `var i = 0; while (true) { i++; }`)

		done := make(chan error, 1)
		go func() { done <- s.Execute(context.Background(), path) }()
		time.Sleep(50 * time.Millisecond)
		s.Interrupt("stop requested")

		select {
		case err := <-done:
			assert.ErrorIs(t, err, runtime.ErrInterrupted)
		case <-time.After(5 * time.Second):
			t.Fatal("execution did not stop after interrupt")
		}
	})

	t.Run("Should wake a loop waiting on a distant timer", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, _ := newSession(t, fs, nil)
		path := writeScript(t, fs, `setTimeout(function () { Task.returnValue("late"); }, 60000);`)
		require.NoError(t, s.Execute(t.Context(), path))

		done := make(chan error, 1)
		go func() { done <- s.RunEventLoop(context.Background()) }()
		time.Sleep(20 * time.Millisecond)
		s.Interrupt("stop requested")

		select {
		case err := <-done:
			assert.ErrorIs(t, err, runtime.ErrInterrupted)
		case <-time.After(5 * time.Second):
			t.Fatal("event loop did not stop after interrupt")
		}
	})

	t.Run("Should refuse to run after being interrupted", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, _ := newSession(t, fs, nil)
		path := writeScript(t, fs, `Task.returnValue("never");`)
		s.Interrupt("early")
		s.Interrupt("twice")

		assert.ErrorIs(t, s.Execute(t.Context(), path), runtime.ErrInterrupted)
		assert.ErrorIs(t, s.RunEventLoop(t.Context()), runtime.ErrInterrupted)
	})
}

func TestSession_Timers(t *testing.T) {
	t.Run("Should run timers in due order after the top level", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, out := newSession(t, fs, nil)
		path := writeScript(t, fs, `
			var order = [];
			setTimeout(function () { order.push("b"); Task.returnValue(order.join(",")); }, 20);
			setTimeout(function (tag) { order.push(tag); }, 5, "a");
			order.push("top");
		`)

		require.NoError(t, run(t, s, path))
		assert.Equal(t, "top,a,b", out.last())
	})

	t.Run("Should honor clearTimeout and clearInterval", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, out := newSession(t, fs, nil)
		path := writeScript(t, fs, `
			var ticks = 0;
			var cancelled = setTimeout(function () { Task.returnValue("cancelled timer ran"); }, 1);
			clearTimeout(cancelled);
			var handle = setInterval(function () {
				ticks++;
				if (ticks === 3) {
					clearInterval(handle);
					Task.returnValue("ticks=" + ticks);
				}
			}, 1);
		`)

		require.NoError(t, run(t, s, path))
		assert.Equal(t, "ticks=3", out.last())
	})

	t.Run("Should surface exceptions thrown by timer callbacks", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, _ := newSession(t, fs, nil)
		path := writeScript(t, fs, `setTimeout(function () { throw new Error("late failure"); }, 1);`)
		require.NoError(t, s.Execute(t.Context(), path))

		err := s.RunEventLoop(t.Context())

		var scriptErr *runtime.ScriptError
		require.ErrorAs(t, err, &scriptErr)
		assert.Contains(t, err.Error(), "late failure")
	})

	t.Run("Should reject non-function callbacks", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, _ := newSession(t, fs, nil)
		path := writeScript(t, fs, `setTimeout("1 + 1", 1);`)

		err := s.Execute(t.Context(), path)
		assert.ErrorContains(t, err, "TypeError")
	})
}

func TestSession_Permissions(t *testing.T) {
	t.Run("Should read a file after the prompt is allowed", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/data/in.txt", []byte("payload"), 0o600))
		checker := &countingChecker{answer: task.ResolutionAllow, prompts: make(chan task.Prompt, 4)}
		s, out := newSession(t, fs, checker)
		path := writeScript(t, fs, `Task.returnValue(Task.readTextFile("/data/in.txt"));`)

		require.NoError(t, run(t, s, path))

		assert.Equal(t, "payload", out.last())
		prompt := <-checker.prompts
		assert.Equal(t, runtime.CapabilityRead, prompt.Capability)
		assert.Equal(t, "Task.readTextFile", prompt.API)
		assert.Equal(t, `read access to "/data/in.txt"`, prompt.Message)
		assert.True(t, prompt.IsUnary)
	})

	t.Run("Should throw PermissionDenied into the script on deny", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		checker := &countingChecker{answer: task.ResolutionDeny}
		s, out := newSession(t, fs, checker)
		path := writeScript(t, fs, `
			try {
				Task.writeTextFile("/tmp/out.txt", "x");
				Task.returnValue("written");
			} catch (e) {
				Task.returnValue(e.name);
			}
		`)

		require.NoError(t, run(t, s, path))

		assert.Equal(t, runtime.PermissionDeniedName, out.last())
		exists, err := afero.Exists(fs, "/tmp/out.txt")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Should fail the run when a denial is not caught", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s, _ := newSession(t, fs, nil)
		path := writeScript(t, fs, `Task.env("HOME");`)

		err := s.Execute(t.Context(), path)
		assert.ErrorContains(t, err, runtime.PermissionDeniedName)
	})

	t.Run("Should ask for every call when granted once", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		checker := &countingChecker{answer: task.ResolutionAllow}
		s, _ := newSession(t, fs, checker)
		path := writeScript(t, fs, `Task.writeTextFile("/a.txt", "1"); Task.writeTextFile("/b.txt", "2");`)

		require.NoError(t, run(t, s, path))
		assert.Equal(t, int32(2), checker.calls.Load())
	})

	t.Run("Should remember allow-all for the rest of the run", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		checker := &countingChecker{answer: task.ResolutionAllowAll}
		s, out := newSession(t, fs, checker)
		path := writeScript(t, fs, `
			Task.writeTextFile("/a.txt", "1");
			Task.writeTextFile("/b.txt", "2");
			Task.returnValue("done");
		`)

		require.NoError(t, run(t, s, path))
		assert.Equal(t, int32(1), checker.calls.Load())
		assert.Equal(t, "done", out.last())
		data, err := afero.ReadFile(fs, "/b.txt")
		require.NoError(t, err)
		assert.Equal(t, "2", string(data))
	})

	t.Run("Should read environment variables through the configured lookup", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		checker := &countingChecker{answer: task.ResolutionAllow}
		lookup := func(name string) (string, bool) {
			if name == "GREETING" {
				return "hi", true
			}
			return "", false
		}
		s, out := newSession(t, fs, checker, runtime.WithLookupEnv(lookup))
		path := writeScript(t, fs, `Task.returnValue(Task.env("GREETING") + "/" + typeof Task.env("MISSING"));`)

		require.NoError(t, run(t, s, path))
		assert.Equal(t, "hi/undefined", out.last())
	})

	t.Run("Should refuse files larger than the configured limit", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/big.txt", []byte(strings.Repeat("x", 64)), 0o600))
		checker := &countingChecker{answer: task.ResolutionAllow}
		s, _ := newSession(t, fs, checker, runtime.WithMaxFileBytes(16))
		path := writeScript(t, fs, `Task.readTextFile("/big.txt");`)

		err := s.Execute(t.Context(), path)
		assert.ErrorContains(t, err, "RangeError")
	})
}

func TestSession_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("y", 1024)))
		default:
			w.Header().Set("X-Method", r.Method)
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("short and stout"))
		}
	}))
	t.Cleanup(server.Close)

	t.Run("Should return status, headers and body", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		checker := &countingChecker{answer: task.ResolutionAllow, prompts: make(chan task.Prompt, 1)}
		s, out := newSession(t, fs, checker)
		path := writeScript(t, fs, `
			var res = Task.fetch("`+server.URL+`/pot", {method: "post", body: {a: 1}});
			Task.returnValue({status: res.status, ok: res.ok, method: res.headers["x-method"], body: res.body});
		`)

		require.NoError(t, run(t, s, path))

		assert.JSONEq(t, `{"status":418,"ok":false,"method":"POST","body":"short and stout"}`, out.last())
		prompt := <-checker.prompts
		assert.Equal(t, runtime.CapabilityNet, prompt.Capability)
		assert.Contains(t, prompt.Message, "127.0.0.1")
	})

	t.Run("Should reject bodies over the response limit", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		checker := &countingChecker{answer: task.ResolutionAllow}
		s, _ := newSession(t, fs, checker, runtime.WithMaxResponseBytes(100))
		path := writeScript(t, fs, `Task.fetch("`+server.URL+`/big");`)

		err := s.Execute(t.Context(), path)
		assert.ErrorContains(t, err, "exceeds 100 bytes")
	})

	t.Run("Should reject non-http URLs before prompting", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		checker := &countingChecker{answer: task.ResolutionAllow}
		s, _ := newSession(t, fs, checker)
		path := writeScript(t, fs, `Task.fetch("file:///etc/passwd");`)

		err := s.Execute(t.Context(), path)
		assert.ErrorContains(t, err, "invalid URL")
		assert.Zero(t, checker.calls.Load())
	})
}

func TestErrors(t *testing.T) {
	t.Run("Should unwrap compile errors", func(t *testing.T) {
		inner := errors.New("unexpected token")
		err := &runtime.CompileError{Path: "main.js", Err: inner}
		assert.ErrorIs(t, err, inner)
		assert.Equal(t, "failed to compile main.js: unexpected token", err.Error())
	})

	t.Run("Should prefix script errors with their phase", func(t *testing.T) {
		assert.Equal(t, "boom", (&runtime.ScriptError{Message: "boom"}).Error())
		assert.Equal(t, "timer: boom", (&runtime.ScriptError{Phase: "timer", Message: "boom"}).Error())
	})
}
