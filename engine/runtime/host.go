package runtime

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/robertkrimen/otto"
	"github.com/spf13/afero"

	"github.com/compozy/taskvisor/engine/task"
)

const scriptFilePerm = 0o600

func (s *session) installTask() error {
	obj, err := s.vm.Object(`({})`)
	if err != nil {
		return err
	}
	members := map[string]any{
		"id":            s.taskID,
		"returnValue":   s.returnValue,
		"readTextFile":  s.readTextFile,
		"writeTextFile": s.writeTextFile,
		"env":           s.env,
		"fetch":         s.fetch,
	}
	for name, value := range members {
		if err := obj.Set(name, value); err != nil {
			return fmt.Errorf("failed to set Task.%s: %w", name, err)
		}
	}
	return s.vm.Set("Task", obj)
}

func (s *session) returnValue(call otto.FunctionCall) otto.Value {
	value := call.Argument(0)
	var out string
	if value.IsString() {
		out = value.String()
	} else {
		out = s.stringify(value)
	}
	s.reporter.ReportValue(s.taskID, out)
	return otto.UndefinedValue()
}

// stringify renders a value as JSON, falling back to its string form for
// values JSON cannot represent.
func (s *session) stringify(value otto.Value) string {
	encoded, err := s.vm.Call("JSON.stringify", nil, value)
	if err != nil || encoded.IsUndefined() {
		return value.String()
	}
	return encoded.String()
}

// authorize asks for a capability unless it was granted for the whole run.
// A denial is thrown into the script as a PermissionDenied error.
func (s *session) authorize(capability, api, target string) {
	if s.grants[capability] {
		recordHostCall(s.ctx, api, outcomeCached)
		return
	}
	prompt := task.Prompt{
		Message:    fmt.Sprintf("%s access to %q", capability, target),
		Capability: capability,
		API:        api,
		IsUnary:    true,
	}
	res := s.perms.Check(s.ctx, prompt)
	switch res {
	case task.ResolutionAllowAll:
		s.grants[capability] = true
		recordHostCall(s.ctx, api, outcomeGranted)
	case task.ResolutionAllow:
		recordHostCall(s.ctx, api, outcomeGranted)
	default:
		recordHostCall(s.ctx, api, outcomeDenied)
		s.log.Info("permission denied", "capability", capability, "api", api)
		s.throw(PermissionDeniedName, fmt.Sprintf("Requires %s, run again with the permission granted", prompt.Message))
	}
}

func (s *session) stringArg(call otto.FunctionCall, i int, api string) string {
	arg := call.Argument(i)
	if !arg.IsString() {
		panic(s.vm.MakeTypeError(fmt.Sprintf("%s: argument %d must be a string", api, i+1)))
	}
	return arg.String()
}

func (s *session) readTextFile(call otto.FunctionCall) otto.Value {
	const api = "Task.readTextFile"
	path := s.stringArg(call, 0, api)
	s.authorize(CapabilityRead, api, path)
	info, err := s.config.Fs.Stat(path)
	if err != nil {
		s.throwError(err)
	}
	if info.Size() > s.config.MaxFileBytes {
		panic(s.vm.MakeRangeError(fmt.Sprintf("%s exceeds %d bytes", path, s.config.MaxFileBytes)))
	}
	data, err := afero.ReadFile(s.config.Fs, path)
	if err != nil {
		s.throwError(err)
	}
	return s.toValue(string(data))
}

func (s *session) writeTextFile(call otto.FunctionCall) otto.Value {
	const api = "Task.writeTextFile"
	path := s.stringArg(call, 0, api)
	data := call.Argument(1).String()
	s.authorize(CapabilityWrite, api, path)
	if err := afero.WriteFile(s.config.Fs, path, []byte(data), scriptFilePerm); err != nil {
		s.throwError(err)
	}
	return otto.UndefinedValue()
}

func (s *session) env(call otto.FunctionCall) otto.Value {
	const api = "Task.env"
	name := s.stringArg(call, 0, api)
	s.authorize(CapabilityEnv, api, name)
	value, ok := s.config.LookupEnv(name)
	if !ok {
		return otto.UndefinedValue()
	}
	return s.toValue(value)
}

type fetchOptions struct {
	method  string
	headers map[string]string
	body    string
}

func (s *session) parseFetchOptions(v otto.Value) fetchOptions {
	opts := fetchOptions{method: http.MethodGet, headers: map[string]string{}}
	if !v.IsObject() {
		return opts
	}
	obj := v.Object()
	if m, err := obj.Get("method"); err == nil && m.IsString() {
		opts.method = strings.ToUpper(m.String())
	}
	if b, err := obj.Get("body"); err == nil && b.IsDefined() && !b.IsNull() {
		if b.IsString() {
			opts.body = b.String()
		} else {
			opts.body = s.stringify(b)
		}
	}
	if h, err := obj.Get("headers"); err == nil && h.IsObject() {
		hdrs := h.Object()
		for _, key := range hdrs.Keys() {
			if hv, err := hdrs.Get(key); err == nil {
				opts.headers[key] = hv.String()
			}
		}
	}
	return opts
}

func (s *session) fetch(call otto.FunctionCall) otto.Value {
	const api = "Task.fetch"
	raw := s.stringArg(call, 0, api)
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		panic(s.vm.MakeTypeError(fmt.Sprintf("%s: invalid URL %q", api, raw)))
	}
	opts := s.parseFetchOptions(call.Argument(1))
	s.authorize(CapabilityNet, api, target.Host)
	req := s.client.R().
		SetContext(s.ctx).
		SetDoNotParseResponse(true).
		SetHeaders(opts.headers)
	if opts.body != "" {
		req.SetBody(opts.body)
	}
	resp, err := req.Execute(opts.method, target.String())
	if err != nil {
		s.throwError(err)
	}
	body := resp.RawBody()
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, s.config.MaxResponseBytes+1))
	if err != nil {
		s.throwError(err)
	}
	if int64(len(data)) > s.config.MaxResponseBytes {
		panic(s.vm.MakeRangeError(fmt.Sprintf("%s: response body exceeds %d bytes", api, s.config.MaxResponseBytes)))
	}
	return s.fetchResult(resp.StatusCode(), resp.Header(), string(data))
}

func (s *session) fetchResult(status int, header http.Header, body string) otto.Value {
	headers, err := s.vm.Object(`({})`)
	if err != nil {
		s.throwError(err)
	}
	for key := range header {
		if err := headers.Set(strings.ToLower(key), header.Get(key)); err != nil {
			s.throwError(err)
		}
	}
	result, err := s.vm.Object(`({})`)
	if err != nil {
		s.throwError(err)
	}
	fields := map[string]any{
		"status":  status,
		"ok":      status >= 200 && status < 300,
		"headers": headers,
		"body":    body,
	}
	for name, value := range fields {
		if err := result.Set(name, value); err != nil {
			s.throwError(err)
		}
	}
	return result.Value()
}

func (s *session) toValue(v any) otto.Value {
	value, err := s.vm.ToValue(v)
	if err != nil {
		s.throwError(err)
	}
	return value
}
