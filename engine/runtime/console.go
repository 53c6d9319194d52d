package runtime

import (
	"strings"

	"github.com/robertkrimen/otto"
)

func (s *session) installConsole() error {
	console, err := s.vm.Object(`({})`)
	if err != nil {
		return err
	}
	methods := map[string]func(msg string, keyvals ...any){
		"log":   s.log.Info,
		"info":  s.log.Info,
		"warn":  s.log.Warn,
		"error": s.log.Error,
		"debug": s.log.Debug,
	}
	for name, emit := range methods {
		if err := console.Set(name, s.consoleFunc(emit)); err != nil {
			return err
		}
	}
	return s.vm.Set("console", console)
}

func (s *session) consoleFunc(emit func(msg string, keyvals ...any)) func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		parts := make([]string, 0, len(call.ArgumentList))
		for _, arg := range call.ArgumentList {
			if arg.IsObject() && !arg.IsFunction() {
				parts = append(parts, s.stringify(arg))
				continue
			}
			parts = append(parts, arg.String())
		}
		emit(strings.Join(parts, " "), "source", "script")
		return otto.UndefinedValue()
	}
}
