package process

import (
	"context"
	"strings"
	"sync"
)

// Fake is a Runner that records every command and answers from a script of
// prefix matches. Unknown commands succeed with empty output.
type Fake struct {
	mu       sync.Mutex
	commands []Command
	rules    []fakeRule
}

type fakeRule struct {
	prefix string
	result Result
	err    error
	times  int
}

func NewFake() *Fake {
	return &Fake{}
}

// On registers the result for commands starting with prefix. Later rules win.
func (f *Fake) On(prefix string, res Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{prefix: prefix, result: res, times: -1})
	return f
}

// Once is like On but the rule is used for a single matching command.
func (f *Fake) Once(prefix string, res Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{prefix: prefix, result: res, times: 1})
	return f
}

func (f *Fake) Fail(prefix string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{prefix: prefix, err: err, times: -1})
	return f
}

func (f *Fake) Exec(_ context.Context, c Command) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, c)
	for i := len(f.rules) - 1; i >= 0; i-- {
		rule := &f.rules[i]
		if rule.times == 0 || !strings.HasPrefix(c.Line, rule.prefix) {
			continue
		}
		if rule.times > 0 {
			rule.times--
		}
		return rule.result, rule.err
	}
	return Result{}, nil
}

// Lines returns the command lines in invocation order.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.commands))
	for i, c := range f.commands {
		lines[i] = c.Line
	}
	return lines
}

func (f *Fake) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// Matching returns the recorded lines that start with prefix.
func (f *Fake) Matching(prefix string) []string {
	var out []string
	for _, line := range f.Lines() {
		if strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
}
