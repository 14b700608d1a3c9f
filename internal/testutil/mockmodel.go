package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/medicoaqui/medicoaqui/internal/gemini"
	"github.com/medicoaqui/medicoaqui/internal/session"
)

// ModelRule maps a substring of the latest request text to a canned
// response. Rules are checked in registration order.
type ModelRule struct {
	// Match is looked up in the concatenated text of the request's last
	// message (including function response payloads). Empty matches all.
	Match    string
	Response *gemini.Response
	Err      error
}

// MockModel is a scripted gemini backend for loop tests.
type MockModel struct {
	mu       sync.Mutex
	rules    []ModelRule
	requests []gemini.Request
}

// On appends a rule.
func (m *MockModel) On(match string, resp *gemini.Response) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, ModelRule{Match: match, Response: resp})
	return m
}

// OnError appends a rule that fails the call.
func (m *MockModel) OnError(match string, err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, ModelRule{Match: match, Err: err})
	return m
}

// Requests returns every request seen so far.
func (m *MockModel) Requests() []gemini.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]gemini.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Generate implements the model interface the conversation loop consumes.
func (m *MockModel) Generate(_ context.Context, req gemini.Request) (*gemini.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	probe := lastText(req.Messages)
	for _, rule := range m.rules {
		if rule.Match == "" || strings.Contains(probe, rule.Match) {
			if rule.Err != nil {
				return nil, rule.Err
			}
			return rule.Response, nil
		}
	}
	return nil, fmt.Errorf("testutil: no model rule matches %q", probe)
}

func lastText(msgs []session.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	last := msgs[len(msgs)-1]
	var b strings.Builder
	for _, p := range last.Parts {
		b.WriteString(p.Text)
		if p.Type == session.PartFunctionResponse {
			fmt.Fprintf(&b, "%v", p.Response)
		}
	}
	return b.String()
}
