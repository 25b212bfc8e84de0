package dynamicauth

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeUI is a scriptable URIOpener.
type fakeUI struct {
	mu           sync.Mutex
	openResult   bool
	openErr      error
	openedURLs   []string
	createAppErr error
}

func newFakeUI() *fakeUI {
	return &fakeUI{openResult: true}
}

func (u *fakeUI) OpenURI(_ context.Context, url string) (bool, error) {
	u.mu.Lock()
	u.openedURLs = append(u.openedURLs, url)
	u.mu.Unlock()
	return u.openResult, u.openErr
}

func (u *fakeUI) CreateAppURI(_ context.Context, callbackURI string) (string, error) {
	if u.createAppErr != nil {
		return "", u.createAppErr
	}
	return "app://" + callbackURI, nil
}

func (u *fakeUI) lastOpenedURL() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.openedURLs) == 0 {
		return ""
	}
	return u.openedURLs[len(u.openedURLs)-1]
}

// fakeHost is a scriptable Host. The callback query is delivered as soon as
// the wait starts unless rawQuery is empty, in which case the wait blocks
// until the context is cancelled.
type fakeHost struct {
	mu sync.Mutex

	rawQuery string
	waitErr  error

	continueAnswer bool
	continueErr    error
	prompts        []string

	promptClientID string
	promptSecret   string
	promptOK       bool
	promptErr      error

	waitedStates []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{continueAnswer: true}
}

func (h *fakeHost) WaitForURIHandler(ctx context.Context, expectedState string) (string, error) {
	h.mu.Lock()
	h.waitedStates = append(h.waitedStates, expectedState)
	rawQuery, waitErr := h.rawQuery, h.waitErr
	h.mu.Unlock()

	if waitErr != nil {
		return "", waitErr
	}
	if rawQuery == "" {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return rawQuery, nil
}

func (h *fakeHost) ShowContinueNotification(_ context.Context, message string) (bool, error) {
	h.mu.Lock()
	h.prompts = append(h.prompts, message)
	h.mu.Unlock()
	return h.continueAnswer, h.continueErr
}

func (h *fakeHost) PromptForClientRegistration(_ context.Context, _ string) (string, string, bool, error) {
	return h.promptClientID, h.promptSecret, h.promptOK, h.promptErr
}

// stubFlow is a canned flow for exercising the CreateSession state machine.
type stubFlow struct {
	label    string
	response *TokenResponse
	err      error
	calls    int
}

func (f *stubFlow) Label() string { return f.label }

func (f *stubFlow) Run(context.Context, *DynamicAuthProvider, []string) (*TokenResponse, error) {
	f.calls++
	return f.response, f.err
}
