// Package browser implements the chat surface over WeChat Web using a
// managed headless Chrome instance. The session (cookies, login state)
// persists in a Chrome profile directory; login itself happens once, in a
// visible browser.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"wxbridge/internal/domain"

	"github.com/chromedp/chromedp"
)

const chatURL = "https://web.wechat.com/"

// SelectorSet contains the CSS selectors for the chat page.
type SelectorSet struct {
	LoggedIn    string // present only when a session is established
	ContactItem string // one entry in the conversation list
	Input       string // message input area
	Submit      string // send button
	FileInput   string // hidden upload input for media
	MessageList string // message nodes inside the open conversation
}

// DefaultSelectors returns the selectors for the current WeChat Web layout.
func DefaultSelectors() SelectorSet {
	return SelectorSet{
		LoggedIn:    "div.main",
		ContactItem: "div.chat_item",
		Input:       "#editArea",
		Submit:      "a.btn_send",
		FileInput:   "input[type='file'].webuploader-element-invisible",
		MessageList: "div.message",
	}
}

// Surface drives WeChat Web and implements domain.ChatSurface.
type Surface struct {
	profileDir string
	headless   bool
	sel        SelectorSet
	logger     *slog.Logger

	mu        sync.Mutex
	taskCtx   context.Context
	cancelAll context.CancelFunc
}

// Config holds configuration for the browser surface.
type Config struct {
	ProfileDir string // Chrome user data directory (persists the session)
	Headless   bool
	Selectors  *SelectorSet
	Logger     *slog.Logger
}

func New(cfg Config) *Surface {
	sel := DefaultSelectors()
	if cfg.Selectors != nil {
		sel = *cfg.Selectors
	}
	return &Surface{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		sel:        sel,
		logger:     cfg.Logger,
	}
}

// session returns the shared browser context, starting Chrome on first
// use. Polling every second cannot afford a browser launch per call.
func (s *Surface) session(parent context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taskCtx != nil && s.taskCtx.Err() == nil {
		return s.taskCtx, nil
	}

	if err := os.MkdirAll(s.profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(s.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)
	if s.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(taskCtx, chromedp.Navigate(chatURL), chromedp.WaitReady("body")); err != nil {
		taskCancel()
		allocCancel()
		return nil, fmt.Errorf("open chat page: %w", err)
	}

	s.taskCtx = taskCtx
	s.cancelAll = func() {
		taskCancel()
		allocCancel()
	}
	s.logger.Info("browser session started", "profile", s.profileDir, "headless", s.headless)
	return s.taskCtx, nil
}

// Close shuts the browser down.
func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelAll != nil {
		s.cancelAll()
		s.taskCtx = nil
		s.cancelAll = nil
	}
}

// Ready reports whether the page shows a logged-in session.
func (s *Surface) Ready(ctx context.Context) error {
	taskCtx, err := s.session(ctx)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrTransient)
	}

	checkCtx, cancel := context.WithTimeout(taskCtx, 10*time.Second)
	defer cancel()

	var loggedIn bool
	err = chromedp.Run(checkCtx,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, s.sel.LoggedIn), &loggedIn),
	)
	if err != nil {
		s.Close() // broken browser, restart on next call
		return fmt.Errorf("session check: %v: %w", err, domain.ErrTransient)
	}
	if !loggedIn {
		return fmt.Errorf("chat session not logged in: %w", domain.ErrTransient)
	}
	return nil
}

// rawEntry is what the extraction script returns per message node.
type rawEntry struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // text | image | file
	Text string `json:"text"`
	Src  string `json:"src"`
	TS   int64  `json:"ts"` // milliseconds
}

// Poll opens the contact's conversation and extracts messages newer than
// the cursor, oldest first.
func (s *Surface) Poll(ctx context.Context, contact domain.Contact, since domain.Cursor) ([]domain.RawMessage, domain.Cursor, error) {
	taskCtx, err := s.session(ctx)
	if err != nil {
		return nil, since, fmt.Errorf("%v: %w", err, domain.ErrTransient)
	}

	pollCtx, cancel := context.WithTimeout(taskCtx, 20*time.Second)
	defer cancel()

	if err := s.openConversation(pollCtx, contact.Nickname); err != nil {
		return nil, since, err
	}

	var raw string
	err = chromedp.Run(pollCtx, chromedp.Evaluate(extractScript(s.sel.MessageList), &raw))
	if err != nil {
		s.Close()
		return nil, since, fmt.Errorf("extract messages: %v: %w", err, domain.ErrTransient)
	}

	var entries []rawEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, since, fmt.Errorf("decode messages: %w", err)
	}

	next := since
	var out []domain.RawMessage
	for _, e := range entriesAfter(entries, since) {
		ts := time.UnixMilli(e.TS)
		msg := domain.RawMessage{
			Contact:   contact,
			Timestamp: ts,
		}
		switch e.Kind {
		case "image":
			msg.Kind = domain.KindImage
			msg.Path = e.Src
		case "file":
			msg.Kind = domain.KindFile
			msg.Path = e.Src
		default:
			msg.Kind = domain.KindText
			msg.Text = e.Text
		}
		out = append(out, msg)
		next = domain.Cursor{LastID: e.ID, LastSeen: ts}
	}
	return out, next, nil
}

// entriesAfter returns the entries past the cursor. The cursor id anchors
// the position while its node is still in the DOM; a new message can share
// the cursor's millisecond timestamp, so the timestamp alone is not
// enough. When the node scrolled away the timestamp filter takes over.
func entriesAfter(entries []rawEntry, since domain.Cursor) []rawEntry {
	if since.LastID != "" {
		for i, e := range entries {
			if e.ID == since.LastID {
				return entries[i+1:]
			}
		}
	}
	var out []rawEntry
	for _, e := range entries {
		if time.UnixMilli(e.TS).After(since.LastSeen) {
			out = append(out, e)
		}
	}
	return out
}

// Send delivers the segments to the contact's conversation, in order.
func (s *Surface) Send(ctx context.Context, contact domain.Contact, segs []domain.OutSegment) error {
	taskCtx, err := s.session(ctx)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrTransient)
	}

	sendCtx, cancel := context.WithTimeout(taskCtx, 30*time.Second)
	defer cancel()

	if err := s.openConversation(sendCtx, contact.Nickname); err != nil {
		return err
	}

	for _, seg := range segs {
		switch seg.Kind {
		case domain.KindText:
			err = chromedp.Run(sendCtx,
				chromedp.Click(s.sel.Input, chromedp.ByQuery),
				chromedp.SendKeys(s.sel.Input, seg.Text, chromedp.ByQuery),
				chromedp.Sleep(200*time.Millisecond),
				chromedp.Click(s.sel.Submit, chromedp.ByQuery),
			)
		case domain.KindImage, domain.KindFile:
			err = chromedp.Run(sendCtx,
				chromedp.SetUploadFiles(s.sel.FileInput, []string{seg.Path}, chromedp.ByQuery),
				chromedp.Sleep(1*time.Second),
			)
		}
		if err != nil {
			return fmt.Errorf("send %s segment to %q: %v: %w", seg.Kind, contact.Nickname, err, domain.ErrTransient)
		}
	}
	return nil
}

// openConversation clicks the contact's entry in the conversation list.
func (s *Surface) openConversation(ctx context.Context, nickname string) error {
	script := fmt.Sprintf(`
		(function() {
			var items = document.querySelectorAll(%q);
			for (var i = 0; i < items.length; i++) {
				if (items[i].innerText.split("\n")[0].trim() === %q) {
					items[i].click();
					return true;
				}
			}
			return false;
		})()
	`, s.sel.ContactItem, nickname)

	var found bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		s.Close()
		return fmt.Errorf("open conversation: %v: %w", err, domain.ErrTransient)
	}
	if !found {
		return fmt.Errorf("conversation %q not found: %w", nickname, domain.ErrTransient)
	}
	// Let the conversation render before reading or typing.
	return chromedp.Run(ctx, chromedp.Sleep(300*time.Millisecond))
}

// extractScript builds the JS that serializes visible messages. Returning
// a JSON string keeps the chromedp value plumbing simple.
func extractScript(messageSel string) string {
	return fmt.Sprintf(`
		(function() {
			var nodes = document.querySelectorAll(%q);
			var out = [];
			for (var i = 0; i < nodes.length; i++) {
				var n = nodes[i];
				if (n.classList.contains("me")) continue;
				var kind = "text", src = "";
				var img = n.querySelector("img.msg-img");
				var file = n.querySelector("a.attachment");
				if (img) { kind = "image"; src = img.src; }
				else if (file) { kind = "file"; src = file.href; }
				out.push({
					id: n.getAttribute("data-id") || String(i),
					kind: kind,
					text: (n.innerText || "").trim(),
					src: src,
					ts: Number(n.getAttribute("data-ts")) || Date.now()
				});
			}
			return JSON.stringify(out);
		})()
	`, messageSel)
}

// Login opens a visible browser for the user to scan the login QR code.
// After login, the session is saved in the profile directory.
func (s *Surface) Login(ctx context.Context) error {
	s.logger.Info("opening browser for login", "url", chatURL)
	s.Close()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(s.profileDir),
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(chatURL)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	s.logger.Info("browser opened. Scan the QR code, then press Ctrl+C.")
	<-ctx.Done()

	s.logger.Info("login session saved", "profile", s.profileDir)
	return nil
}

// ProfileExists reports whether a saved session profile is present.
func ProfileExists(profileDir string) bool {
	info, err := os.Stat(profileDir)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return false
	}
	entries, err := os.ReadDir(profileDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "Default") {
			return true
		}
	}
	return false
}
