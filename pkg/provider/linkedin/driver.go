package linkedin

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/profileurl"
	"github.com/jdziat/sniper/pkg/provider"
	"github.com/jdziat/sniper/pkg/security"
)

var authWall = regexp.MustCompile(`(?i)linkedin\.com/(login|uas/login|authwall|checkpoint)`)

// Driver runs LinkedIn flows on a Page.
type Driver struct {
	pollInterval  time.Duration
	verifyTimeout time.Duration
	settle        time.Duration
	maxExpand     int
	maxScrolls    int
}

// Option configures a Driver.
type Option interface {
	apply(*Driver)
}

type optionFunc func(*Driver)

func (f optionFunc) apply(d *Driver) { f(d) }

// WithPollInterval sets how often verification re-checks the page.
func WithPollInterval(d time.Duration) Option {
	return optionFunc(func(dr *Driver) { dr.pollInterval = d })
}

// WithVerifyTimeout bounds post-action verification.
func WithVerifyTimeout(d time.Duration) Option {
	return optionFunc(func(dr *Driver) { dr.verifyTimeout = d })
}

// WithSettle sets the pause after clicks that load more content.
func WithSettle(d time.Duration) Option {
	return optionFunc(func(dr *Driver) { dr.settle = d })
}

// NewDriver creates a Driver.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		pollInterval:  500 * time.Millisecond,
		verifyTimeout: 9 * time.Second,
		settle:        900 * time.Millisecond,
		maxExpand:     20,
		maxScrolls:    25,
	}
	for _, o := range opts {
		o.apply(d)
	}
	return d
}

// EnsureAuthenticated fails with core.ErrAuthRequired when the page sits on
// a login, authwall or checkpoint url.
func EnsureAuthenticated(ctx context.Context, p Page) error {
	u, err := p.URL(ctx)
	if err != nil {
		return errors.Wrap(err, "read page url")
	}
	if m := authWall.FindStringSubmatch(u); m != nil {
		return core.AuthRequired(u, strings.EqualFold(m[1], "checkpoint"))
	}
	return nil
}

func (d *Driver) open(ctx context.Context, p Page, url string) error {
	if err := p.Navigate(ctx, url); err != nil {
		return errors.Wrapf(err, "navigate %s", url)
	}
	return EnsureAuthenticated(ctx, p)
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// waitFor polls check until it reports true or the verify timeout passes.
func (d *Driver) waitFor(ctx context.Context, check func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(d.verifyTimeout)
	for {
		ok, err := check()
		if err != nil || ok {
			return ok, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return false, err
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Discovery
// ──────────────────────────────────────────────────────────────────────────────

// DiscoverPostEngagers collects commenters first, then reactors, until limit
// distinct profiles are found.
func (d *Driver) DiscoverPostEngagers(ctx context.Context, p Page, postURL string, limit int) ([]provider.Engager, error) {
	limit = security.ClampDiscoveryLimit(limit)
	if err := d.open(ctx, p, postURL); err != nil {
		return nil, err
	}

	for range d.maxExpand {
		clicked, err := p.Click(ctx, selButton, patLoadMore)
		if err != nil {
			return nil, errors.Wrap(err, "expand comments")
		}
		if !clicked {
			break
		}
		if err := d.sleep(ctx, d.settle); err != nil {
			return nil, err
		}
	}

	c := newCollector(limit)
	links, err := p.Links(ctx, selCommentLinks)
	if err != nil {
		return nil, errors.Wrap(err, "read comment links")
	}
	c.add(links)

	if !c.full() {
		opened, err := p.Click(ctx, selReactionsOpen, "")
		if err != nil {
			return nil, errors.Wrap(err, "open reactions")
		}
		if opened {
			if err := d.collectReactions(ctx, p, c); err != nil {
				return nil, err
			}
		}
	}
	return c.out, nil
}

func (d *Driver) collectReactions(ctx context.Context, p Page, c *collector) error {
	stable := 0
	for range d.maxScrolls {
		if err := d.sleep(ctx, d.settle); err != nil {
			return err
		}
		links, err := p.Links(ctx, selReactionLinks)
		if err != nil {
			return errors.Wrap(err, "read reaction links")
		}
		if c.add(links) == 0 {
			stable++
		} else {
			stable = 0
		}
		if c.full() || stable >= 3 {
			return nil
		}
		if err := p.Scroll(ctx, selReactionsList); err != nil {
			return errors.Wrap(err, "scroll reactions")
		}
	}
	return nil
}

// SearchPeople collects profiles from a people search, following the Next
// button or scrolling when there is none, until limit profiles are found or
// three pages in a row add nothing.
func (d *Driver) SearchPeople(ctx context.Context, p Page, searchURL string, limit int) ([]provider.Engager, error) {
	limit = security.ClampDiscoveryLimit(limit)
	if err := d.open(ctx, p, searchURL); err != nil {
		return nil, err
	}

	c := newCollector(limit)
	stable := 0
	for range d.maxScrolls {
		if err := d.sleep(ctx, d.settle); err != nil {
			return nil, err
		}
		links, err := p.Links(ctx, selSearchLinks)
		if err != nil {
			return nil, errors.Wrap(err, "read search results")
		}
		if c.add(links) == 0 {
			stable++
		} else {
			stable = 0
		}
		if c.full() || stable >= 3 {
			break
		}
		next, err := p.Click(ctx, selNextPage, "")
		if err != nil {
			return nil, errors.Wrap(err, "next results page")
		}
		if !next {
			if err := p.Scroll(ctx, ""); err != nil {
				return nil, errors.Wrap(err, "scroll results")
			}
		}
	}
	return c.out, nil
}

type collector struct {
	limit int
	seen  map[string]bool
	out   []provider.Engager
}

func newCollector(limit int) *collector {
	return &collector{limit: limit, seen: make(map[string]bool)}
}

func (c *collector) full() bool { return len(c.out) >= c.limit }

// add appends unseen profile links and returns how many were new.
func (c *collector) add(links []Link) int {
	added := 0
	for _, l := range links {
		if c.full() {
			break
		}
		u, err := profileurl.Normalize(l.Href)
		if err != nil || !strings.Contains(u, "/in/") || c.seen[u] {
			continue
		}
		c.seen[u] = true
		c.out = append(c.out, provider.Engager{Name: firstLine(l.Text), ProfileURL: u})
		added++
	}
	return added
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

// ──────────────────────────────────────────────────────────────────────────────
// Connect
// ──────────────────────────────────────────────────────────────────────────────

// SendConnectionRequest opens a profile and sends an invite unless one is
// already pending or the member is already connected.
func (d *Driver) SendConnectionRequest(ctx context.Context, p Page, profileURL, note string) (provider.ConnectResult, error) {
	u, err := profileurl.Normalize(profileURL)
	if err != nil {
		return provider.ConnectResult{Status: provider.ConnectFailed, Detail: "invalid_profile_url"}, nil
	}
	if err := d.open(ctx, p, u); err != nil {
		return provider.ConnectResult{}, err
	}

	if ok, err := p.Exists(ctx, selButton, patPending); err != nil || ok {
		return provider.ConnectResult{Status: provider.ConnectPending}, err
	}
	if ok, err := p.Exists(ctx, selButton, patMessage); err != nil || ok {
		return provider.ConnectResult{Status: provider.ConnectAlreadyConnected}, err
	}
	if ok, err := p.Exists(ctx, selBody, patRestricted); err != nil || ok {
		if err != nil {
			return provider.ConnectResult{}, err
		}
		block, err := d.blockReason(ctx, p)
		return provider.ConnectResult{Status: provider.ConnectSkipped, BlockReason: block, Detail: "restricted"}, err
	}

	clicked, err := d.clickConnect(ctx, p)
	if err != nil {
		return provider.ConnectResult{}, err
	}
	if !clicked {
		return provider.ConnectResult{Status: provider.ConnectSkipped, Detail: "connect_not_available"}, nil
	}

	if note = strings.TrimSpace(note); note != "" {
		added, err := p.Click(ctx, selButton, patAddNote)
		if err != nil {
			return provider.ConnectResult{}, errors.Wrap(err, "add note")
		}
		if added {
			if _, err := p.Fill(ctx, selNoteBox, security.TruncateNote(note)); err != nil {
				return provider.ConnectResult{}, errors.Wrap(err, "fill note")
			}
		}
	}

	sent, err := p.Click(ctx, selButton, patSend)
	if err != nil {
		return provider.ConnectResult{}, errors.Wrap(err, "click send")
	}
	if !sent {
		if sent, err = p.Click(ctx, selButton, patDone); err != nil {
			return provider.ConnectResult{}, errors.Wrap(err, "click done")
		}
	}
	if !sent {
		return provider.ConnectResult{Status: provider.ConnectFailed, Detail: "send_button_missing"}, nil
	}

	// The invite is out. Page errors from here on only cost verification.
	res := provider.ConnectResult{Status: provider.ConnectSent}
	if block, err := d.blockReason(ctx, p); err == nil && block != "" {
		res.BlockReason = block
		return res, nil
	}
	res.Verified, _ = d.waitFor(ctx, func() (bool, error) {
		return p.Exists(ctx, selButton, patPending)
	})
	return res, nil
}

// clickConnect tries the primary Connect button, then the More menu.
func (d *Driver) clickConnect(ctx context.Context, p Page) (bool, error) {
	if ok, err := p.Click(ctx, selButton, patConnect); err != nil || ok {
		return ok, err
	}
	opened, err := p.Click(ctx, selButton, patMore)
	if err != nil {
		return false, err
	}
	if !opened {
		if opened, err = p.Click(ctx, selOverflow, ""); err != nil || !opened {
			return false, err
		}
	}
	return p.Click(ctx, selMenuItem, patConnect)
}

func (d *Driver) blockReason(ctx context.Context, p Page) (string, error) {
	checks := []struct{ pattern, reason string }{
		{patWeeklyLimit, provider.BlockWeeklyLimit},
		{patTryLater, provider.BlockRateLimited},
		{patAccountRestrict, provider.BlockAccountRestricted},
	}
	for _, c := range checks {
		ok, err := p.Exists(ctx, selBody, c.pattern)
		if err != nil {
			return "", err
		}
		if ok {
			return c.reason, nil
		}
	}
	return "", nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Message
// ──────────────────────────────────────────────────────────────────────────────

// SendMessage messages a 1st-degree connection. Members without a Message
// button are reported as not_1st_degree rather than failing.
func (d *Driver) SendMessage(ctx context.Context, p Page, profileURL, text string) (provider.MessageResult, error) {
	u, err := profileurl.Normalize(profileURL)
	if err != nil {
		return provider.MessageResult{Status: provider.MessageFailed, Detail: "invalid_profile_url"}, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return provider.MessageResult{Status: provider.MessageSkipped, Detail: "empty_message"}, nil
	}
	if len([]rune(text)) > security.MaxMessageLength {
		text = string([]rune(text)[:security.MaxMessageLength])
	}
	if err := d.open(ctx, p, u); err != nil {
		return provider.MessageResult{}, err
	}

	opened, err := p.Click(ctx, selButton, patMessage)
	if err != nil {
		return provider.MessageResult{}, errors.Wrap(err, "open composer")
	}
	if !opened {
		return provider.MessageResult{Status: provider.MessageNot1stDegree}, nil
	}

	filled, err := p.Fill(ctx, selComposer, text)
	if err == nil && !filled {
		filled, err = p.Fill(ctx, selComposerAny, text)
	}
	if err != nil {
		return provider.MessageResult{}, errors.Wrap(err, "fill composer")
	}
	if !filled {
		return provider.MessageResult{Status: provider.MessageFailed, Detail: "composer_missing"}, nil
	}
	if err := p.PressEnter(ctx); err != nil {
		return provider.MessageResult{}, errors.Wrap(err, "send message")
	}

	snippet := []rune(text)
	if len(snippet) > 120 {
		snippet = snippet[:120]
	}
	// Enter was pressed, so the message counts as sent even if the bubble
	// never shows up before ctx ends.
	verified, _ := d.waitFor(ctx, func() (bool, error) {
		return p.Exists(ctx, selBubble, regexp.QuoteMeta(string(snippet)))
	})
	return provider.MessageResult{Status: provider.MessageSent, Verified: verified}, nil
}
