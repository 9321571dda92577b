package linkedin

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// RodPage adapts a go-rod page to Page.
type RodPage struct {
	page *rod.Page
}

var _ Page = (*RodPage)(nil)

// NewRodPage wraps p.
func NewRodPage(p *rod.Page) *RodPage {
	return &RodPage{page: p}
}

func (p *RodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	return pg.WaitLoad()
}

func (p *RodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *RodPage) find(ctx context.Context, selector, pattern string) (*rod.Element, error) {
	pg := p.page.Context(ctx)
	var (
		has bool
		el  *rod.Element
		err error
	)
	if pattern == "" {
		has, el, err = pg.Has(selector)
	} else {
		has, el, err = pg.HasR(selector, pattern)
	}
	if err != nil || !has {
		return nil, err
	}
	return el, nil
}

func (p *RodPage) Exists(ctx context.Context, selector, pattern string) (bool, error) {
	el, err := p.find(ctx, selector, pattern)
	return el != nil, err
}

func (p *RodPage) Click(ctx context.Context, selector, pattern string) (bool, error) {
	el, err := p.find(ctx, selector, pattern)
	if err != nil || el == nil {
		return false, err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, errors.Wrapf(err, "click %s", selector)
	}
	return true, nil
}

func (p *RodPage) Fill(ctx context.Context, selector, text string) (bool, error) {
	el, err := p.find(ctx, selector, "")
	if err != nil || el == nil {
		return false, err
	}
	if err := el.Input(text); err != nil {
		return false, errors.Wrapf(err, "fill %s", selector)
	}
	return true, nil
}

func (p *RodPage) Links(ctx context.Context, selector string) ([]Link, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(els))
	for _, el := range els {
		href, err := el.Property("href")
		if err != nil {
			continue
		}
		text, _ := el.Text()
		links = append(links, Link{Href: href.Str(), Text: strings.TrimSpace(text)})
	}
	return links, nil
}

func (p *RodPage) PressEnter(ctx context.Context) error {
	return p.page.Context(ctx).Keyboard.Type(input.Enter)
}

func (p *RodPage) Scroll(ctx context.Context, selector string) error {
	pg := p.page.Context(ctx)
	if selector == "" {
		return pg.Mouse.Scroll(0, 1200, 4)
	}
	el, err := p.find(ctx, selector, "")
	if err != nil || el == nil {
		return err
	}
	_, err = el.Eval(`() => { this.scrollTop = this.scrollHeight }`)
	return err
}

// RodSession is a Session over a rod browser.
type RodSession struct {
	browser *rod.Browser
	page    *RodPage
	onClose func() error
}

// NewRodSession opens or reuses a tab in browser. onClose, when set, runs
// after the browser connection is closed.
func NewRodSession(browser *rod.Browser, onClose func() error) (*RodSession, error) {
	pages, err := browser.Pages()
	if err != nil {
		return nil, errors.Wrap(err, "list tabs")
	}
	var page *rod.Page
	if len(pages) > 0 {
		page = pages.First()
	} else if page, err = browser.Page(proto.TargetCreateTarget{URL: "about:blank"}); err != nil {
		return nil, errors.Wrap(err, "open tab")
	}
	return &RodSession{browser: browser, page: NewRodPage(page), onClose: onClose}, nil
}

// Browser returns the underlying browser.
func (s *RodSession) Browser() *rod.Browser { return s.browser }

func (s *RodSession) Page() Page { return s.page }

func (s *RodSession) Close() error {
	err := s.browser.Close()
	if s.onClose != nil {
		err = errors.CombineErrors(err, s.onClose())
	}
	return err
}
