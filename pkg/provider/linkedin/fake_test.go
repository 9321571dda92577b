package linkedin

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

type fakeEl struct {
	sel  string
	text string
	onClick func(p *fakePage)
}

// fakePage is a scripted Page. Elements are keyed by the exact selector the
// driver asks for.
type fakePage struct {
	mu       sync.Mutex
	url      string
	redirect map[string]string
	els      []*fakeEl
	links    map[string][]Link
	onScroll  func(p *fakePage)
	filled    map[string]string
	clicked   []string
	entered   int
	navigated []string
	scrolls   int
	noEcho    bool
	existsErr error
}

func newFakePage() *fakePage {
	return &fakePage{
		redirect: map[string]string{},
		links:    map[string][]Link{},
		filled:   map[string]string{},
	}
}

func (p *fakePage) add(sel, text string, onClick func(p *fakePage)) *fakePage {
	p.els = append(p.els, &fakeEl{sel: sel, text: text, onClick: onClick})
	return p
}

func (p *fakePage) remove(sel, text string) {
	out := p.els[:0]
	for _, el := range p.els {
		if el.sel == sel && el.text == text {
			continue
		}
		out = append(out, el)
	}
	p.els = out
}

// compile turns a JS-style pattern into a Go regexp.
func compile(pattern string) *regexp.Regexp {
	if strings.HasPrefix(pattern, "/") {
		end := strings.LastIndex(pattern, "/")
		src, flags := pattern[1:end], pattern[end+1:]
		if strings.Contains(flags, "i") {
			src = "(?i)" + src
		}
		return regexp.MustCompile(src)
	}
	return regexp.MustCompile(pattern)
}

func (p *fakePage) match(sel, pattern string) *fakeEl {
	for _, el := range p.els {
		if el.sel != sel {
			continue
		}
		if pattern == "" || compile(pattern).MatchString(el.text) {
			return el
		}
	}
	return nil
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	p.url = url
	if to, ok := p.redirect[url]; ok {
		p.url = to
	}
	return nil
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) Exists(_ context.Context, selector, pattern string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.existsErr != nil {
		return false, p.existsErr
	}
	return p.match(selector, pattern) != nil, nil
}

func (p *fakePage) Click(_ context.Context, selector, pattern string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el := p.match(selector, pattern)
	if el == nil {
		return false, nil
	}
	p.clicked = append(p.clicked, el.text)
	if el.onClick != nil {
		el.onClick(p)
	}
	return true, nil
}

func (p *fakePage) Fill(_ context.Context, selector, text string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.match(selector, "") == nil {
		return false, nil
	}
	p.filled[selector] = text
	return true, nil
}

func (p *fakePage) Links(_ context.Context, selector string) ([]Link, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Link(nil), p.links[selector]...), nil
}

func (p *fakePage) PressEnter(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entered++
	if p.noEcho {
		return nil
	}
	for sel, text := range p.filled {
		if sel == selComposer || sel == selComposerAny {
			p.els = append(p.els, &fakeEl{sel: selBubble, text: text})
		}
	}
	return nil
}

func (p *fakePage) Scroll(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls++
	if p.onScroll != nil {
		p.onScroll(p)
	}
	return nil
}

type fakeSession struct {
	page   *fakePage
	closed bool
}

func (s *fakeSession) Page() Page   { return s.page }
func (s *fakeSession) Close() error { s.closed = true; return nil }
