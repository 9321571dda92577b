// Package linkedin holds the page-level LinkedIn automation shared by every
// browser-backed provider. It runs against the small Page interface so the
// same steps drive a local Chrome, a remote managed browser or a test fake.
package linkedin

import (
	"context"
)

// Link is an anchor found on a page.
type Link struct {
	Href string
	Text string
}

// Page is the browser surface the automation needs.
//
// Patterns are JavaScript regular expressions matched against an element's
// text; a /source/flags literal enables flags. An empty pattern matches any
// element for the selector.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// Exists reports whether an element matching selector and pattern exists.
	Exists(ctx context.Context, selector, pattern string) (bool, error)
	// Click clicks the first match. It reports false when nothing matched.
	Click(ctx context.Context, selector, pattern string) (bool, error)
	// Fill types text into the first element matching selector.
	Fill(ctx context.Context, selector, text string) (bool, error)
	Links(ctx context.Context, selector string) ([]Link, error)
	PressEnter(ctx context.Context) error
	// Scroll scrolls the element matching selector to its end, or the
	// window when selector is empty.
	Scroll(ctx context.Context, selector string) error
}

// Session is an open browser bound to one user's LinkedIn profile.
type Session interface {
	Page() Page
	Close() error
}

// Selectors and text patterns for LinkedIn's UI.
const (
	patPending         = `^\s*(Pending|Invited)\s*$`
	patMessage         = `^\s*Message\s*$`
	patConnect         = `^\s*Connect\s*$`
	patMore            = `^\s*More`
	patAddNote         = `^\s*Add a note\s*$`
	patSend            = `^\s*Send(\s+now|\s+invitation)?\s*$`
	patDone            = `^\s*Done\s*$`
	patLoadMore        = `/load (more|previous) comments/i`
	patRestricted      = `/can[’']t connect|not accepting invitations|invitations are restricted|account restricted|weekly invitation limit|try again later/i`
	patWeeklyLimit     = `/weekly invitation limit/i`
	patTryLater        = `/try again later/i`
	patAccountRestrict = `/account restricted/i`

	selButton        = "button"
	selMenuItem      = `[role="menu"] [role="menuitem"], [role="menu"] div, [role="menu"] span`
	selOverflow      = `button[aria-label*="More actions"], button[aria-label*="More"]`
	selNoteBox       = "textarea"
	selComposer      = `[role="textbox"][contenteditable="true"]`
	selComposerAny   = `[role="textbox"]`
	selCommentLinks  = `.comments-comment-item a[href*="/in/"], .comments-comments-list a[href*="/in/"], article a[href*="/in/"]`
	selReactionsOpen = `button[aria-label*="reaction"], .social-details-social-counts__reactions-count`
	selReactionsList = `[role="dialog"] .artdeco-modal__content`
	selReactionLinks = `[role="dialog"] a[href*="/in/"]`
	selSearchLinks   = `.search-results-container a[href*="/in/"], main a[href*="/in/"]`
	selNextPage      = `button[aria-label="Next"]:not([disabled])`
	selBody          = "body"
	selBubble        = "span"
)
