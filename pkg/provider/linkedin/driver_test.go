package linkedin

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/provider"
)

const profile = "https://www.linkedin.com/in/jane-doe"

func testDriver() *Driver {
	return NewDriver(
		WithPollInterval(time.Millisecond),
		WithVerifyTimeout(30*time.Millisecond),
		WithSettle(0),
	)
}

// ──────────────────────────────────────────────────────────────────────────────
// Auth detection
// ──────────────────────────────────────────────────────────────────────────────

func TestSendConnectionRequest_LoginWall(t *testing.T) {
	p := newFakePage()
	p.redirect[profile] = "https://www.linkedin.com/login?session_redirect=x"

	_, err := testDriver().SendConnectionRequest(context.Background(), p, profile, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAuthRequired)

	var are *core.AuthRequiredError
	require.True(t, errors.As(err, &are))
	assert.False(t, are.Checkpoint)
}

func TestSendMessage_Checkpoint(t *testing.T) {
	p := newFakePage()
	p.redirect[profile] = "https://www.linkedin.com/checkpoint/challenge/abc"

	_, err := testDriver().SendMessage(context.Background(), p, profile, "hello")
	var are *core.AuthRequiredError
	require.True(t, errors.As(err, &are))
	assert.True(t, are.Checkpoint)
}

// ──────────────────────────────────────────────────────────────────────────────
// Connect
// ──────────────────────────────────────────────────────────────────────────────

func TestSendConnectionRequest_AlreadyPending(t *testing.T) {
	p := newFakePage().add(selButton, "Pending", nil).add(selButton, "Connect", nil)

	res, err := testDriver().SendConnectionRequest(context.Background(), p, profile+"/?trk=abc", "")
	require.NoError(t, err)
	assert.Equal(t, provider.ConnectPending, res.Status)
	assert.Empty(t, p.clicked, "no action on an existing invite")
	assert.Equal(t, []string{profile}, p.navigated, "navigates to the normalized url")
}

func TestSendConnectionRequest_AlreadyConnected(t *testing.T) {
	p := newFakePage().add(selButton, "Message", nil)

	res, err := testDriver().SendConnectionRequest(context.Background(), p, profile, "")
	require.NoError(t, err)
	assert.Equal(t, provider.ConnectAlreadyConnected, res.Status)
}

func TestSendConnectionRequest_PrimaryWithNote(t *testing.T) {
	p := newFakePage().
		add(selButton, "Connect", nil).
		add(selButton, "Add a note", func(p *fakePage) {
			p.add(selNoteBox, "", nil)
		}).
		add(selButton, "Send", func(p *fakePage) {
			p.remove(selButton, "Connect")
			p.add(selButton, "Pending", nil)
		})

	note := strings.Repeat("n", 400)
	res, err := testDriver().SendConnectionRequest(context.Background(), p, profile, note)
	require.NoError(t, err)
	assert.Equal(t, provider.ConnectSent, res.Status)
	assert.True(t, res.Verified)
	assert.Empty(t, res.BlockReason)
	assert.Len(t, []rune(p.filled[selNoteBox]), 300, "note truncated to LinkedIn's limit")
	assert.Equal(t, []string{"Connect", "Add a note", "Send"}, p.clicked)
}

func TestSendConnectionRequest_PageErrorAfterSend(t *testing.T) {
	p := newFakePage().
		add(selButton, "Connect", nil).
		add(selButton, "Send", func(p *fakePage) {
			p.existsErr = errors.New("target closed")
		})

	res, err := testDriver().SendConnectionRequest(context.Background(), p, profile, "")
	require.NoError(t, err, "an invite that went out must not be reported as an error")
	assert.Equal(t, provider.ConnectSent, res.Status)
	assert.False(t, res.Verified)
}

func TestSendConnectionRequest_MoreMenuFallback(t *testing.T) {
	p := newFakePage().
		add(selButton, "More", func(p *fakePage) {
			p.add(selMenuItem, "Connect", nil)
		}).
		add(selButton, "Send without a note", nil).
		add(selButton, "Done", nil)

	res, err := testDriver().SendConnectionRequest(context.Background(), p, profile, "")
	require.NoError(t, err)
	assert.Equal(t, provider.ConnectSent, res.Status)
	assert.False(t, res.Verified, "no pending button appeared")
	assert.Equal(t, []string{"More", "Connect", "Done"}, p.clicked)
}

func TestSendConnectionRequest_NotAvailable(t *testing.T) {
	p := newFakePage().add(selButton, "Follow", nil)

	res, err := testDriver().SendConnectionRequest(context.Background(), p, profile, "")
	require.NoError(t, err)
	assert.Equal(t, provider.ConnectSkipped, res.Status)
	assert.Equal(t, "connect_not_available", res.Detail)
}

func TestSendConnectionRequest_SendMissing(t *testing.T) {
	p := newFakePage().add(selButton, "Connect", nil)

	res, err := testDriver().SendConnectionRequest(context.Background(), p, profile, "")
	require.NoError(t, err)
	assert.Equal(t, provider.ConnectFailed, res.Status)
}

func TestSendConnectionRequest_WeeklyLimit(t *testing.T) {
	p := newFakePage().
		add(selButton, "Connect", nil).
		add(selButton, "Send", func(p *fakePage) {
			p.add(selBody, "You've reached the weekly invitation limit", nil)
		})

	res, err := testDriver().SendConnectionRequest(context.Background(), p, profile, "")
	require.NoError(t, err)
	assert.Equal(t, provider.BlockWeeklyLimit, res.BlockReason)
}

func TestSendConnectionRequest_RestrictedBeforeAction(t *testing.T) {
	p := newFakePage().
		add(selBody, "Please try again later", nil).
		add(selButton, "Connect", nil)

	res, err := testDriver().SendConnectionRequest(context.Background(), p, profile, "")
	require.NoError(t, err)
	assert.Equal(t, provider.ConnectSkipped, res.Status)
	assert.Equal(t, provider.BlockRateLimited, res.BlockReason)
	assert.Empty(t, p.clicked)
}

func TestSendConnectionRequest_InvalidURL(t *testing.T) {
	res, err := testDriver().SendConnectionRequest(context.Background(), newFakePage(), "mailto:x@y", "")
	require.NoError(t, err)
	assert.Equal(t, provider.ConnectFailed, res.Status)
}

// ──────────────────────────────────────────────────────────────────────────────
// Message
// ──────────────────────────────────────────────────────────────────────────────

func TestSendMessage_Sent(t *testing.T) {
	p := newFakePage().add(selButton, "Message", func(p *fakePage) {
		p.add(selComposer, "", nil)
	})

	res, err := testDriver().SendMessage(context.Background(), p, profile, "  Hi Jane (quick question)  ")
	require.NoError(t, err)
	assert.Equal(t, provider.MessageSent, res.Status)
	assert.True(t, res.Verified)
	assert.Equal(t, "Hi Jane (quick question)", p.filled[selComposer])
	assert.Equal(t, 1, p.entered)
}

func TestSendMessage_VerifyTimesOut(t *testing.T) {
	p := newFakePage().add(selButton, "Message", func(p *fakePage) {
		p.add(selComposer, "", nil)
	})
	p.noEcho = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d := NewDriver(WithPollInterval(5*time.Millisecond), WithVerifyTimeout(time.Second))

	res, err := d.SendMessage(ctx, p, profile, "Hi Jane")
	require.NoError(t, err, "a message that went out must not be reported as an error")
	assert.Equal(t, provider.MessageSent, res.Status)
	assert.False(t, res.Verified)
	assert.Equal(t, 1, p.entered)
}

func TestSendMessage_ComposerFallback(t *testing.T) {
	p := newFakePage().add(selButton, "Message", func(p *fakePage) {
		p.add(selComposerAny, "", nil)
	})

	res, err := testDriver().SendMessage(context.Background(), p, profile, "hello")
	require.NoError(t, err)
	assert.Equal(t, provider.MessageSent, res.Status)
	assert.Equal(t, "hello", p.filled[selComposerAny])
}

func TestSendMessage_ComposerMissing(t *testing.T) {
	p := newFakePage().add(selButton, "Message", nil)

	res, err := testDriver().SendMessage(context.Background(), p, profile, "hello")
	require.NoError(t, err)
	assert.Equal(t, provider.MessageFailed, res.Status)
	assert.Equal(t, "composer_missing", res.Detail)
}

func TestSendMessage_Not1stDegree(t *testing.T) {
	p := newFakePage().add(selButton, "Connect", nil)

	res, err := testDriver().SendMessage(context.Background(), p, profile, "hello")
	require.NoError(t, err)
	assert.Equal(t, provider.MessageNot1stDegree, res.Status)
	assert.Zero(t, p.entered)
}

func TestSendMessage_Empty(t *testing.T) {
	p := newFakePage()
	res, err := testDriver().SendMessage(context.Background(), p, profile, "   ")
	require.NoError(t, err)
	assert.Equal(t, provider.MessageSkipped, res.Status)
	assert.Empty(t, p.navigated, "nothing to send, no page load")
}

// ──────────────────────────────────────────────────────────────────────────────
// Discovery
// ──────────────────────────────────────────────────────────────────────────────

func TestDiscoverPostEngagers_CommentsThenReactions(t *testing.T) {
	const post = "https://www.linkedin.com/feed/update/urn:li:activity:1"
	p := newFakePage()
	p.add(selButton, "Load more comments", func(p *fakePage) {
		p.remove(selButton, "Load more comments")
		p.links[selCommentLinks] = append(p.links[selCommentLinks],
			Link{Href: "https://www.linkedin.com/in/c/", Text: "Carol\nHead of Sales"})
	})
	p.links[selCommentLinks] = []Link{
		{Href: "https://www.linkedin.com/in/a?miniProfileUrn=1", Text: "Alice"},
		{Href: "https://www.linkedin.com/in/a/", Text: "Alice"},
		{Href: "https://www.linkedin.com/company/acme", Text: "Acme"},
	}
	p.add(selReactionsOpen, "", nil)
	p.links[selReactionLinks] = []Link{{Href: "https://www.linkedin.com/in/b", Text: "Bob"}}
	p.onScroll = func(p *fakePage) {
		p.links[selReactionLinks] = append(p.links[selReactionLinks],
			Link{Href: "https://www.linkedin.com/in/d", Text: "Dan"},
			Link{Href: "https://www.linkedin.com/in/e", Text: "Eve"})
	}

	got, err := testDriver().DiscoverPostEngagers(context.Background(), p, post, 4)
	require.NoError(t, err)

	urls := make([]string, len(got))
	for i, e := range got {
		urls[i] = e.ProfileURL
	}
	assert.Equal(t, []string{
		"https://www.linkedin.com/in/a",
		"https://www.linkedin.com/in/c",
		"https://www.linkedin.com/in/b",
		"https://www.linkedin.com/in/d",
	}, urls)
	assert.Equal(t, "Carol", got[1].Name)
}

func TestDiscoverPostEngagers_StopsWhenReactionsStable(t *testing.T) {
	p := newFakePage()
	p.links[selCommentLinks] = []Link{{Href: "https://www.linkedin.com/in/a"}}
	p.add(selReactionsOpen, "", nil)

	got, err := testDriver().DiscoverPostEngagers(context.Background(), p, "https://www.linkedin.com/feed/update/1", 50)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 2, p.scrolls, "gives up after three rounds without new profiles")
}

func TestDiscoverPostEngagers_AuthWall(t *testing.T) {
	p := newFakePage()
	p.redirect["https://www.linkedin.com/feed/update/1"] = "https://www.linkedin.com/authwall?trk=x"

	_, err := testDriver().DiscoverPostEngagers(context.Background(), p, "https://www.linkedin.com/feed/update/1", 10)
	assert.ErrorIs(t, err, core.ErrAuthRequired)
}

// ──────────────────────────────────────────────────────────────────────────────
// Runner
// ──────────────────────────────────────────────────────────────────────────────

func TestRunner_ClosesSession(t *testing.T) {
	sess := &fakeSession{page: newFakePage().add(selButton, "Message", nil)}
	var opened provider.Identity
	r := NewRunner(func(_ context.Context, id provider.Identity) (Session, error) {
		opened = id
		return sess, nil
	}, testDriver(), nil)

	id := provider.Identity{UserID: "u1", WorkspaceID: "ws-1"}
	res, err := r.SendConnectionRequest(context.Background(), id, profile, "")
	require.NoError(t, err)
	assert.Equal(t, provider.ConnectAlreadyConnected, res.Status)
	assert.Equal(t, id, opened)
	assert.True(t, sess.closed)
}

func TestRunner_OpenFailure(t *testing.T) {
	r := NewRunner(func(context.Context, provider.Identity) (Session, error) {
		return nil, core.AuthRequired("https://www.linkedin.com/login", false)
	}, testDriver(), nil)

	_, err := r.SendMessage(context.Background(), provider.Identity{UserID: "u1", WorkspaceID: "ws-1"}, profile, "hi")
	assert.ErrorIs(t, err, core.ErrAuthRequired, "auth errors survive wrapping")
}

// ──────────────────────────────────────────────────────────────────────────────
// People search
// ──────────────────────────────────────────────────────────────────────────────

const searchPage = "https://www.linkedin.com/search/results/people/?keywords=founder"

func TestSearchPeople_FollowsNextPage(t *testing.T) {
	p := newFakePage()
	p.links[selSearchLinks] = []Link{
		{Href: "https://www.linkedin.com/in/a?miniProfileUrn=1", Text: "Alice\nFounder"},
		{Href: "https://www.linkedin.com/in/b", Text: "Bob"},
	}
	p.add(selNextPage, "Next", func(p *fakePage) {
		p.links[selSearchLinks] = []Link{
			{Href: "https://www.linkedin.com/in/c", Text: "Carol"},
			{Href: "https://www.linkedin.com/in/a/", Text: "Alice"},
		}
		p.remove(selNextPage, "Next")
	})

	got, err := testDriver().SearchPeople(context.Background(), p, searchPage, 10)
	require.NoError(t, err)

	urls := make([]string, len(got))
	for i, e := range got {
		urls[i] = e.ProfileURL
	}
	assert.Equal(t, []string{
		"https://www.linkedin.com/in/a",
		"https://www.linkedin.com/in/b",
		"https://www.linkedin.com/in/c",
	}, urls)
	assert.Equal(t, "Alice", got[0].Name)
	assert.Equal(t, []string{"Next"}, p.clicked)
	assert.Equal(t, 3, p.scrolls, "scrolls once the last page is reached, then gives up")
	assert.Equal(t, []string{searchPage}, p.navigated)
}

func TestSearchPeople_StopsAtLimit(t *testing.T) {
	p := newFakePage()
	p.links[selSearchLinks] = []Link{
		{Href: "https://www.linkedin.com/in/a"},
		{Href: "https://www.linkedin.com/in/b"},
		{Href: "https://www.linkedin.com/in/c"},
	}
	p.add(selNextPage, "Next", nil)

	got, err := testDriver().SearchPeople(context.Background(), p, searchPage, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Empty(t, p.clicked)
}

func TestSearchPeople_AuthWall(t *testing.T) {
	p := newFakePage()
	p.redirect[searchPage] = "https://www.linkedin.com/login?session_redirect=x"

	_, err := testDriver().SearchPeople(context.Background(), p, searchPage, 10)
	assert.ErrorIs(t, err, core.ErrAuthRequired)
}
