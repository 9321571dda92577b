// Package local implements the provider that drives a Chrome started on the
// worker host, authenticated with the user's stored li_at cookie.
package local

import (
	"context"
	"net/url"

	"github.com/cockroachdb/errors"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Browser is a launched or attached Chrome.
type Browser struct {
	*rod.Browser
	// ControlURL is the DevTools websocket of the browser.
	ControlURL string
	stop       func()
}

// Stop closes the browser and releases the launched process, if any.
func (b *Browser) Stop() error {
	err := b.Close()
	if b.stop != nil {
		b.stop()
	}
	return err
}

// InspectURL is the DevTools target listing of the browser, used as the
// live view during embedded login.
func (b *Browser) InspectURL() string {
	u, err := url.Parse(b.ControlURL)
	if err != nil || u.Host == "" {
		return b.ControlURL
	}
	return "http://" + u.Host + "/json"
}

// Launcher starts Chrome processes, or attaches to an existing one when
// DebugURL is set.
type Launcher struct {
	Bin      string
	Headless bool
	DebugURL string
}

// LaunchFunc starts a browser. headless is ignored when attaching.
type LaunchFunc func(ctx context.Context, headless bool) (*Browser, error)

// Launch implements LaunchFunc.
func (l Launcher) Launch(ctx context.Context, headless bool) (*Browser, error) {
	if l.DebugURL != "" {
		u, err := launcher.ResolveURL(l.DebugURL)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve debug url %s", l.DebugURL)
		}
		b := rod.New().ControlURL(u)
		if err := b.Connect(); err != nil {
			return nil, errors.Wrap(err, "attach chrome")
		}
		return &Browser{Browser: b, ControlURL: u}, nil
	}

	ln := launcher.New().Context(ctx).Headless(headless).Leakless(true)
	if l.Bin != "" {
		ln = ln.Bin(l.Bin)
	}
	u, err := ln.Launch()
	if err != nil {
		return nil, errors.Wrap(err, "launch chrome")
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		ln.Kill()
		return nil, errors.Wrap(err, "connect chrome")
	}
	return &Browser{Browser: b, ControlURL: u, stop: ln.Cleanup}, nil
}
