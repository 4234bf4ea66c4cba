package cua

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	readability "github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/webpilot/config"
)

const (
	actionTimeout = 30 * time.Second
	maxPageText   = 2000
)

// Browser drives a headless Chrome instance through the DevTools
// protocol. One Browser serves one turn loop.
type Browser struct {
	cfg         config.BrowserConfig
	bctx        context.Context
	cancelCtx   context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *log.Logger
}

// NewBrowser launches a browser sized to the configured viewport.
func NewBrowser(ctx context.Context, cfg config.BrowserConfig) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.Width, cfg.Height),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	bctx, cancelCtx := chromedp.NewContext(actx)

	// Spawn the process now so startup failures surface here.
	if err := chromedp.Run(bctx); err != nil {
		cancelCtx()
		cancelAlloc()
		return nil, fmt.Errorf("starting browser: %w", err)
	}

	return &Browser{
		cfg:         cfg,
		bctx:        bctx,
		cancelCtx:   cancelCtx,
		cancelAlloc: cancelAlloc,
		logger:      log.New(log.Writer(), "[BROWSER] ", log.LstdFlags),
	}, nil
}

func (b *Browser) Close() error {
	b.cancelCtx()
	b.cancelAlloc()
	return nil
}

func (b *Browser) Dimensions() (int, int) { return b.cfg.Width, b.cfg.Height }
func (b *Browser) Environment() string    { return "browser" }

// run executes actions on the browser context with a per-action timeout.
// The caller's ctx only gates entry; chromedp actions must run on the
// context carrying the browser target.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(b.bctx, actionTimeout)
	defer cancel()
	return chromedp.Run(tctx, actions...)
}

func (b *Browser) Click(ctx context.Context, x, y int, button string) error {
	return b.run(ctx, chromedp.MouseClickXY(float64(x), float64(y), chromedp.Button(button)))
}

func (b *Browser) DoubleClick(ctx context.Context, x, y int) error {
	return b.run(ctx, chromedp.MouseClickXY(float64(x), float64(y), chromedp.ClickCount(2)))
}

func (b *Browser) Move(ctx context.Context, x, y int) error {
	return b.run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, float64(x), float64(y)).Do(cctx)
	}))
}

func (b *Browser) Drag(ctx context.Context, path []Point) error {
	if len(path) < 2 {
		return errors.New("drag path needs at least two points")
	}
	return b.run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		start, end := path[0], path[len(path)-1]
		if err := input.DispatchMouseEvent(input.MousePressed, float64(start.X), float64(start.Y)).
			WithButton(input.Left).WithClickCount(1).Do(cctx); err != nil {
			return err
		}
		for _, p := range path[1:] {
			if err := input.DispatchMouseEvent(input.MouseMoved, float64(p.X), float64(p.Y)).
				WithButton(input.Left).Do(cctx); err != nil {
				return err
			}
		}
		return input.DispatchMouseEvent(input.MouseReleased, float64(end.X), float64(end.Y)).
			WithButton(input.Left).WithClickCount(1).Do(cctx)
	}))
}

func (b *Browser) Scroll(ctx context.Context, x, y, deltaX, deltaY int) error {
	return b.run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, float64(x), float64(y)).
			WithDeltaX(float64(deltaX)).WithDeltaY(float64(deltaY)).Do(cctx)
	}))
}

func (b *Browser) Type(ctx context.Context, text string) error {
	return b.run(ctx, chromedp.KeyEvent(text))
}

func (b *Browser) Keypress(ctx context.Context, keys []string) error {
	var mods input.Modifier
	var plain []string
	for _, k := range keys {
		switch strings.ToUpper(k) {
		case "CTRL", "CONTROL":
			mods |= input.ModifierCtrl
		case "ALT":
			mods |= input.ModifierAlt
		case "SHIFT":
			mods |= input.ModifierShift
		case "META", "CMD", "SUPER", "WIN":
			mods |= input.ModifierMeta
		default:
			plain = append(plain, translateKey(k))
		}
	}
	for _, k := range plain {
		if err := b.run(ctx, chromedp.KeyEvent(k, chromedp.KeyModifiers(mods))); err != nil {
			return err
		}
	}
	return nil
}

func translateKey(name string) string {
	switch strings.ToUpper(name) {
	case "ENTER", "RETURN":
		return kb.Enter
	case "TAB":
		return kb.Tab
	case "BACKSPACE":
		return kb.Backspace
	case "DELETE", "DEL":
		return kb.Delete
	case "ESC", "ESCAPE":
		return kb.Escape
	case "ARROWUP", "UP":
		return kb.ArrowUp
	case "ARROWDOWN", "DOWN":
		return kb.ArrowDown
	case "ARROWLEFT", "LEFT":
		return kb.ArrowLeft
	case "ARROWRIGHT", "RIGHT":
		return kb.ArrowRight
	case "PAGEUP":
		return kb.PageUp
	case "PAGEDOWN":
		return kb.PageDown
	case "HOME":
		return kb.Home
	case "END":
		return kb.End
	case "SPACE":
		return " "
	default:
		if len(name) == 1 {
			return strings.ToLower(name)
		}
		return name
	}
}

func (b *Browser) Wait(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Browser) Navigate(ctx context.Context, rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("empty url")
	}
	return b.run(ctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (b *Browser) Back(ctx context.Context) error {
	return b.run(ctx, chromedp.NavigateBack())
}

func (b *Browser) Forward(ctx context.Context) error {
	return b.run(ctx, chromedp.NavigateForward())
}

func (b *Browser) Screenshot(ctx context.Context) (string, error) {
	var buf []byte
	if err := b.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("capturing screenshot: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (b *Browser) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := b.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// PageText extracts the readable article text of the current page for
// the monitoring pass. Extraction failures degrade to empty text.
func (b *Browser) PageText(ctx context.Context) (string, error) {
	var html, loc string
	if err := b.run(ctx,
		chromedp.Location(&loc),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", err
	}
	article, err := readability.FromReader(strings.NewReader(html), parseURL(loc))
	if err != nil {
		return "", nil
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > maxPageText {
		text = text[:maxPageText]
	}
	return text, nil
}

func parseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
