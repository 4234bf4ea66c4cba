package cua

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Point is one coordinate on a drag path.
type Point struct {
	X int
	Y int
}

// Computer is the browsing surface the turn loop drives. Implementations
// own the underlying browser lifecycle; Close releases it.
type Computer interface {
	Click(ctx context.Context, x, y int, button string) error
	DoubleClick(ctx context.Context, x, y int) error
	Move(ctx context.Context, x, y int) error
	Drag(ctx context.Context, path []Point) error
	Scroll(ctx context.Context, x, y, deltaX, deltaY int) error
	Type(ctx context.Context, text string) error
	Keypress(ctx context.Context, keys []string) error
	Wait(ctx context.Context, d time.Duration) error
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error

	// Screenshot returns the current viewport as base64 PNG.
	Screenshot(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	// PageText returns the readable text of the current page, truncated
	// by the implementation.
	PageText(ctx context.Context) (string, error)

	Dimensions() (width, height int)
	Environment() string
	Close() error
}

// applyAction dispatches one model-emitted computer action onto the
// surface. Screenshot actions are no-ops; a fresh screenshot is captured
// after every action regardless.
func applyAction(ctx context.Context, comp Computer, action map[string]interface{}) error {
	kind, _ := action["type"].(string)
	switch kind {
	case "click":
		return comp.Click(ctx, intField(action, "x"), intField(action, "y"), stringField(action, "button", "left"))
	case "double_click":
		return comp.DoubleClick(ctx, intField(action, "x"), intField(action, "y"))
	case "move":
		return comp.Move(ctx, intField(action, "x"), intField(action, "y"))
	case "drag":
		return comp.Drag(ctx, pathField(action))
	case "scroll":
		return comp.Scroll(ctx,
			intField(action, "x"), intField(action, "y"),
			intField(action, "scroll_x"), intField(action, "scroll_y"))
	case "type":
		return comp.Type(ctx, stringField(action, "text", ""))
	case "keypress":
		return comp.Keypress(ctx, keysField(action))
	case "wait":
		return comp.Wait(ctx, time.Second)
	case "goto", "navigate":
		return comp.Navigate(ctx, stringField(action, "url", ""))
	case "back":
		return comp.Back(ctx)
	case "forward":
		return comp.Forward(ctx)
	case "screenshot":
		return nil
	default:
		return fmt.Errorf("unsupported computer action %q", kind)
	}
}

// describeAction renders one action for the event stream.
func describeAction(action map[string]interface{}) string {
	kind, _ := action["type"].(string)
	switch kind {
	case "click":
		return fmt.Sprintf("Clicking at (%d, %d)", intField(action, "x"), intField(action, "y"))
	case "double_click":
		return fmt.Sprintf("Double-clicking at (%d, %d)", intField(action, "x"), intField(action, "y"))
	case "move":
		return fmt.Sprintf("Moving cursor to (%d, %d)", intField(action, "x"), intField(action, "y"))
	case "drag":
		return "Dragging"
	case "scroll":
		return "Scrolling the page"
	case "type":
		return fmt.Sprintf("Typing %q", stringField(action, "text", ""))
	case "keypress":
		return fmt.Sprintf("Pressing %s", strings.Join(keysField(action), "+"))
	case "wait":
		return "Waiting for the page"
	case "goto", "navigate":
		return fmt.Sprintf("Navigating to %s", stringField(action, "url", ""))
	case "back":
		return "Going back"
	case "forward":
		return "Going forward"
	case "screenshot":
		return "Taking a screenshot"
	default:
		return fmt.Sprintf("Performing %s", kind)
	}
}

func intField(action map[string]interface{}, key string) int {
	switch v := action[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringField(action map[string]interface{}, key, fallback string) string {
	if s, ok := action[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func keysField(action map[string]interface{}) []string {
	raw, _ := action["keys"].([]interface{})
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys
}

func pathField(action map[string]interface{}) []Point {
	raw, _ := action["path"].([]interface{})
	path := make([]Point, 0, len(raw))
	for _, p := range raw {
		m, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		path = append(path, Point{X: intField(m, "x"), Y: intField(m, "y")})
	}
	return path
}

// hostBlocked reports whether rawURL's host matches any blocked host,
// including subdomains.
func hostBlocked(rawURL string, blocked []string) bool {
	if len(blocked) == 0 || rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, b := range blocked {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}
