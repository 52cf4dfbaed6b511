package fakedriver

import (
	"context"
	"image/color"
	"strings"

	"github.com/kuitang/webprobe/internal/driver"
)

type element struct {
	b   *Browser
	n   *Node
	gen int
	by  driver.By
}

// enter checks staleness and programmed failures. Callers hold e.b.mu.
func (e *element) enter(op string) error {
	if err := e.b.enter(op); err != nil {
		return err
	}
	if e.gen != e.b.gen {
		return driver.Wrap(driver.ErrStaleElement, op+" "+e.by.String(), nil)
	}
	return nil
}

func (e *element) interactable(op string) error {
	if e.n.Hidden {
		return driver.Wrap(driver.ErrNotVisible, op+" "+e.by.String(), nil)
	}
	if e.n.Disabled {
		return driver.Wrap(driver.ErrNotInteractable, op+" "+e.by.String(), nil)
	}
	return nil
}

func (e *element) Click(ctx context.Context) error {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if err := e.enter("click"); err != nil {
		return err
	}
	if err := e.interactable("click"); err != nil {
		return err
	}
	if e.n.OnClick != nil {
		e.n.OnClick(e.b)
	}
	return nil
}

func (e *element) Type(ctx context.Context, text string) error {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if err := e.enter("type"); err != nil {
		return err
	}
	if err := e.interactable("type"); err != nil {
		return err
	}
	e.n.Value += text
	return nil
}

func (e *element) Clear(ctx context.Context) error {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if err := e.enter("clear"); err != nil {
		return err
	}
	if err := e.interactable("clear"); err != nil {
		return err
	}
	e.n.Value = ""
	return nil
}

func (e *element) Text(ctx context.Context) (string, error) {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if err := e.enter("text"); err != nil {
		return "", err
	}
	if e.n.Hidden {
		return "", nil
	}
	return e.n.Text, nil
}

func (e *element) Attribute(ctx context.Context, name string) (string, error) {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if err := e.enter("attribute"); err != nil {
		return "", err
	}
	switch name {
	case "id":
		return e.n.ID, nil
	case "name":
		return e.n.Name, nil
	case "data-testid":
		return e.n.TestID, nil
	case "class":
		return strings.Join(e.n.Classes, " "), nil
	case "value":
		return e.n.Value, nil
	}
	return e.n.Attrs[name], nil
}

func (e *element) Value(ctx context.Context) (string, error) {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if err := e.enter("value"); err != nil {
		return "", err
	}
	return e.n.Value, nil
}

func (e *element) IsDisplayed(ctx context.Context) (bool, error) {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if err := e.enter("displayed"); err != nil {
		return false, err
	}
	return !e.n.Hidden, nil
}

func (e *element) IsEnabled(ctx context.Context) (bool, error) {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if err := e.enter("enabled"); err != nil {
		return false, err
	}
	return !e.n.Disabled, nil
}

func (e *element) Screenshot(ctx context.Context) ([]byte, error) {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if err := e.enter("element_screenshot"); err != nil {
		return nil, err
	}
	if e.n.Hidden {
		return nil, driver.Wrap(driver.ErrNotVisible, "screenshot "+e.by.String(), nil)
	}
	return SolidPNG(16, 16, color.Black)
}

// matches implements the locator strategies the fake understands. CSS is
// limited to compound selectors of tag, #id, .class and [attr=value].
func matches(n *Node, by driver.By) bool {
	switch by.Strategy {
	case driver.StrategyID:
		return n.ID == by.Value
	case driver.StrategyName:
		return n.Name == by.Value
	case driver.StrategyTestID:
		return n.TestID == by.Value
	case driver.StrategyText:
		return strings.TrimSpace(n.Text) == strings.TrimSpace(by.Value)
	case driver.StrategyCSS:
		return matchCSS(n, strings.TrimSpace(by.Value))
	}
	return false
}

func matchCSS(n *Node, sel string) bool {
	if sel == "" {
		return false
	}
	for _, alt := range strings.Split(sel, ",") {
		if matchCompound(n, strings.TrimSpace(alt)) {
			return true
		}
	}
	return false
}

func matchCompound(n *Node, sel string) bool {
	rest := sel
	tagEnd := strings.IndexAny(rest, "#.[")
	if tagEnd < 0 {
		tagEnd = len(rest)
	}
	if tag := rest[:tagEnd]; tag != "" && tag != "*" && !strings.EqualFold(tag, nodeTag(n)) {
		return false
	}
	rest = rest[tagEnd:]
	for rest != "" {
		switch rest[0] {
		case '#', '.':
			end := strings.IndexAny(rest[1:], "#.[")
			if end < 0 {
				end = len(rest) - 1
			}
			token := rest[1 : end+1]
			if rest[0] == '#' && n.ID != token {
				return false
			}
			if rest[0] == '.' && !hasClass(n, token) {
				return false
			}
			rest = rest[end+1:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return false
			}
			if !matchAttr(n, rest[1:end]) {
				return false
			}
			rest = rest[end+1:]
		default:
			return false
		}
	}
	return true
}

func matchAttr(n *Node, expr string) bool {
	name, want, hasValue := strings.Cut(expr, "=")
	want = strings.Trim(want, `"'`)
	var got string
	var present bool
	switch name {
	case "id":
		got, present = n.ID, n.ID != ""
	case "name":
		got, present = n.Name, n.Name != ""
	case "data-testid":
		got, present = n.TestID, n.TestID != ""
	default:
		got, present = n.Attrs[name]
	}
	if !hasValue {
		return present
	}
	return present && got == want
}

func nodeTag(n *Node) string {
	if n.Tag == "" {
		return "div"
	}
	return n.Tag
}

func hasClass(n *Node, class string) bool {
	for _, c := range n.Classes {
		if c == class {
			return true
		}
	}
	return false
}
