package scenario

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kuitang/webprobe/internal/browser"
	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/urlutil"
)

// Step actions.
const (
	ActionOpen         = "open"
	ActionClick        = "click"
	ActionType         = "type"
	ActionClear        = "clear"
	ActionWaitVisible  = "wait_visible"
	ActionWaitHidden   = "wait_hidden"
	ActionAssertText   = "assert_text"
	ActionAssertTitle  = "assert_title"
	ActionAssertURL    = "assert_url"
	ActionScreenshot   = "screenshot"
	ActionSetCookie    = "set_cookie"
	ActionClearCookies = "clear_cookies"
	ActionScript       = "script"
	ActionSleep        = "sleep"
)

// Actions lists every supported step action.
func Actions() []string {
	out := make([]string, 0, len(stepArgs))
	for a := range stepArgs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

type argKind int

const (
	argNone     argKind = iota
	argString           // open, assert_title, assert_url, script, screenshot
	argLocator          // click, clear, wait_visible, wait_hidden
	argLocText          // type, assert_text
	argDuration         // sleep
	argCookie           // set_cookie
)

var stepArgs = map[string]argKind{
	ActionOpen:         argString,
	ActionClick:        argLocator,
	ActionType:         argLocText,
	ActionClear:        argLocator,
	ActionWaitVisible:  argLocator,
	ActionWaitHidden:   argLocator,
	ActionAssertText:   argLocText,
	ActionAssertTitle:  argString,
	ActionAssertURL:    argString,
	ActionScreenshot:   argString,
	ActionSetCookie:    argCookie,
	ActionClearCookies: argNone,
	ActionScript:       argString,
	ActionSleep:        argDuration,
}

// Cookie is the set_cookie argument.
type Cookie struct {
	Name     string        `yaml:"name"`
	Value    string        `yaml:"value"`
	Domain   string        `yaml:"domain"`
	Path     string        `yaml:"path"`
	Secure   bool          `yaml:"secure"`
	HTTPOnly bool          `yaml:"http_only"`
	SameSite string        `yaml:"same_site"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// Step is one action of a scenario. In YAML a step is a single-key
// mapping from the action to its argument:
//
//   - click: "css=#submit"
//   - type: {locator: "#email", text: alice@example.com}
//   - sleep: 250ms
type Step struct {
	Action   string
	Locator  string
	Text     string
	Duration time.Duration
	Cookie   *Cookie
	Line     int

	err error
}

type locText struct {
	Locator string `yaml:"locator"`
	Text    string `yaml:"text"`
}

// UnmarshalYAML records problems on the step instead of failing the
// decode, so Validate can report them all together.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	s.Line = node.Line
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		s.err = fmt.Errorf("line %d: a step must be a mapping with exactly one action", node.Line)
		return nil
	}
	s.Action = node.Content[0].Value
	arg := node.Content[1]

	kind, ok := stepArgs[s.Action]
	if !ok {
		s.err = fmt.Errorf("line %d: unknown action %q", node.Line, s.Action)
		return nil
	}

	var err error
	switch kind {
	case argNone:
	case argString:
		err = arg.Decode(&s.Text)
	case argLocator:
		if arg.Kind == yaml.MappingNode {
			var lt locText
			err = arg.Decode(&lt)
			s.Locator = lt.Locator
		} else {
			err = arg.Decode(&s.Locator)
		}
	case argLocText:
		var lt locText
		err = arg.Decode(&lt)
		s.Locator, s.Text = lt.Locator, lt.Text
	case argDuration:
		err = arg.Decode(&s.Duration)
	case argCookie:
		s.Cookie = &Cookie{}
		err = arg.Decode(s.Cookie)
	}
	if err != nil {
		s.err = fmt.Errorf("line %d: %s: %w", node.Line, s.Action, err)
	}
	return nil
}

// check reports decode problems and missing arguments.
func (s Step) check() error {
	if s.err != nil {
		return s.err
	}
	missing := func(what string) error {
		return fmt.Errorf("line %d: %s requires %s", s.Line, s.Action, what)
	}
	switch stepArgs[s.Action] {
	case argLocator:
		if strings.TrimSpace(s.Locator) == "" {
			return missing("a locator")
		}
	case argLocText:
		if strings.TrimSpace(s.Locator) == "" {
			return missing("a locator")
		}
		if s.Action == ActionAssertText && s.Text == "" {
			return missing("text")
		}
	case argString:
		if s.Action != ActionScreenshot && strings.TrimSpace(s.Text) == "" {
			return missing("a value")
		}
	case argDuration:
		if s.Duration <= 0 {
			return missing("a positive duration")
		}
	case argCookie:
		if s.Cookie == nil || s.Cookie.Name == "" {
			return missing("a cookie name")
		}
	}
	return nil
}

// String renders the step in its YAML shorthand, for logs.
func (s Step) String() string {
	switch stepArgs[s.Action] {
	case argLocator:
		return s.Action + " " + s.Locator
	case argLocText:
		return fmt.Sprintf("%s %s %q", s.Action, s.Locator, s.Text)
	case argDuration:
		return s.Action + " " + s.Duration.String()
	case argCookie:
		if s.Cookie != nil {
			return s.Action + " " + s.Cookie.Name
		}
	case argString:
		if s.Text != "" {
			return s.Action + " " + s.Text
		}
	}
	return s.Action
}

// expander substitutes ${name} from test params, then the environment.
// Unknown names are left as written.
func expander(params map[string]string) func(string) string {
	return func(s string) string {
		if !strings.Contains(s, "$") {
			return s
		}
		return os.Expand(s, func(key string) string {
			if v, ok := params[key]; ok {
				return v
			}
			if v, ok := os.LookupEnv(key); ok {
				return v
			}
			return "${" + key + "}"
		})
	}
}

// appendSteps adds steps to a, expanding parameters with expand. Relative
// open paths resolve against baseURL; unnamed screenshots are numbered.
func appendSteps(a *browser.Actions, steps []Step, baseURL string, expand func(string) string, now func() time.Time) *browser.Actions {
	shots := 0
	for _, st := range steps {
		by := driver.ParseBy(expand(st.Locator))
		text := expand(st.Text)
		switch st.Action {
		case ActionOpen:
			a.Open(urlutil.BuildAbsolute(baseURL, text))
		case ActionClick:
			a.Click(by)
		case ActionType:
			a.Type(by, text)
		case ActionClear:
			a.Clear(by)
		case ActionWaitVisible:
			a.WaitVisible(by)
		case ActionWaitHidden:
			a.WaitHidden(by)
		case ActionAssertText:
			a.AssertText(by, text)
		case ActionAssertTitle:
			a.AssertTitle(text)
		case ActionAssertURL:
			a.AssertURL(text)
		case ActionScreenshot:
			shots++
			if text == "" {
				text = fmt.Sprintf("screenshot-%d", shots)
			}
			a.Screenshot(text)
		case ActionSetCookie:
			a.SetCookie(toDriverCookie(*st.Cookie, expand, now))
		case ActionClearCookies:
			a.ClearCookies()
		case ActionScript:
			a.Script(text)
		case ActionSleep:
			a.Sleep(st.Duration)
		default:
			action := st.Action
			a.Then(action, func(context.Context, *browser.Session) error {
				return fmt.Errorf("unsupported action %q", action)
			})
		}
	}
	return a
}

func toDriverCookie(c Cookie, expand func(string) string, now func() time.Time) driver.Cookie {
	out := driver.Cookie{
		Name:     c.Name,
		Value:    expand(c.Value),
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: c.SameSite,
	}
	if c.MaxAge > 0 {
		out.Expires = now().Add(c.MaxAge)
	}
	return out
}
