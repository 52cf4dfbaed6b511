package browser

import "github.com/kuitang/webprobe/internal/result"

const resultKey = "browser.session"

// Bind associates s with a test attempt so listeners can capture
// screenshots or page info when the attempt ends.
func Bind(res *result.TestResult, s *Session) {
	res.SetValue(resultKey, s)
}

// SessionOf returns the session bound to res.
func SessionOf(res *result.TestResult) (*Session, bool) {
	v, ok := res.Value(resultKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok && s != nil
}
