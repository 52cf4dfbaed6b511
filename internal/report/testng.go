package report

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kuitang/webprobe/internal/logutil"
	"github.com/kuitang/webprobe/internal/result"
)

// testngTime is the timestamp layout TestNG writes.
const testngTime = "2006-01-02T15:04:05 MST"

type testngResults struct {
	XMLName        xml.Name      `xml:"testng-results"`
	Skipped        int           `xml:"skipped,attr"`
	Failed         int           `xml:"failed,attr"`
	Ignored        int           `xml:"ignored,attr"`
	Total          int           `xml:"total,attr"`
	Passed         int           `xml:"passed,attr"`
	ReporterOutput struct{}      `xml:"reporter-output"`
	Suites         []testngSuite `xml:"suite"`
}

type testngSuite struct {
	Name       string     `xml:"name,attr"`
	DurationMS int64      `xml:"duration-ms,attr"`
	StartedAt  string     `xml:"started-at,attr"`
	FinishedAt string     `xml:"finished-at,attr"`
	Groups     struct{}   `xml:"groups"`
	Test       testngTest `xml:"test"`
}

type testngTest struct {
	Name       string      `xml:"name,attr"`
	DurationMS int64       `xml:"duration-ms,attr"`
	StartedAt  string      `xml:"started-at,attr"`
	FinishedAt string      `xml:"finished-at,attr"`
	Class      testngClass `xml:"class"`
}

type testngClass struct {
	Name    string         `xml:"name,attr"`
	Methods []testngMethod `xml:"test-method"`
}

type testngMethod struct {
	Status      string           `xml:"status,attr"`
	Signature   string           `xml:"signature,attr"`
	Name        string           `xml:"name,attr"`
	DurationMS  int64            `xml:"duration-ms,attr"`
	StartedAt   string           `xml:"started-at,attr"`
	FinishedAt  string           `xml:"finished-at,attr"`
	Description string           `xml:"description,attr,omitempty"`
	Retried     bool             `xml:"retried,attr,omitempty"`
	Groups      string           `xml:"groups,attr,omitempty"`
	Params      *testngParams    `xml:"params,omitempty"`
	Exception   *testngException `xml:"exception,omitempty"`
	Output      *testngOutput    `xml:"reporter-output,omitempty"`
}

type testngParams struct {
	Params []testngParam `xml:"param"`
}

type testngParam struct {
	Index int    `xml:"index,attr"`
	Value string `xml:"value"`
}

type testngException struct {
	Class   string `xml:"class,attr"`
	Message cdata  `xml:"message"`
}

type testngOutput struct {
	Lines []cdata `xml:"line"`
}

type cdata struct {
	Text string `xml:",cdata"`
}

// TestNGXML renders run in the testng-results.xml format understood by CI
// dashboards. Retried attempts appear as skipped methods marked
// retried="true", the way TestNG reports them.
func TestNGXML(run *result.RunInfo, results []*result.TestResult) ([]byte, error) {
	if results == nil {
		results = run.Results()
	}
	sum := result.Summarize(results)
	doc := testngResults{
		Skipped: sum.Skipped + sum.Retried,
		Failed:  sum.Failed,
		Total:   sum.Total + sum.Retried,
		Passed:  sum.Passed,
	}

	bySuite := map[string][]*result.TestResult{}
	var order []string
	for _, res := range results {
		if res.Status == result.Started {
			continue
		}
		if _, ok := bySuite[res.Suite]; !ok {
			order = append(order, res.Suite)
		}
		bySuite[res.Suite] = append(bySuite[res.Suite], res)
	}

	for _, name := range order {
		rs := bySuite[name]
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].StartedAt.Before(rs[j].StartedAt) })
		start, end := rs[0].StartedAt, rs[0].FinishedAt
		for _, res := range rs {
			if res.StartedAt.Before(start) {
				start = res.StartedAt
			}
			if res.FinishedAt.After(end) {
				end = res.FinishedAt
			}
		}
		suite := testngSuite{
			Name:       name,
			DurationMS: end.Sub(start).Milliseconds(),
			StartedAt:  ngTime(start),
			FinishedAt: ngTime(end),
		}
		suite.Test = testngTest{
			Name:       name,
			DurationMS: suite.DurationMS,
			StartedAt:  suite.StartedAt,
			FinishedAt: suite.FinishedAt,
			Class:      testngClass{Name: name},
		}
		for _, res := range rs {
			suite.Test.Class.Methods = append(suite.Test.Class.Methods, testngMethodOf(res))
		}
		doc.Suites = append(doc.Suites, suite)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode testng results: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func testngMethodOf(res *result.TestResult) testngMethod {
	m := testngMethod{
		Status:      res.Status.String(),
		Signature:   res.Name + "()",
		Name:        res.Name,
		DurationMS:  res.Duration().Milliseconds(),
		StartedAt:   ngTime(res.StartedAt),
		FinishedAt:  ngTime(res.FinishedAt),
		Description: res.Description,
	}
	if res.Status == result.Retried {
		m.Status = result.Skipped.String()
		m.Retried = true
	}
	if len(res.Groups) > 0 {
		m.Groups = strings.Join(res.Groups, ",")
	}
	if len(res.Params) > 0 {
		keys := make([]string, 0, len(res.Params))
		for k := range res.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m.Params = &testngParams{}
		for i, k := range keys {
			m.Params.Params = append(m.Params.Params, testngParam{Index: i, Value: k + "=" + logutil.RedactValue(k, res.Params[k])})
		}
	}
	if res.Status == result.Failed || res.Status == result.Retried {
		class := "webprobe.AssertionError"
		if res.Err != nil {
			class = fmt.Sprintf("%T", res.Err)
		}
		m.Exception = &testngException{Class: class, Message: cdata{Text: res.ErrorText()}}
	}
	if res.Status == result.Skipped && res.SkipReason != "" {
		m.Exception = &testngException{Class: "webprobe.SkipException", Message: cdata{Text: res.SkipReason}}
	}
	if len(res.Logs) > 0 {
		m.Output = &testngOutput{}
		for _, line := range res.Logs {
			m.Output.Lines = append(m.Output.Lines, cdata{Text: line})
		}
	}
	return m
}

func ngTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(testngTime)
}
