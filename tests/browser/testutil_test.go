package browser

import (
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"slices"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	code := m.Run()
	cleanupSharedBrowserTestEnv()
	os.Exit(code)
}

func TestEngines_FromEnvironment(t *testing.T) {
	t.Setenv("WEBPROBE_TEST_ENGINES", "")
	t.Setenv("WEBPROBE_REMOTE_URL", "")
	if got := Engines(); !slices.Equal(got, []string{"playwright", "rod"}) {
		t.Fatalf("default engines = %v", got)
	}

	t.Setenv("WEBPROBE_TEST_ENGINES", " rod , ,selenium")
	t.Setenv("WEBPROBE_REMOTE_URL", "http://grid:4444/wd/hub")
	if got := Engines(); !slices.Equal(got, []string{"rod", "selenium"}) {
		t.Fatalf("engines = %v", got)
	}

	t.Setenv("WEBPROBE_TEST_ENGINES", "playwright")
	if got := Engines(); !slices.Equal(got, []string{"playwright", "selenium"}) {
		t.Fatalf("remote URL should add selenium, got %v", got)
	}
}

func TestEngines_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		names := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,10}`), 1, 5).Draw(rt, "names")
		t.Setenv("WEBPROBE_REMOTE_URL", "")
		t.Setenv("WEBPROBE_TEST_ENGINES", " "+strings.Join(names, " , ")+" ,")
		if got := Engines(); !slices.Equal(got, names) {
			rt.Fatalf("Engines() = %v, want %v", got, names)
		}
	})
}

func TestDemoSite_LoginSetsCookiesAndRedirects(t *testing.T) {
	srv := httptest.NewServer(newDemoSite())
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Jar: jar}

	resp, err := client.Get(srv.URL + "/home")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Request.URL.Path != "/login" {
		t.Fatalf("anonymous /home should redirect to /login, landed on %s", resp.Request.URL)
	}

	resp, err = client.PostForm(srv.URL+"/login", url.Values{"email": {"eve@example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Request.URL.RawQuery != "error=missing" {
		t.Fatalf("missing password should bounce with error, landed on %s", resp.Request.URL)
	}

	resp, err = client.PostForm(srv.URL+"/login", url.Values{"email": {"eve@example.com"}, "password": {"pw"}})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Request.URL.Path != "/home" || resp.StatusCode != http.StatusOK {
		t.Fatalf("login landed on %s with %d", resp.Request.URL, resp.StatusCode)
	}
	u, _ := url.Parse(srv.URL)
	var names []string
	for _, c := range jar.Cookies(u) {
		names = append(names, c.Name)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"session_id", "user"}) {
		t.Fatalf("cookies = %v", names)
	}
}
