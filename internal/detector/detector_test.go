package detector

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

type fakeSource struct {
	content map[string]string
	calls   int
}

func (f *fakeSource) Get(_ context.Context, rawURL string) ([]byte, bool, error) {
	f.calls++
	body, ok := f.content[rawURL]
	if !ok {
		return nil, false, &collector.FetchError{URL: rawURL, StatusCode: 404}
	}
	return []byte(body), false, nil
}

func scriptEvent(u string) collector.NetworkEvent {
	return collector.NetworkEvent{
		URL:          u,
		ResourceType: collector.ResourceTypeScript,
		PageURL:      "https://x.test/",
		PageTitle:    "X",
	}
}

func TestDetectResolvesRelativeReference(t *testing.T) {
	t.Parallel()

	src := &fakeSource{content: map[string]string{
		"https://x.test/static/app.js": "console.log(1);\n//# sourceMappingURL=maps/app.js.map\n",
	}}
	d := New(src, Config{}, nil)

	got, ok, err := d.Detect(context.Background(), scriptEvent("https://x.test/static/app.js"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://x.test/static/maps/app.js.map", got.MapURL)
	require.Equal(t, collector.FileTypeJS, got.FileType)
	require.Equal(t, "https://x.test/", got.PageURL)
	require.Equal(t, "X", got.PageTitle)
	require.Contains(t, got.OriginalContent, "console.log")
}

func TestDetectStylesheetBlockComment(t *testing.T) {
	t.Parallel()

	src := &fakeSource{content: map[string]string{
		"https://x.test/site.css": "body{}\n/*# sourceMappingURL=/css/site.css.map */",
	}}
	d := New(src, Config{}, nil)

	got, ok, err := d.Detect(context.Background(), collector.NetworkEvent{
		URL:          "https://x.test/site.css",
		ResourceType: collector.ResourceTypeStylesheet,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://x.test/css/site.css.map", got.MapURL)
	require.Equal(t, collector.FileTypeCSS, got.FileType)
	require.Equal(t, "https://x.test/site.css", got.PageURL)
}

func TestDetectWithoutComment(t *testing.T) {
	t.Parallel()

	src := &fakeSource{content: map[string]string{"https://x.test/a.js": "var a;"}}

	_, ok, err := New(src, Config{}, nil).Detect(context.Background(), scriptEvent("https://x.test/a.js"))
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := New(src, Config{GuessMapURL: true}, nil).Detect(context.Background(), scriptEvent("https://x.test/a.js"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://x.test/a.js.map", got.MapURL)
}

func TestDetectPropagatesFetchErrors(t *testing.T) {
	t.Parallel()

	d := New(&fakeSource{}, Config{}, nil)
	_, ok, err := d.Detect(context.Background(), scriptEvent("https://x.test/missing.js"))
	require.False(t, ok)
	var fetchErr *collector.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, 404, fetchErr.StatusCode)
}

func TestCandidateFiltering(t *testing.T) {
	t.Parallel()

	d := New(&fakeSource{}, Config{ExcludedOrigins: []string{"https://Blocked.test"}}, nil)
	cases := []struct {
		name  string
		event collector.NetworkEvent
		want  bool
	}{
		{"script", scriptEvent("https://x.test/a.js?v=1"), true},
		{"wrong extension", scriptEvent("https://x.test/a.mjs"), false},
		{"image", collector.NetworkEvent{URL: "https://x.test/a.js", ResourceType: collector.ResourceTypeOther}, false},
		{"stylesheet with js path", collector.NetworkEvent{URL: "https://x.test/a.js", ResourceType: collector.ResourceTypeStylesheet}, false},
		{"excluded origin", scriptEvent("https://blocked.test/a.js"), false},
		{"non http", scriptEvent("chrome-extension://abc/a.js"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, ok := d.Candidate(tc.event)
			require.Equal(t, tc.want, ok)
		})
	}
}

func TestSourceMappingURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"a();\n//# sourceMappingURL=a.js.map":                        "a.js.map",
		"a();\n//@ sourceMappingURL=legacy.map\n\n":                  "legacy.map",
		"/*# sourceMappingURL=s.css.map */":                          "s.css.map",
		"//# sourceMappingURL=one.map\n//# sourceMappingURL=two.map": "two.map",
		"//# sourceMappingURL=data:application/json;base64,e30=":     "data:application/json;base64,e30=",
	}
	for content, want := range cases {
		got, ok := SourceMappingURL([]byte(content))
		require.True(t, ok, content)
		require.Equal(t, want, got)
	}

	_, ok := SourceMappingURL([]byte("var sourceMappingURL = 1;"))
	require.False(t, ok)
}

func TestDetectCrx(t *testing.T) {
	t.Parallel()

	const id = "aapbdbdomjkkjkaonfhkkikfgjllcleb"
	d := New(&fakeSource{}, Config{ChromeVersion: "120.0"}, nil)

	got, ok := d.DetectCrx("https://chromewebstore.google.com/detail/translate/"+id, "Translate")
	require.True(t, ok)
	require.Equal(t, "Translate", got.PageTitle)
	parsed, err := url.Parse(got.CrxURL)
	require.NoError(t, err)
	require.Equal(t, "clients2.google.com", parsed.Host)
	require.Equal(t, "id="+id+"&uc", parsed.Query().Get("x"))
	require.Equal(t, "120.0", parsed.Query().Get("prodversion"))

	edge, ok := d.CrxURL("https://microsoftedge.microsoft.com/addons/detail/" + id)
	require.True(t, ok)
	require.Contains(t, edge, "edge.microsoft.com/extensionwebstorebase")

	_, ok = d.CrxURL("https://chromewebstore.google.com/category/extensions")
	require.False(t, ok)
	_, ok = d.CrxURL("https://x.test/detail/" + id)
	require.False(t, ok)
}
