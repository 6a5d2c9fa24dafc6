package detector

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

func TestHeuristicStatusForbidden(t *testing.T) {
	t.Parallel()

	d := NewHeuristic(nil, nil)
	require.True(t, d.Blocked(crawl.FetchResponse{StatusCode: http.StatusForbidden}))
	require.False(t, d.Blocked(crawl.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<html><body>data</body></html>")}))
}

func TestHeuristicKeywords(t *testing.T) {
	t.Parallel()

	d := NewHeuristic([]string{"slide to verify"}, nil)
	blocked := crawl.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte("<html><body>Slide To Verify your request</body></html>"),
	}
	require.True(t, d.Blocked(blocked))

	clean := crawl.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte("<html><body>kline data</body></html>"),
	}
	require.False(t, d.Blocked(clean))
}

func TestHeuristicDefaultKeywords(t *testing.T) {
	t.Parallel()

	d := NewHeuristic(nil, nil)
	resp := crawl.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte("<html><body>Please complete the CAPTCHA to continue</body></html>"),
	}
	require.True(t, d.Blocked(resp))
}

func TestHeuristicSelectors(t *testing.T) {
	t.Parallel()

	d := NewHeuristic([]string{"never-matches"}, []string{"div.geetest_panel"})
	resp := crawl.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><body><div class="geetest_panel"></div></body></html>`),
	}
	require.True(t, d.Blocked(resp))

	plain := crawl.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><body><table></table></body></html>`),
	}
	require.False(t, d.Blocked(plain))
}

func TestHeuristicEmptyBody(t *testing.T) {
	t.Parallel()

	d := NewHeuristic(nil, []string{"div"})
	require.False(t, d.Blocked(crawl.FetchResponse{StatusCode: http.StatusOK}))
}
