package stats

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRouterServesTreeGauges(t *testing.T) {
	RecordTree(context.Background(), "tree1", 7, 9, true)

	h, err := Router(100)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	scrape := func() string {
		resp, err := http.Get(srv.URL + "/debug/metrics")
		if err != nil {
			return ""
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return ""
		}
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}
	// views are updated asynchronously
	require.Eventually(t, func() bool {
		body := scrape()
		return strings.Contains(body, `cmtidx_tree_stored_seq{tree="tree1"} 7`) &&
			strings.Contains(body, `cmtidx_tree_onchain_seq{tree="tree1"} 9`)
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(srv.URL + "/other")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
